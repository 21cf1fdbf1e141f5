package render_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/qranno/internal/render"
	"github.com/MeKo-Tech/qranno/internal/testutil"
)

func TestOpenFile_RendersAtScale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, testutil.MinimalPDF(2, 200, 100), 0o600))

	src, err := render.OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	assert.Equal(t, 2, src.PageCount())

	size, err := src.PageSize(1)
	require.NoError(t, err)
	assert.InDelta(t, 200, size.Width(), 1)
	assert.InDelta(t, 100, size.Height(), 1)

	img, err := src.Render(0, 2)
	require.NoError(t, err)
	assert.InDelta(t, 400, img.Bounds().Dx(), 2)
	assert.InDelta(t, 200, img.Bounds().Dy(), 2)

	_, err = src.Render(2, 1)
	assert.Error(t, err)
	_, err = src.Render(0, 0)
	assert.Error(t, err)
}

func TestOpenFile_Missing(t *testing.T) {
	_, err := render.OpenFile(filepath.Join(t.TempDir(), "nope.pdf"))
	assert.Error(t, err)
}

func TestClose_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, testutil.MinimalPDF(1, 100, 100), 0o600))

	src, err := render.OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	_, err = src.Render(0, 1)
	assert.Error(t, err)
}

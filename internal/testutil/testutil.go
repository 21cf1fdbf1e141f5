package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// WriteTempFile writes data to name inside a fresh temporary directory and
// returns the full path.
func WriteTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600), "Failed to write %s", path)
	return path
}

// WriteTempPDF writes a blank PDF with the given number of pages and returns
// its path.
func WriteTempPDF(t *testing.T, pages int) string {
	t.Helper()

	return WriteTempFile(t, "input.pdf", MinimalPDF(pages, 595, 842))
}

package report

import (
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/MeKo-Tech/qranno/internal/export"
	"github.com/MeKo-Tech/qranno/internal/geometry"
	"github.com/MeKo-Tech/qranno/internal/layout"
	"github.com/MeKo-Tech/qranno/internal/summary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sampleResult() *export.Result {
	return &export.Result{
		Entries: []summary.Entry{
			{Index: 1, Text: "https://example.com"},
			{Index: 2, Text: "plain, with comma"},
			{Index: 3, Text: "broken"},
		},
		Callouts: []export.Callout{
			{Page: 0, Text: "https://example.com", Plan: layout.Plan{GlobalIndex: 1, Envelope: geometry.NewRect(10, 20, 30, 30)}},
			{Page: 2, Text: "plain, with comma", Plan: layout.Plan{GlobalIndex: 2, Envelope: geometry.NewRect(5, 5, 50, 50)}},
			{Page: 2, Text: "broken", Skipped: true},
		},
		SummaryPages: 1,
	}
}

func TestNew(t *testing.T) {
	r := New("in.pdf", []int{0, 2}, sampleResult())

	assert.Equal(t, []int{1, 3}, r.Pages)
	assert.Equal(t, 3, r.Total)
	assert.Equal(t, 1, r.SummaryPages)
	require.Len(t, r.Items, 3)

	assert.True(t, r.Items[0].Link)
	assert.False(t, r.Items[1].Link)
	assert.Equal(t, 3, r.Items[1].Page)
	require.NotNil(t, r.Items[0].Envelope)
	assert.InDelta(t, 40, r.Items[0].Envelope.X1, 1e-9)
	assert.Nil(t, r.Items[2].Envelope, "skipped call-outs have no envelope")
}

func TestNew_NilResult(t *testing.T) {
	r := New("x.pdf", []int{0}, nil)
	assert.Empty(t, r.Items)
	assert.Equal(t, 0, r.Total)
}

func TestFormat(t *testing.T) {
	r := New("in.pdf", []int{0, 2}, sampleResult())

	t.Run("json", func(t *testing.T) {
		out, err := Format(r, FormatJSON)
		require.NoError(t, err)
		var back Report
		require.NoError(t, json.Unmarshal([]byte(out), &back))
		assert.Equal(t, r.Total, back.Total)
		assert.Contains(t, out, `"envelope"`)
	})

	t.Run("yaml", func(t *testing.T) {
		out, err := Format(r, "YAML")
		require.NoError(t, err)
		var back map[string]any
		require.NoError(t, yaml.Unmarshal([]byte(out), &back))
		assert.Equal(t, "in.pdf", back["source"])
		assert.Contains(t, out, "summary_pages: 1")
	})

	t.Run("csv", func(t *testing.T) {
		out, err := Format(r, FormatCSV)
		require.NoError(t, err)
		rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 4)
		assert.Equal(t, "index", rows[0][0])
		assert.Equal(t, "plain, with comma", rows[2][2])
		assert.Equal(t, "10.00", rows[1][4])
		assert.Equal(t, "", rows[3][4])
	})

	t.Run("text", func(t *testing.T) {
		out, err := Format(r, FormatText)
		require.NoError(t, err)
		assert.Equal(t, "# in.pdf\nTotal: 3\n#1: https://example.com (page 1)\n"+
			"#2: plain, with comma (page 3)\n#3: broken (page 3)\n", out)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := Format(r, "xml")
		assert.ErrorIs(t, err, ErrUnknownFormat)
	})

	t.Run("nil", func(t *testing.T) {
		_, err := Format(nil, FormatJSON)
		assert.Error(t, err)
	})
}

func TestWrite(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, Write(&sb, New("", nil, nil), FormatText))
	assert.Equal(t, "Total: 0\n", sb.String())
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", ContentType(FormatJSON))
	assert.Equal(t, "text/csv; charset=utf-8", ContentType("csv"))
	assert.Equal(t, "application/yaml", ContentType("yml"))
	assert.Equal(t, "text/plain; charset=utf-8", ContentType(FormatText))
}

func TestFormats(t *testing.T) {
	assert.Equal(t, []string{"json", "csv", "yaml", "text"}, Formats())
}

package summary

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/qranno/internal/textlayout"
)

func longEntries(n int) []Entry {
	entries := make([]Entry, n)
	for i := range entries {
		entries[i] = Entry{
			Index: i + 1,
			Text:  "https://example.com/" + strings.Repeat("segment/", 20) + "end",
		}
	}
	return entries
}

func TestPaginate_Overflow(t *testing.T) {
	p := NewPaginator(nil, "")
	pages := p.Paginate(longEntries(200), DefaultPageWidth, DefaultPageHeight)

	require.Greater(t, len(pages), 1)
	for i, pg := range pages {
		assert.Equal(t, DefaultTitle, pg.Title.Text, "page %d title", i)
		assert.InDelta(t, PageMargin, pg.Rule.From.X, 1e-9)
		assert.InDelta(t, DefaultPageWidth-PageMargin, pg.Rule.To.X, 1e-9)
		assert.Greater(t, pg.Rule.From.Y, pg.Title.At.Y, "rule sits below the title")
		assert.Equal(t, "Total: 200", pg.Header.Text)
		assert.Greater(t, pg.Header.At.Y, pg.Rule.From.Y)
		require.NotEmpty(t, pg.Lines, "page %d has body lines", i)
		for _, l := range pg.Lines {
			assert.LessOrEqual(t, l.At.Y, DefaultPageHeight-PageMargin)
			assert.Greater(t, l.At.Y, pg.Header.At.Y)
		}
	}
}

func TestPaginate_EveryEntryStartsWithPrefix(t *testing.T) {
	p := NewPaginator(nil, "Codes")
	entries := longEntries(30)
	pages := p.Paginate(entries, DefaultPageWidth, DefaultPageHeight)

	next := 1
	for _, pg := range pages {
		for _, l := range pg.Lines {
			if strings.HasPrefix(l.Text, "#") {
				assert.True(t, strings.HasPrefix(l.Text, "#"+strconv.Itoa(next)+": "), "got %q", l.Text)
				next++
			}
		}
	}
	assert.Equal(t, len(entries)+1, next)
}

func TestPaginate_FirstLineBudget(t *testing.T) {
	// One unit per rune, so the content width of a 100 wide page is 28 runes
	// and the "#1: " prefix costs four of them on the first line.
	unit := textlayout.MeasureFunc(func(text, _ string, _ float64) float64 {
		return float64(len([]rune(text)))
	})
	p := NewPaginator(unit, "")
	text := strings.Repeat("x", 60)
	pages := p.Paginate([]Entry{{Index: 1, Text: text}}, 100, 842)

	require.Len(t, pages, 1)
	lines := pages[0].Lines
	require.Len(t, lines, 3)
	assert.Equal(t, "#1: "+strings.Repeat("x", 24), lines[0].Text)
	assert.Equal(t, strings.Repeat("x", 28), lines[1].Text)
	assert.Equal(t, strings.Repeat("x", 8), lines[2].Text)
	assert.InDelta(t, LineSpacing, lines[1].At.Y-lines[0].At.Y, 1e-9)
}

func TestPaginate_EmbeddedNewlines(t *testing.T) {
	p := NewPaginator(nil, "")
	pages := p.Paginate([]Entry{{Index: 7, Text: "alpha\nbeta"}}, 0, 0)

	require.Len(t, pages, 1)
	assert.InDelta(t, DefaultPageWidth, pages[0].Width, 1e-9)
	assert.InDelta(t, DefaultPageHeight, pages[0].Height, 1e-9)
	require.Len(t, pages[0].Lines, 2)
	assert.Equal(t, "#7: alpha", pages[0].Lines[0].Text)
	assert.Equal(t, "beta", pages[0].Lines[1].Text)
}

func TestPaginate_Empty(t *testing.T) {
	pages := NewPaginator(nil, "").Paginate(nil, 300, 400)
	require.Len(t, pages, 1)
	assert.Equal(t, "Total: 0", pages[0].Header.Text)
	assert.Empty(t, pages[0].Lines)
}

func TestPaginate_Deterministic(t *testing.T) {
	p := NewPaginator(nil, "")
	a := p.Paginate(longEntries(50), 612, 792)
	b := p.Paginate(longEntries(50), 612, 792)
	assert.Equal(t, a, b)
}

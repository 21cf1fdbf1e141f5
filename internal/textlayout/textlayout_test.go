package textlayout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unitMeasurer makes every rune one unit wide, except 'W' which is three.
var unitMeasurer = MeasureFunc(func(text, _ string, _ float64) float64 {
	w := 0.0
	for _, r := range text {
		if r == 'W' {
			w += 3
		} else {
			w++
		}
	}
	return w
})

func TestFallbackWidth(t *testing.T) {
	assert.InDelta(t, 0.0, FallbackWidth("", 11), 1e-12)
	assert.InDelta(t, 4*11*0.6, FallbackWidth("abcd", 11), 1e-12)
	// Counted in runes, not bytes.
	assert.InDelta(t, 2*10*0.6, FallbackWidth("äö", 10), 1e-12)
}

func TestMeasure_FallsBack(t *testing.T) {
	assert.InDelta(t, FallbackWidth("abc", 12), Measure(nil, "abc", "Helvetica", 12), 1e-12)

	broken := MeasureFunc(func(string, string, float64) float64 { return -1 })
	assert.InDelta(t, FallbackWidth("abc", 12), Measure(broken, "abc", "Helvetica", 12), 1e-12)
}

func TestWrap(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		maxWidth float64
		want     []string
	}{
		{name: "empty", text: "", maxWidth: 5, want: []string{""}},
		{name: "fits", text: "abc", maxWidth: 5, want: []string{"abc"}},
		{name: "exact fit", text: "abcde", maxWidth: 5, want: []string{"abcde"}},
		{name: "greedy split", text: "abcdefg", maxWidth: 3, want: []string{"abc", "def", "g"}},
		{name: "newline flush", text: "ab\ncd", maxWidth: 10, want: []string{"ab", "cd"}},
		{name: "trailing newline", text: "ab\n", maxWidth: 10, want: []string{"ab", ""}},
		{name: "blank lines kept", text: "a\n\nb", maxWidth: 10, want: []string{"a", "", "b"}},
		{name: "oversized glyph alone", text: "aWb", maxWidth: 2, want: []string{"a", "W", "b"}},
		{name: "oversized glyph first", text: "Wab", maxWidth: 2, want: []string{"W", "ab"}},
		{name: "oversized glyph before newline", text: "W\nab", maxWidth: 2, want: []string{"W", "ab"}},
		{name: "zero width column", text: "abc", maxWidth: 0, want: []string{"a", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Wrap(unitMeasurer, tt.text, "Helvetica", 11, tt.maxWidth)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWrapIndent_FirstLineBudget(t *testing.T) {
	lines := WrapIndent(unitMeasurer, "abcdefghij", "Helvetica", 11, 2, 4)
	require.Len(t, lines, 3)
	assert.Equal(t, "ab", lines[0].Text)
	assert.Equal(t, "cdef", lines[1].Text)
	assert.Equal(t, "ghij", lines[2].Text)

	// The narrow budget applies to the first visual line only, not to each
	// newline-separated segment.
	lines = WrapIndent(unitMeasurer, "abc\nabcd", "Helvetica", 11, 2, 4)
	texts := make([]string, len(lines))
	for i, l := range lines {
		texts[i] = l.Text
	}
	assert.Equal(t, []string{"ab", "c", "abcd"}, texts)
}

func TestJoin(t *testing.T) {
	text := "first line\nsecond, which is long\n\nend"
	lines := WrapLines(unitMeasurer, text, "Helvetica", 11, 6)
	assert.Equal(t, text, Join(lines))
}

// Package textlayout measures strings and greedily wraps them to a width.
package textlayout

import (
	"math"
	"strings"
	"unicode/utf8"
)

// FallbackAdvance is the per-character advance, in units of the font size,
// used when no font metric is available.
const FallbackAdvance = 0.6

// Measurer reports the rendered width of text in document units.
type Measurer interface {
	Width(text, font string, size float64) float64
}

// MeasureFunc adapts a function to the Measurer interface.
type MeasureFunc func(text, font string, size float64) float64

// Width implements Measurer.
func (f MeasureFunc) Width(text, font string, size float64) float64 {
	return f(text, font, size)
}

// FallbackWidth approximates the width of text as runeCount * size * 0.6.
func FallbackWidth(text string, size float64) float64 {
	return float64(utf8.RuneCountInString(text)) * size * FallbackAdvance
}

// Fallback is a Measurer that always uses FallbackWidth.
var Fallback Measurer = MeasureFunc(func(text, _ string, size float64) float64 {
	return FallbackWidth(text, size)
})

// Measure returns m's width for text, or FallbackWidth when m is nil or
// reports a negative or non-finite width.
func Measure(m Measurer, text, font string, size float64) float64 {
	if m == nil {
		return FallbackWidth(text, size)
	}
	w := m.Width(text, font, size)
	if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
		return FallbackWidth(text, size)
	}
	return w
}

// Line is one wrapped line. HardBreak is set when the line was terminated by
// an explicit newline in the input rather than by running out of width.
type Line struct {
	Text      string
	HardBreak bool
}

// Wrap breaks text into lines no wider than maxWidth. See WrapIndent.
func Wrap(m Measurer, text, font string, size, maxWidth float64) []string {
	lines := WrapLines(m, text, font, size, maxWidth)
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

// WrapLines is Wrap with break information.
func WrapLines(m Measurer, text, font string, size, maxWidth float64) []Line {
	return WrapIndent(m, text, font, size, maxWidth, maxWidth)
}

// WrapIndent wraps text greedily, one character at a time. The first line is
// limited to firstWidth and every following line to maxWidth.
//
// A newline always ends the current line. A single character wider than the
// budget is placed on a line of its own. The result is never empty: empty
// input yields one empty line.
func WrapIndent(m Measurer, text, font string, size, firstWidth, maxWidth float64) []Line {
	var (
		lines []Line
		buf   strings.Builder
	)
	budget := firstWidth
	flush := func(hard bool) {
		lines = append(lines, Line{Text: buf.String(), HardBreak: hard})
		buf.Reset()
		budget = maxWidth
	}

	for _, r := range text {
		if r == '\n' {
			flush(true)
			continue
		}
		if buf.Len() > 0 && Measure(m, buf.String()+string(r), font, size) > budget {
			flush(false)
		}
		// An empty buffer always takes the character, so an oversized
		// glyph ends up alone on its line.
		buf.WriteRune(r)
	}
	if buf.Len() > 0 || len(lines) == 0 || lines[len(lines)-1].HardBreak {
		lines = append(lines, Line{Text: buf.String()})
	}
	return lines
}

// Join reverses a wrap: hard breaks become newlines, soft breaks vanish.
func Join(lines []Line) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.Text)
		if l.HardBreak {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

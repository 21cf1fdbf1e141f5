package pdf

import (
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/font"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/MeKo-Tech/qranno/internal/textlayout"
)

// FontMeasurer measures text with the metrics of the 14 standard PDF fonts.
// Text that WinAnsiEncoding cannot represent is measured with UnicodeFont,
// the font Document sets it in. Other font names fall back to the
// approximate width.
type FontMeasurer struct{}

// Width implements textlayout.Measurer.
func (FontMeasurer) Width(text, fontName string, size float64) float64 {
	if !font.IsCoreFont(fontName) {
		return textlayout.FallbackWidth(text, size)
	}
	if uni, ok := textFont(text, fontName); ok {
		// Installed fonts carry widths in 1000 units per em.
		return font.TextWidth(text, uni, 1000) * size / 1000
	}
	// Metrics are integral per 1000 units of font size.
	return font.TextWidth(string(winAnsi(text)), fontName, 1000) * size / 1000
}

// isWinAnsi reports whether every character of s is in WinAnsiEncoding.
func isWinAnsi(s string) bool {
	for _, r := range s {
		if _, ok := charmap.Windows1252.EncodeRune(r); !ok {
			return false
		}
	}
	return true
}

// winAnsi encodes s for a simple font using WinAnsiEncoding. Characters
// outside the code page become '?'.
func winAnsi(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		b, ok := charmap.Windows1252.EncodeRune(r)
		if !ok {
			b = '?'
		}
		out = append(out, b)
	}
	return out
}

// textString encodes s as a UTF-16BE PDF text string.
func textString(s string) types.HexLiteral {
	enc := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewEncoder()
	b, err := enc.Bytes([]byte(s))
	if err != nil {
		b = winAnsi(s)
	}
	return types.NewHexLiteral(b)
}

// hexString renders b as a content stream hex string.
func hexString(b []byte) string {
	const digits = "0123456789ABCDEF"
	var sb strings.Builder
	sb.Grow(2*len(b) + 2)
	sb.WriteByte('<')
	for _, c := range b {
		sb.WriteByte(digits[c>>4])
		sb.WriteByte(digits[c&0x0f])
	}
	sb.WriteByte('>')
	return sb.String()
}

// num formats f for content streams: fixed point, at most three decimals.
func num(f float64) string {
	s := strconv.FormatFloat(f, 'f', 3, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" || s == "" {
		return "0"
	}
	return s
}

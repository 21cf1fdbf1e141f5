package testutil

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/stretchr/testify/require"
)

// QRPlacement puts a vector QR code on a generated page. X and Y locate the
// top-left corner of the symbol (quiet zone included) in top-down document
// units and Size is its side length.
type QRPlacement struct {
	Text string
	X    float64
	Y    float64
	Size float64
}

// PageSpec describes one generated page. Width and Height give the media
// box; Rotate is written as the page's /Rotate entry. Code placements are in
// the coordinates of the page as displayed, i.e. after rotation.
type PageSpec struct {
	Width  float64
	Height float64
	Rotate int
	Codes  []QRPlacement
}

// MinimalPDF returns a valid PDF with n blank pages of the given size.
func MinimalPDF(n int, width, height float64) []byte {
	specs := make([]PageSpec, n)
	for i := range specs {
		specs[i] = PageSpec{Width: width, Height: height}
	}
	data, err := BuildPDF(specs)
	if err != nil {
		// Only QR encoding can fail and blank pages have none.
		panic(err)
	}
	return data
}

// BuildPDF writes a small uncompressed PDF whose pages draw the requested QR
// codes as filled module rectangles. The cross-reference table carries exact
// byte offsets so strict readers accept the file.
func BuildPDF(pages []PageSpec) ([]byte, error) {
	var (
		buf     bytes.Buffer
		offsets []int
	)
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")

	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 3+2*i)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)))

	for i, p := range pages {
		content, err := pageContent(p)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		rotate := ""
		if p.Rotate != 0 {
			rotate = fmt.Sprintf(" /Rotate %d", p.Rotate)
		}
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %s %s]%s /Resources << >> /Contents %d 0 R >>",
			num(p.Width), num(p.Height), rotate, 4+2*i))
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes(), nil
}

// pageContent paints every dark module of every code on the page.
func pageContent(p PageSpec) (string, error) {
	var sb strings.Builder
	sb.WriteString("q 0 g\n")
	for _, c := range p.Codes {
		m, err := QRMatrix(c.Text)
		if err != nil {
			return "", err
		}
		module := c.Size / float64(len(m))
		for row, cols := range m {
			for col, dark := range cols {
				if !dark {
					continue
				}
				x, y := p.userSpace(c.X+float64(col)*module, c.Y+float64(row)*module, module)
				fmt.Fprintf(&sb, "%s %s %s %s re\n", num(x), num(y), num(module), num(module))
			}
		}
		sb.WriteString("f\n")
	}
	sb.WriteString("Q")
	return sb.String(), nil
}

// userSpace returns the lower-left user space corner of the displayed
// top-down square at (x, y) with side size. PDF user space grows upwards and
// /Rotate turns the page clockwise for display.
func (p PageSpec) userSpace(x, y, size float64) (float64, float64) {
	switch ((p.Rotate % 360) + 360) % 360 {
	case 90:
		return y, x
	case 180:
		return p.Width - x - size, y
	case 270:
		return p.Width - y - size, p.Height - x - size
	default:
		return x, p.Height - y - size
	}
}

func num(f float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", f), "0"), ".")
}

// EncryptPDF protects data with an AES user password.
func EncryptPDF(t *testing.T, data []byte, userPW string) []byte {
	t.Helper()

	conf := model.NewAESConfiguration(userPW, userPW+"-owner", 256)
	var out bytes.Buffer
	require.NoError(t, api.Encrypt(bytes.NewReader(data), &out, conf), "Failed to encrypt PDF")
	return out.Bytes()
}

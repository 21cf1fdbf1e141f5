package barcode

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	gozxing "github.com/makiuchi-d/gozxing"
	multiqr "github.com/makiuchi-d/gozxing/multi/qrcode"

	"github.com/MeKo-Tech/qranno/internal/geometry"
)

// NewBackend returns the gozxing-backed QR search.
func NewBackend() Backend { return &gozxingBackend{} }

type gozxingBackend struct{}

func (b *gozxingBackend) Decode(ctx context.Context, img image.Image, opts Options) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_POSSIBLE_FORMATS: []gozxing.BarcodeFormat{gozxing.BarcodeFormat_QR_CODE},
	}
	if opts.TryHarder {
		hints[gozxing.DecodeHintType_TRY_HARDER] = true
	}

	bitmap, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return nil, fmt.Errorf("prepare bitmap: %w", err)
	}

	reader := multiqr.NewQRCodeMultiReader()
	results, err := reader.DecodeMultiple(bitmap, hints)
	if err != nil {
		// The multiple reader only fails when it found nothing.
		return nil, nil
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		res := Result{Type: mapFormatFromZXing(r.GetBarcodeFormat()), Value: r.GetText()}
		if res.Type == FormatQR {
			if q, ok := qrQuad(img, r.GetResultPoints()); ok {
				res.Points = q[:]
			}
		}
		out = append(out, res)
	}
	return out, nil
}

func mapFormatFromZXing(bf gozxing.BarcodeFormat) Format {
	switch bf {
	case gozxing.BarcodeFormat_QR_CODE:
		return FormatQR
	case gozxing.BarcodeFormat_DATA_MATRIX:
		return FormatDataMatrix
	case gozxing.BarcodeFormat_AZTEC:
		return FormatAztec
	case gozxing.BarcodeFormat_PDF_417:
		return FormatPDF417
	default:
		return FormatUnknown
	}
}

// qrQuad rebuilds the symbol outline from the finder pattern centers that the
// QR reader reports (bottom-left, top-left, top-right, optional alignment).
// Each outer corner is found by walking from its finder center away from the
// symbol center until the finder's outer dark ring has been crossed. The
// bottom-right corner, which has no finder, completes the parallelogram.
func qrQuad(img image.Image, pts []gozxing.ResultPoint) (geometry.Quad, bool) {
	if len(pts) < 3 {
		return geometry.Quad{}, false
	}
	bl := geometry.Point{X: pts[0].GetX(), Y: pts[0].GetY()}
	tl := geometry.Point{X: pts[1].GetX(), Y: pts[1].GetY()}
	tr := geometry.Point{X: pts[2].GetX(), Y: pts[2].GetY()}

	center := geometry.Point{X: (tr.X + bl.X) / 2, Y: (tr.Y + bl.Y) / 2}
	tl = finderCorner(img, tl, center)
	tr = finderCorner(img, tr, center)
	bl = finderCorner(img, bl, center)
	br := geometry.Point{X: tr.X + bl.X - tl.X, Y: tr.Y + bl.Y - tl.Y}

	q := geometry.Quad{tl, tr, br, bl}
	return q, q.Finite()
}

// finderCorner walks from a finder center away from the symbol center and
// returns the point where the third dark/light transition occurs: the end of
// the dark core, the light ring and the dark outer ring. If the walk leaves
// the image or exceeds the distance to the center, the finder center itself
// is returned.
func finderCorner(img image.Image, finder, center geometry.Point) geometry.Point {
	dx, dy := finder.X-center.X, finder.Y-center.Y
	dist := math.Hypot(dx, dy)
	if dist == 0 {
		return finder
	}
	ux, uy := dx/dist, dy/dist

	const step = 0.5
	bounds := img.Bounds()
	prev := isDark(img, finder)
	transitions := 0
	for d := step; d <= dist; d += step {
		p := geometry.Point{X: finder.X + ux*d, Y: finder.Y + uy*d}
		if !image.Pt(int(p.X), int(p.Y)).In(bounds) {
			break
		}
		dark := isDark(img, p)
		if dark != prev {
			transitions++
			prev = dark
			if transitions == 3 {
				return p
			}
		}
	}
	return finder
}

func isDark(img image.Image, p geometry.Point) bool {
	g := color.GrayModel.Convert(img.At(int(p.X), int(p.Y))).(color.Gray)
	return g.Y < 128
}

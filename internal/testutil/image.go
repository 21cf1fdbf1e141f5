package testutil

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	gozxing "github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// QuietZone is the number of light modules around generated symbols.
const QuietZone = 4

// QRMatrix encodes text and returns its modules, quiet zone included, indexed
// [row][column]; true means dark.
func QRMatrix(text string) ([][]bool, error) {
	bm, err := qrcode.NewQRCodeWriter().Encode(text, gozxing.BarcodeFormat_QR_CODE, 1, 1, nil)
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w", text, err)
	}
	w, h := bm.GetWidth(), bm.GetHeight()
	m := make([][]bool, h)
	for y := range m {
		m[y] = make([]bool, w)
		for x := range m[y] {
			m[y][x] = bm.Get(x, y)
		}
	}
	return m, nil
}

// QRImage renders text as a grayscale QR symbol with modulePx pixels per module.
func QRImage(text string, modulePx int) (*image.Gray, error) {
	m, err := QRMatrix(text)
	if err != nil {
		return nil, err
	}
	n := len(m) * modulePx
	img := image.NewGray(image.Rect(0, 0, n, n))
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			v := uint8(255)
			if m[y/modulePx][x/modulePx] {
				v = 0
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img, nil
}

// ImagePlacement positions a QR symbol on a generated page image.
type ImagePlacement struct {
	Text     string
	At       image.Point
	ModulePx int
}

// PageImageWithQR returns a white w x h image with the requested symbols.
func PageImageWithQR(w, h int, codes ...ImagePlacement) (image.Image, error) {
	page := imaging.New(w, h, color.White)
	for _, c := range codes {
		qr, err := QRImage(c.Text, c.ModulePx)
		if err != nil {
			return nil, err
		}
		page = imaging.Paste(page, qr, c.At)
	}
	return page, nil
}

// BlankImage returns a uniform image.
func BlankImage(w, h int, c color.Color) image.Image {
	return imaging.New(w, h, c)
}

package barcode

import (
	"context"
	"image"

	"github.com/MeKo-Tech/qranno/internal/geometry"
)

// Format represents a barcode symbology.
type Format int

const (
	FormatUnknown Format = iota
	FormatQR
	FormatDataMatrix
	FormatAztec
	FormatPDF417
)

func (f Format) String() string {
	switch f {
	case FormatQR:
		return "qr"
	case FormatDataMatrix:
		return "datamatrix"
	case FormatAztec:
		return "aztec"
	case FormatPDF417:
		return "pdf417"
	default:
		return "unknown"
	}
}

// Options controls backend decoding behavior.
type Options struct {
	// TryHarder enables more exhaustive search (slower but more robust).
	TryHarder bool

	// UpscaleRetry decodes a 2x Lanczos-upscaled copy when the first pass
	// finds nothing.
	UpscaleRetry bool

	// MaxUpscaleDim caps the longer side of the upscaled image in pixels.
	MaxUpscaleDim int
}

// DefaultOptions returns the options used by the CLI and server.
func DefaultOptions() Options {
	return Options{TryHarder: true, UpscaleRetry: true, MaxUpscaleDim: 4000}
}

// Result is a raw backend result. Points are in image coordinates and, when
// present, ordered top-left, top-right, bottom-right, bottom-left.
type Result struct {
	Type   Format
	Value  string
	Points []geometry.Point
}

// Backend is a pluggable barcode search implementation.
type Backend interface {
	Decode(ctx context.Context, img image.Image, opts Options) ([]Result, error)
}

// Detection is one decoded QR code on one page.
type Detection struct {
	Text string        `json:"text" yaml:"text"`
	Quad geometry.Quad `json:"quad" yaml:"quad"`
}

// Decoder turns a page image into QR detections in rendered-pixel space.
type Decoder interface {
	Decode(ctx context.Context, img image.Image) ([]Detection, error)
}

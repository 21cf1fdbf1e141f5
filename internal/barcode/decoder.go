package barcode

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/disintegration/imaging"

	"github.com/MeKo-Tech/qranno/internal/geometry"
)

const upscaleFactor = 2

// QRDecoder filters backend results down to QR detections with a usable quad.
type QRDecoder struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
}

// NewQRDecoder wraps backend. A nil backend selects the gozxing backend.
func NewQRDecoder(backend Backend, opts Options) *QRDecoder {
	if backend == nil {
		backend = NewBackend()
	}
	return &QRDecoder{backend: backend, opts: opts, logger: slog.Default()}
}

// WithLogger sets the logger used for skipped results.
func (d *QRDecoder) WithLogger(l *slog.Logger) *QRDecoder {
	if l != nil {
		d.logger = l
	}
	return d
}

// Decode implements Decoder.
func (d *QRDecoder) Decode(ctx context.Context, img image.Image) ([]Detection, error) {
	if img == nil {
		return nil, fmt.Errorf("decode: nil image")
	}
	rs, err := d.backend.Decode(ctx, img, d.opts)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	dets := d.filter(rs, 1)
	if len(dets) > 0 || !d.opts.UpscaleRetry {
		return dets, nil
	}

	b := img.Bounds()
	longest := max(b.Dx(), b.Dy())
	if longest == 0 || (d.opts.MaxUpscaleDim > 0 && longest*upscaleFactor > d.opts.MaxUpscaleDim) {
		return dets, nil
	}
	up := imaging.Resize(img, b.Dx()*upscaleFactor, b.Dy()*upscaleFactor, imaging.Lanczos)
	rs, err = d.backend.Decode(ctx, up, d.opts)
	if err != nil {
		return nil, fmt.Errorf("decode upscaled: %w", err)
	}
	dets = d.filter(rs, upscaleFactor)
	if len(dets) > 0 {
		d.logger.Debug("QR found after upscale", "count", len(dets), "factor", upscaleFactor)
	}
	return dets, nil
}

// filter keeps QR results with four finite points, dividing them by factor
// to return to the caller's pixel space.
func (d *QRDecoder) filter(rs []Result, factor float64) []Detection {
	out := make([]Detection, 0, len(rs))
	for _, r := range rs {
		if r.Type != FormatQR {
			d.logger.Debug("Skipping non-QR result", "format", r.Type.String())
			continue
		}
		if len(r.Points) < 4 {
			d.logger.Debug("Skipping QR result without position", "points", len(r.Points))
			continue
		}
		var q geometry.Quad
		for i := range q {
			q[i] = r.Points[i].Div(factor)
		}
		if !q.Finite() {
			d.logger.Debug("Skipping QR result with non-finite position")
			continue
		}
		out = append(out, Detection{Text: r.Value, Quad: q})
	}
	return out
}

// Package preview writes PNG debug images of processed pages with the
// planned call-outs drawn over the rasterized page.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/MeKo-Tech/qranno/internal/geometry"
	"github.com/MeKo-Tech/qranno/internal/layout"
	"github.com/MeKo-Tech/qranno/internal/pipeline"
	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	highlightColor = color.NRGBA{R: 0, G: 255, B: 255, A: 255}
	borderColor    = color.NRGBA{R: 255, G: 0, B: 0, A: 255}
	labelTextColor = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

// Render draws plans over img. Plans are in document units and img was
// rendered at scale, so every coordinate is multiplied by scale.
func Render(img image.Image, plans []layout.Plan, scale float64) *image.NRGBA {
	dst := imaging.Clone(img)
	for _, p := range plans {
		env := toPixels(p.Envelope, scale)
		if env.Empty() {
			continue
		}
		fill := imaging.New(env.Dx(), env.Dy(), highlightColor)
		dst = imaging.Overlay(dst, fill, env.Min, layout.FillOpacity)

		thickness := int(math.Max(1, math.Round(layout.BorderWidth*scale)))
		strokeRect(dst, env, borderColor, thickness)

		label := toPixels(p.Label, scale)
		draw.Draw(dst, label, image.NewUniform(borderColor), image.Point{}, draw.Src)
		drawCentered(dst, label, p.LabelText)
	}
	return dst
}

func toPixels(r geometry.Rect, scale float64) image.Rectangle {
	return image.Rect(
		int(math.Round(r.X0*scale)), int(math.Round(r.Y0*scale)),
		int(math.Round(r.X1*scale)), int(math.Round(r.Y1*scale)),
	)
}

func strokeRect(dst draw.Image, r image.Rectangle, c color.Color, t int) {
	src := image.NewUniform(c)
	for _, edge := range []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	} {
		draw.Draw(dst, edge.Intersect(r), src, image.Point{}, draw.Src)
	}
}

// drawCentered writes text in the bitmap face, centered in r.
func drawCentered(dst draw.Image, r image.Rectangle, text string) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelTextColor),
		Face: basicfont.Face7x13,
	}
	w := d.MeasureString(text).Ceil()
	m := basicfont.Face7x13.Metrics()
	h := (m.Ascent + m.Descent).Ceil()
	x := r.Min.X + (r.Dx()-w)/2
	y := r.Min.Y + (r.Dy()-h)/2 + m.Ascent.Ceil()
	d.Dot = fixed.P(x, y)
	d.DrawString(text)
}

// Writer saves one preview per processed page into Dir. Call-outs are
// numbered the way the exporter numbers them, so a Writer must observe the
// pages of exactly one run in processing order.
type Writer struct {
	Dir     string
	Planner *layout.Planner
	Logger  *slog.Logger

	mu      sync.Mutex
	next    int
	written []string
}

// NewWriter returns a writer saving into dir.
func NewWriter(dir string, planner *layout.Planner) *Writer {
	if planner == nil {
		planner = layout.NewPlanner(nil)
	}
	return &Writer{Dir: dir, Planner: planner, Logger: slog.Default()}
}

// Hook adapts the writer to a worker page hook. Write errors are logged.
func (w *Writer) Hook() pipeline.PageHook {
	return func(res pipeline.PageResult, img image.Image) {
		if _, err := w.Write(res, img); err != nil {
			w.Logger.Warn("Failed to write preview", "page", res.PageIndex+1, "error", err)
		}
	}
}

// Write renders and saves the preview of one page and returns its path.
func (w *Writer) Write(res pipeline.PageResult, img image.Image) (string, error) {
	if img == nil {
		return "", fmt.Errorf("page %d: nil image", res.PageIndex+1)
	}
	plans := w.plan(res, img.Bounds())

	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create preview dir: %w", err)
	}
	path := filepath.Join(w.Dir, fmt.Sprintf("page-%03d.png", res.PageIndex+1))
	if err := imaging.Save(Render(img, plans, res.Scale), path); err != nil {
		return "", fmt.Errorf("save preview: %w", err)
	}

	w.mu.Lock()
	w.written = append(w.written, path)
	w.mu.Unlock()
	w.Logger.Debug("Wrote preview", "path", path, "callouts", len(plans))
	return path, nil
}

// plan consumes one index per detection, including the ones that cannot be
// drawn.
func (w *Writer) plan(res pipeline.PageResult, bounds image.Rectangle) []layout.Plan {
	page := geometry.NewRect(0, 0, float64(bounds.Dx())/res.Scale, float64(bounds.Dy())/res.Scale)

	w.mu.Lock()
	defer w.mu.Unlock()
	plans := make([]layout.Plan, 0, len(res.Detections))
	for _, det := range res.Detections {
		w.next++
		p, err := w.Planner.Plan(det, res.Scale, w.next, page)
		if err != nil {
			continue
		}
		plans = append(plans, p)
	}
	return plans
}

// Written returns the paths saved so far.
func (w *Writer) Written() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.written...)
}

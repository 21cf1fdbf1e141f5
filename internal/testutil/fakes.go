package testutil

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/MeKo-Tech/qranno/internal/barcode"
	"github.com/MeKo-Tech/qranno/internal/export"
	"github.com/MeKo-Tech/qranno/internal/geometry"
	"github.com/MeKo-Tech/qranno/internal/render"
)

// PageImage is the image returned by FakeSource. It remembers which page it
// was rendered from so FakeDecoder can answer per page.
type PageImage struct {
	image.Image
	Page  int
	Scale float64
}

// FakeSource is an in-memory render.Source.
type FakeSource struct {
	Pages  int
	Width  float64
	Height float64
	// BeforeRender, when set, runs at the start of every Render call.
	BeforeRender func(page int)
	// RenderErr fails Render for the given page.
	RenderErr map[int]error

	mu       sync.Mutex
	rendered []int
	closed   int
}

// NewFakeSource returns a source of n A4 pages.
func NewFakeSource(n int) *FakeSource {
	return &FakeSource{Pages: n, Width: 595, Height: 842}
}

func (s *FakeSource) PageCount() int { return s.Pages }

func (s *FakeSource) PageSize(page int) (geometry.Rect, error) {
	if page < 0 || page >= s.Pages {
		return geometry.Rect{}, fmt.Errorf("page %d out of range", page)
	}
	return geometry.NewRect(0, 0, s.Width, s.Height), nil
}

func (s *FakeSource) Render(page int, scale float64) (image.Image, error) {
	if s.BeforeRender != nil {
		s.BeforeRender(page)
	}
	if err := s.RenderErr[page]; err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.rendered = append(s.rendered, page)
	s.mu.Unlock()
	return PageImage{Image: image.NewGray(image.Rect(0, 0, 4, 4)), Page: page, Scale: scale}, nil
}

func (s *FakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// Rendered returns the pages rendered so far, in call order.
func (s *FakeSource) Rendered() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.rendered...)
}

// Closed reports how many times Close was called.
func (s *FakeSource) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FakeOpener hands out a fixed source or error regardless of path.
type FakeOpener struct {
	Source *FakeSource
	Err    error

	mu     sync.Mutex
	opened []string
}

func (o *FakeOpener) Open(path string) (render.Source, error) {
	o.mu.Lock()
	o.opened = append(o.opened, path)
	o.mu.Unlock()
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Source, nil
}

// Opened returns the paths passed to Open.
func (o *FakeOpener) Opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}

// FakeDecoder returns canned detections per page. Images that are not
// PageImage values yield no detections.
type FakeDecoder struct {
	Detections map[int][]barcode.Detection
	Errs       map[int]error
	// AfterDecode, when set, runs after each call with the 1-based call
	// number and the page decoded.
	AfterDecode func(call, page int)

	mu    sync.Mutex
	calls int
}

func (d *FakeDecoder) Decode(_ context.Context, img image.Image) ([]barcode.Detection, error) {
	pi, ok := img.(PageImage)
	if !ok {
		return nil, nil
	}
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.mu.Unlock()

	if d.AfterDecode != nil {
		defer d.AfterDecode(call, pi.Page)
	}
	if err := d.Errs[pi.Page]; err != nil {
		return nil, err
	}
	// Quads are given in document units; scale them into pixel space.
	dets := d.Detections[pi.Page]
	out := make([]barcode.Detection, len(dets))
	for i, det := range dets {
		out[i] = det
		for j := range det.Quad {
			out[i].Quad[j] = geometry.Point{X: det.Quad[j].X * pi.Scale, Y: det.Quad[j].Y * pi.Scale}
		}
	}
	return out, nil
}

// Calls reports how many pages were decoded.
func (d *FakeDecoder) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Square returns a detection whose quad is an axis-aligned square in
// document units.
func Square(text string, x, y, side float64) barcode.Detection {
	return barcode.Detection{Text: text, Quad: geometry.NewRect(x, y, side, side).Corners()}
}

// DocCall records one FakeDocument mutation.
type DocCall struct {
	Op    string
	Page  int
	Rect  geometry.Rect
	Point geometry.Point
	Text  string
	Size  float64
	Color export.Color
}

// ErrInjected is returned by FakeDocument for operations listed in FailOn.
var ErrInjected = errors.New("injected failure")

// FakeDocument is an export.Document that records every call.
type FakeDocument struct {
	Sizes  [][2]float64
	FailOn map[string]bool

	mu    sync.Mutex
	Calls []DocCall
}

// NewFakeDocument returns a document of n pages of w x h.
func NewFakeDocument(n int, w, h float64) *FakeDocument {
	d := &FakeDocument{FailOn: map[string]bool{}}
	for i := 0; i < n; i++ {
		d.Sizes = append(d.Sizes, [2]float64{w, h})
	}
	return d
}

func (d *FakeDocument) record(c DocCall) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailOn[c.Op] {
		return fmt.Errorf("%s: %w", c.Op, ErrInjected)
	}
	if c.Op != "append" && c.Op != "bytes" && (c.Page < 0 || c.Page >= len(d.Sizes)) {
		return fmt.Errorf("%s: page %d out of range", c.Op, c.Page)
	}
	d.Calls = append(d.Calls, c)
	return nil
}

func (d *FakeDocument) PageCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Sizes)
}

func (d *FakeDocument) PageSize(page int) (float64, float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if page < 0 || page >= len(d.Sizes) {
		return 0, 0, fmt.Errorf("page %d out of range", page)
	}
	return d.Sizes[page][0], d.Sizes[page][1], nil
}

func (d *FakeDocument) AddHighlight(page int, r geometry.Rect, fill export.Color, opacity float64) error {
	return d.record(DocCall{Op: "highlight", Page: page, Rect: r, Color: fill, Size: opacity})
}

func (d *FakeDocument) AddBorder(page int, r geometry.Rect, stroke export.Color, width float64) error {
	return d.record(DocCall{Op: "border", Page: page, Rect: r, Color: stroke, Size: width})
}

func (d *FakeDocument) AddComment(page int, at geometry.Point, text string) error {
	return d.record(DocCall{Op: "comment", Page: page, Point: at, Text: text})
}

func (d *FakeDocument) AddLabel(page int, r geometry.Rect, text string, fontSize float64) error {
	return d.record(DocCall{Op: "label", Page: page, Rect: r, Text: text, Size: fontSize})
}

func (d *FakeDocument) AddLink(page int, r geometry.Rect, uri string) error {
	return d.record(DocCall{Op: "link", Page: page, Rect: r, Text: uri})
}

func (d *FakeDocument) AppendPage(w, h float64) (int, error) {
	if err := d.record(DocCall{Op: "append", Rect: geometry.NewRect(0, 0, w, h)}); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Sizes = append(d.Sizes, [2]float64{w, h})
	return len(d.Sizes) - 1, nil
}

func (d *FakeDocument) DrawText(page int, at geometry.Point, text, _ string, size float64) error {
	return d.record(DocCall{Op: "text", Page: page, Point: at, Text: text, Size: size})
}

func (d *FakeDocument) DrawRule(page int, from, to geometry.Point, width float64) error {
	return d.record(DocCall{Op: "rule", Page: page, Rect: geometry.Rect{X0: from.X, Y0: from.Y, X1: to.X, Y1: to.Y}, Size: width})
}

func (d *FakeDocument) Bytes() ([]byte, error) {
	if err := d.record(DocCall{Op: "bytes"}); err != nil {
		return nil, err
	}
	return []byte("%PDF-fake"), nil
}

// Ops returns the recorded operations with the given name.
func (d *FakeDocument) Ops(op string) []DocCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []DocCall
	for _, c := range d.Calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// FakeDocumentOpener returns an export.Opener yielding doc.
func FakeDocumentOpener(doc *FakeDocument) export.Opener {
	return export.OpenerFunc(func([]byte) (export.Document, error) { return doc, nil })
}

// Package render rasterizes PDF pages.
package render

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/gen2brain/go-fitz"

	"github.com/MeKo-Tech/qranno/internal/geometry"
)

// PointsPerInch relates document units to rendering DPI.
const PointsPerInch = 72.0

// ErrPasswordRequired is returned when the document is password protected.
var ErrPasswordRequired = errors.New("document is password protected")

// Source is an open document that can rasterize its pages. Page indices are
// 0-based.
type Source interface {
	PageCount() int
	PageSize(page int) (geometry.Rect, error)
	// Render rasterizes page so that one document unit becomes scale pixels.
	Render(page int, scale float64) (image.Image, error)
	Close() error
}

// Opener opens a document for rendering.
type Opener interface {
	Open(path string) (Source, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(path string) (Source, error)

// Open implements Opener.
func (f OpenerFunc) Open(path string) (Source, error) { return f(path) }

// NewOpener returns the MuPDF-backed opener.
func NewOpener() Opener { return OpenerFunc(OpenFile) }

type fitzSource struct {
	mu    sync.Mutex
	doc   *fitz.Document
	pages int
}

// OpenFile opens path with MuPDF.
func OpenFile(path string) (Source, error) {
	doc, err := fitz.New(path)
	if err != nil {
		if errors.Is(err, fitz.ErrNeedsPassword) {
			return nil, fmt.Errorf("open %s: %w", path, ErrPasswordRequired)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &fitzSource{doc: doc, pages: doc.NumPage()}, nil
}

func (s *fitzSource) PageCount() int { return s.pages }

func (s *fitzSource) PageSize(page int) (geometry.Rect, error) {
	if err := s.check(page); err != nil {
		return geometry.Rect{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.doc.Bound(page)
	if err != nil {
		return geometry.Rect{}, fmt.Errorf("page %d bounds: %w", page+1, err)
	}
	return geometry.NewRect(0, 0, float64(b.Dx()), float64(b.Dy())), nil
}

func (s *fitzSource) Render(page int, scale float64) (image.Image, error) {
	if err := s.check(page); err != nil {
		return nil, err
	}
	if scale <= 0 {
		return nil, fmt.Errorf("render page %d: invalid scale %v", page+1, scale)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	img, err := s.doc.ImageDPI(page, scale*PointsPerInch)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", page+1, err)
	}
	return img, nil
}

func (s *fitzSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil
	}
	err := s.doc.Close()
	s.doc = nil
	return err
}

func (s *fitzSource) check(page int) error {
	if s.doc == nil {
		return errors.New("document closed")
	}
	if page < 0 || page >= s.pages {
		return fmt.Errorf("page index %d out of range [0,%d)", page, s.pages)
	}
	return nil
}

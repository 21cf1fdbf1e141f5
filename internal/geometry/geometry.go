// Package geometry converts detection corner points from rendered-pixel space
// into document-point space and derives the square envelope used for call-outs.
//
// All coordinates use a top-left origin with y growing downwards, matching the
// rasterized page image. Conversion to PDF user space happens in the backend.
package geometry

import "math"

// Point is a 2D point with floating-point coordinates.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Div returns the point with both coordinates divided by factor.
func (p Point) Div(factor float64) Point {
	return Point{X: p.X / factor, Y: p.Y / factor}
}

// Finite reports whether both coordinates are finite numbers.
func (p Point) Finite() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) && !math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

// Quad holds four corner points ordered top-left, top-right, bottom-right, bottom-left.
type Quad [4]Point

// Finite reports whether every corner is finite.
func (q Quad) Finite() bool {
	for _, p := range q {
		if !p.Finite() {
			return false
		}
	}
	return true
}

// Bounds returns the axis-aligned bounding rectangle of the quad.
func (q Quad) Bounds() Rect {
	r := Rect{X0: q[0].X, Y0: q[0].Y, X1: q[0].X, Y1: q[0].Y}
	for _, p := range q[1:] {
		r.X0 = math.Min(r.X0, p.X)
		r.Y0 = math.Min(r.Y0, p.Y)
		r.X1 = math.Max(r.X1, p.X)
		r.Y1 = math.Max(r.Y1, p.Y)
	}
	return r
}

// Rect is an axis-aligned rectangle given by its top-left (X0, Y0) and
// bottom-right (X1, Y1) corners.
type Rect struct {
	X0 float64 `json:"x0" yaml:"x0"`
	Y0 float64 `json:"y0" yaml:"y0"`
	X1 float64 `json:"x1" yaml:"x1"`
	Y1 float64 `json:"y1" yaml:"y1"`
}

// NewRect builds a rectangle from origin and size.
func NewRect(x, y, w, h float64) Rect {
	return Rect{X0: x, Y0: y, X1: x + w, Y1: y + h}
}

func (r Rect) Width() float64  { return r.X1 - r.X0 }
func (r Rect) Height() float64 { return r.Y1 - r.Y0 }

// Center returns the midpoint of the rectangle.
func (r Rect) Center() Point {
	return Point{X: (r.X0 + r.X1) / 2, Y: (r.Y0 + r.Y1) / 2}
}

// Corners returns the rectangle as a quad (TL, TR, BR, BL).
func (r Rect) Corners() Quad {
	return Quad{
		{X: r.X0, Y: r.Y0},
		{X: r.X1, Y: r.Y0},
		{X: r.X1, Y: r.Y1},
		{X: r.X0, Y: r.Y1},
	}
}

// Inset shrinks the rectangle by d on every side. A negative d grows it.
func (r Rect) Inset(d float64) Rect {
	return Rect{X0: r.X0 + d, Y0: r.Y0 + d, X1: r.X1 - d, Y1: r.Y1 - d}
}

// Valid reports whether both sides are strictly larger than minSide.
func (r Rect) Valid(minSide float64) bool {
	return r.Width() > minSide && r.Height() > minSide
}

// Finite reports whether all four coordinates are finite.
func (r Rect) Finite() bool {
	return Point{X: r.X0, Y: r.Y0}.Finite() && Point{X: r.X1, Y: r.Y1}.Finite()
}

// Clamp moves p to the nearest point inside r.
func (r Rect) Clamp(p Point) Point {
	return Point{
		X: math.Min(math.Max(p.X, r.X0), r.X1),
		Y: math.Min(math.Max(p.Y, r.Y0), r.Y1),
	}
}

// SquareEnvelope converts q from pixel space to document space by dividing by
// scale, takes its bounding box, re-centers it into a square whose side is the
// larger of the box dimensions and expands the square by margin on all sides.
//
// Degenerate quads produce a square of side 2*margin; callers decide validity
// with Rect.Valid.
func SquareEnvelope(q Quad, scale, margin float64) Rect {
	var doc Quad
	for i, p := range q {
		doc[i] = p.Div(scale)
	}
	box := doc.Bounds()
	side := math.Max(box.Width(), box.Height())
	c := box.Center()
	half := side/2 + margin
	return Rect{X0: c.X - half, Y0: c.Y - half, X1: c.X + half, Y1: c.Y + half}
}

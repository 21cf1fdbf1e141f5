// Package layout plans the call-out drawn around one detected QR code: the
// highlighted envelope, its numbered label, the comment anchor and the link
// regions that cover the envelope without covering the label.
package layout

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/qranno/internal/barcode"
	"github.com/MeKo-Tech/qranno/internal/geometry"
	"github.com/MeKo-Tech/qranno/internal/textlayout"
)

// Placement constants, in document units.
const (
	Margin       = 4.0
	FillOpacity  = 0.30
	BorderWidth  = 1.5
	IconSize     = 20.0
	IconGap      = 6.0
	AnchorInset  = 2.0
	MinLabelSide = 12.0
	MinLinkSide  = 1.0

	labelUnitDivisor = 4.0
	labelFontRatio   = 0.55
	minLabelFont     = 8.0
	maxLabelFont     = 13.0
	labelPadRatio    = 0.35
	minLabelPad      = 2.0
)

// DefaultFont is the base-14 font used for labels.
const DefaultFont = "Helvetica"

// ErrDegenerate is returned for detections whose envelope cannot be drawn.
var ErrDegenerate = errors.New("degenerate envelope")

// Plan is the complete set of primitives for one call-out.
type Plan struct {
	GlobalIndex   int
	Envelope      geometry.Rect
	Label         geometry.Rect
	LabelText     string
	LabelFontSize float64
	CommentAnchor geometry.Point
	Comment       string
	// Links holds zero to two regions; URI is set whenever Links is non-empty.
	Links []geometry.Rect
	URI   string
}

// Planner computes plans. The zero value measures with the fallback metric
// and the default font.
type Planner struct {
	Measurer textlayout.Measurer
	Font     string
}

// NewPlanner returns a planner measuring label text with m.
func NewPlanner(m textlayout.Measurer) *Planner {
	return &Planner{Measurer: m, Font: DefaultFont}
}

func (p *Planner) font() string {
	if p.Font == "" {
		return DefaultFont
	}
	return p.Font
}

// Plan lays out the call-out for det, rendered at scale, numbered index, on a
// page occupying page in document space.
func (p *Planner) Plan(det barcode.Detection, scale float64, index int, page geometry.Rect) (Plan, error) {
	if !det.Quad.Finite() || scale <= 0 || math.IsInf(scale, 0) || math.IsNaN(scale) {
		return Plan{}, fmt.Errorf("call-out #%d: %w", index, ErrDegenerate)
	}
	env := geometry.SquareEnvelope(det.Quad, scale, Margin)
	if !env.Finite() || !env.Valid(0) {
		return Plan{}, fmt.Errorf("call-out #%d: %w", index, ErrDegenerate)
	}

	plan := Plan{
		GlobalIndex: index,
		Envelope:    env,
		LabelText:   "#" + strconv.Itoa(index),
		Comment:     fmt.Sprintf("[#%d] %s", index, det.Text),
	}

	anchor := geometry.Point{X: env.X0 - (IconSize + IconGap), Y: env.Y0 - (IconSize + IconGap)}
	plan.CommentAnchor = page.Inset(AnchorInset).Clamp(anchor)

	plan.Label, plan.LabelFontSize = p.label(env, plan.LabelText)

	if IsLink(det.Text) {
		plan.URI = det.Text
		plan.Links = LinkRegions(env, plan.Label)
	}
	return plan, nil
}

// label sizes the numbered box anchored at the envelope's bottom-left corner.
func (p *Planner) label(env geometry.Rect, text string) (geometry.Rect, float64) {
	unit := math.Max(MinLabelSide, math.Min(env.Width(), env.Height())/labelUnitDivisor)
	size := math.Min(math.Max(unit*labelFontRatio, minLabelFont), maxLabelFont)
	pad := math.Max(minLabelPad, size*labelPadRatio)
	width := math.Max(unit, textlayout.Measure(p.Measurer, text, p.font(), size)+2*pad)

	return geometry.Rect{X0: env.X0, Y0: env.Y1 - unit, X1: env.X0 + width, Y1: env.Y1}, size
}

// LinkRegions splits env into a top band above the label and a right band
// beside it, dropping bands whose width or height is not above MinLinkSide.
func LinkRegions(env, label geometry.Rect) []geometry.Rect {
	candidates := []geometry.Rect{
		{X0: env.X0, Y0: env.Y0, X1: env.X1, Y1: label.Y0},
		{X0: label.X1, Y0: label.Y0, X1: env.X1, Y1: label.Y1},
	}
	links := make([]geometry.Rect, 0, len(candidates))
	for _, c := range candidates {
		if c.Valid(MinLinkSide) {
			links = append(links, c)
		}
	}
	return links
}

// IsLink reports whether text starts with http:// or https://, ignoring case.
func IsLink(text string) bool {
	lower := strings.ToLower(text)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

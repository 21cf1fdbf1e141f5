// Package export turns accumulated detections into an annotated document.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/MeKo-Tech/qranno/internal/barcode"
	"github.com/MeKo-Tech/qranno/internal/geometry"
	"github.com/MeKo-Tech/qranno/internal/layout"
	"github.com/MeKo-Tech/qranno/internal/summary"
)

// ErrExport marks failures raised while emitting annotations or serializing.
var ErrExport = errors.New("export failed")

// Color is an RGB color with components in [0, 1].
type Color struct{ R, G, B float64 }

var (
	Cyan  = Color{0, 1, 1}
	Red   = Color{1, 0, 0}
	White = Color{1, 1, 1}
)

// Document is the PDF mutation capability. Page indices are 0-based and all
// geometry is in top-down document units relative to the page's visible box.
type Document interface {
	PageCount() int
	PageSize(page int) (width, height float64, err error)
	AddHighlight(page int, r geometry.Rect, fill Color, opacity float64) error
	AddBorder(page int, r geometry.Rect, stroke Color, width float64) error
	AddComment(page int, at geometry.Point, text string) error
	AddLabel(page int, r geometry.Rect, text string, fontSize float64) error
	AddLink(page int, r geometry.Rect, uri string) error
	// AppendPage adds a blank page and returns its index.
	AppendPage(width, height float64) (int, error)
	// DrawText draws text with its baseline starting at at.
	DrawText(page int, at geometry.Point, text, font string, size float64) error
	DrawRule(page int, from, to geometry.Point, width float64) error
	Bytes() ([]byte, error)
}

// Opener opens document bytes for mutation.
type Opener interface {
	Open(data []byte) (Document, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(data []byte) (Document, error)

// Open implements Opener.
func (f OpenerFunc) Open(data []byte) (Document, error) { return f(data) }

// Page holds the detections found on one page and the scale it was rendered at.
type Page struct {
	Index      int
	Scale      float64
	Detections []barcode.Detection
}

// Callout records what was drawn for one detection.
type Callout struct {
	Page    int         `json:"page" yaml:"page"`
	Text    string      `json:"text" yaml:"text"`
	Plan    layout.Plan `json:"-" yaml:"-"`
	Skipped bool        `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

// Result is the output of a successful export.
type Result struct {
	Bytes        []byte
	Entries      []summary.Entry
	Callouts     []Callout
	SummaryPages int
}

// Exporter sequences the layout planner and summary paginator over a run's
// results.
type Exporter struct {
	Planner   *layout.Planner
	Paginator *summary.Paginator
	// Summary appends the summary pages when at least one code was found.
	Summary bool
	Logger  *slog.Logger
}

// NewExporter returns an exporter with summary pages enabled.
func NewExporter(planner *layout.Planner, paginator *summary.Paginator) *Exporter {
	return &Exporter{Planner: planner, Paginator: paginator, Summary: true, Logger: slog.Default()}
}

func (e *Exporter) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Export annotates doc with call-outs for pages and returns the serialized
// document. Call-outs are numbered from 1 in ascending page order, then in
// detection order. Any backend failure aborts the export with ErrExport.
func (e *Exporter) Export(ctx context.Context, doc Document, pages []Page) (*Result, error) {
	ordered := make([]Page, len(pages))
	copy(ordered, pages)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	planner := e.Planner
	if planner == nil {
		planner = layout.NewPlanner(nil)
	}

	res := &Result{}
	index := 0
	for _, pg := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(pg.Detections) == 0 {
			continue
		}
		w, h, err := doc.PageSize(pg.Index)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d size: %w", ErrExport, pg.Index+1, err)
		}
		bounds := geometry.NewRect(0, 0, w, h)

		for _, det := range pg.Detections {
			index++
			res.Entries = append(res.Entries, summary.Entry{Index: index, Text: det.Text})
			callout := Callout{Page: pg.Index, Text: det.Text}

			plan, err := planner.Plan(det, pg.Scale, index, bounds)
			if err != nil {
				e.logger().Warn("Skipping call-out", "page", pg.Index+1, "index", index, "error", err)
				callout.Skipped = true
				res.Callouts = append(res.Callouts, callout)
				continue
			}
			callout.Plan = plan
			if err := emit(doc, pg.Index, plan); err != nil {
				return nil, fmt.Errorf("%w: page %d call-out #%d: %w", ErrExport, pg.Index+1, index, err)
			}
			res.Callouts = append(res.Callouts, callout)
		}
	}

	if e.Summary && len(res.Entries) > 0 {
		n, err := e.appendSummary(doc, res.Entries)
		if err != nil {
			return nil, fmt.Errorf("%w: summary: %w", ErrExport, err)
		}
		res.SummaryPages = n
	}

	data, err := doc.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: serialize: %w", ErrExport, err)
	}
	res.Bytes = data
	return res, nil
}

// emit draws one planned call-out.
func emit(doc Document, page int, plan layout.Plan) error {
	if err := doc.AddHighlight(page, plan.Envelope, Cyan, layout.FillOpacity); err != nil {
		return fmt.Errorf("highlight: %w", err)
	}
	if err := doc.AddBorder(page, plan.Envelope, Red, layout.BorderWidth); err != nil {
		return fmt.Errorf("border: %w", err)
	}
	if err := doc.AddComment(page, plan.CommentAnchor, plan.Comment); err != nil {
		return fmt.Errorf("comment: %w", err)
	}
	if err := doc.AddLabel(page, plan.Label, plan.LabelText, plan.LabelFontSize); err != nil {
		return fmt.Errorf("label: %w", err)
	}
	for _, r := range plan.Links {
		if err := doc.AddLink(page, r, plan.URI); err != nil {
			return fmt.Errorf("link: %w", err)
		}
	}
	return nil
}

// appendSummary writes the paginated summary after the last page and returns
// the number of pages added. Pages replicate the first page's size.
func (e *Exporter) appendSummary(doc Document, entries []summary.Entry) (int, error) {
	var w, h float64
	if doc.PageCount() > 0 {
		var err error
		if w, h, err = doc.PageSize(0); err != nil {
			return 0, err
		}
	}
	paginator := e.Paginator
	if paginator == nil {
		paginator = summary.NewPaginator(nil, "")
	}

	pages := paginator.Paginate(entries, w, h)
	for _, sp := range pages {
		idx, err := doc.AppendPage(sp.Width, sp.Height)
		if err != nil {
			return 0, err
		}
		for _, l := range []summary.TextLine{sp.Title, sp.Header} {
			if err := doc.DrawText(idx, l.At, l.Text, l.Font, l.Size); err != nil {
				return 0, err
			}
		}
		if err := doc.DrawRule(idx, sp.Rule.From, sp.Rule.To, sp.Rule.Width); err != nil {
			return 0, err
		}
		for _, l := range sp.Lines {
			if err := doc.DrawText(idx, l.At, l.Text, l.Font, l.Size); err != nil {
				return 0, err
			}
		}
	}
	return len(pages), nil
}

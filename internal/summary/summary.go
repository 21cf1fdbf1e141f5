// Package summary lays out the trailing list of decoded payloads across as
// many pages as it needs.
//
// Coordinates are top-down document units; text positions are baselines.
package summary

import (
	"fmt"
	"strconv"

	"github.com/MeKo-Tech/qranno/internal/geometry"
	"github.com/MeKo-Tech/qranno/internal/textlayout"
)

// Page geometry and typography.
const (
	PageMargin  = 36.0
	TitleSize   = 16.0
	BodySize    = 11.0
	LineSpacing = BodySize * 1.35
	RuleWidth   = 0.75

	DefaultPageWidth  = 595.0
	DefaultPageHeight = 842.0

	DefaultTitle     = "QR Code Summary"
	DefaultFont      = "Helvetica"
	DefaultTitleFont = "Helvetica-Bold"

	ruleGap = 6.0
)

// Entry is one decoded payload with its call-out number.
type Entry struct {
	Index int    `json:"index" yaml:"index"`
	Text  string `json:"text" yaml:"text"`
}

// TextLine is a single line of text placed at a baseline.
type TextLine struct {
	Text string
	At   geometry.Point
	Font string
	Size float64
}

// Rule is a horizontal separator.
type Rule struct {
	From  geometry.Point
	To    geometry.Point
	Width float64
}

// Page is one laid-out summary page.
type Page struct {
	Width  float64
	Height float64
	Title  TextLine
	Rule   Rule
	Header TextLine
	Lines  []TextLine
}

// Paginator lays out summary pages.
type Paginator struct {
	Measurer  textlayout.Measurer
	Title     string
	Font      string
	TitleFont string
}

// NewPaginator returns a paginator using m for text widths and the given
// title. An empty title selects DefaultTitle.
func NewPaginator(m textlayout.Measurer, title string) *Paginator {
	if title == "" {
		title = DefaultTitle
	}
	return &Paginator{Measurer: m, Title: title, Font: DefaultFont, TitleFont: DefaultTitleFont}
}

// Paginate lays out entries on pages of pageW x pageH. Non-positive
// dimensions select the A4 default. The result always holds at least one page.
func (p *Paginator) Paginate(entries []Entry, pageW, pageH float64) []Page {
	if pageW <= 0 || pageH <= 0 {
		pageW, pageH = DefaultPageWidth, DefaultPageHeight
	}
	font := p.Font
	if font == "" {
		font = DefaultFont
	}
	contentWidth := pageW - 2*PageMargin
	bottom := pageH - PageMargin
	header := "Total: " + strconv.Itoa(len(entries))

	var (
		pages  []Page
		cursor float64
	)
	newPage := func() {
		pages = append(pages, p.pageFrame(pageW, pageH, header))
		cursor = pages[len(pages)-1].Header.At.Y + LineSpacing
	}
	newPage()

	for _, e := range entries {
		prefix := fmt.Sprintf("#%d: ", e.Index)
		first := contentWidth - textlayout.Measure(p.Measurer, prefix, font, BodySize)
		lines := textlayout.WrapIndent(p.Measurer, e.Text, font, BodySize, first, contentWidth)
		for i, l := range lines {
			text := l.Text
			if i == 0 {
				text = prefix + text
			}
			cur := &pages[len(pages)-1]
			if cursor > bottom && len(cur.Lines) > 0 {
				newPage()
				cur = &pages[len(pages)-1]
			}
			cur.Lines = append(cur.Lines, TextLine{
				Text: text,
				At:   geometry.Point{X: PageMargin, Y: cursor},
				Font: font,
				Size: BodySize,
			})
			cursor += LineSpacing
		}
	}
	return pages
}

// pageFrame returns a page holding the repeated title, rule and header.
func (p *Paginator) pageFrame(w, h float64, header string) Page {
	title := p.Title
	if title == "" {
		title = DefaultTitle
	}
	titleFont := p.TitleFont
	if titleFont == "" {
		titleFont = DefaultTitleFont
	}
	font := p.Font
	if font == "" {
		font = DefaultFont
	}

	titleY := PageMargin + TitleSize
	ruleY := titleY + ruleGap
	return Page{
		Width:  w,
		Height: h,
		Title:  TextLine{Text: title, At: geometry.Point{X: PageMargin, Y: titleY}, Font: titleFont, Size: TitleSize},
		Rule: Rule{
			From:  geometry.Point{X: PageMargin, Y: ruleY},
			To:    geometry.Point{X: w - PageMargin, Y: ruleY},
			Width: RuleWidth,
		},
		Header: TextLine{Text: header, At: geometry.Point{X: PageMargin, Y: ruleY + LineSpacing}, Font: font, Size: BodySize},
	}
}

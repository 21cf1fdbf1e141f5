package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/font"
	pdffont "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/font"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/MeKo-Tech/qranno/internal/export"
	"github.com/MeKo-Tech/qranno/internal/geometry"
	"github.com/MeKo-Tech/qranno/internal/layout"
	"github.com/MeKo-Tech/qranno/internal/textlayout"
)

// Annotation flag bit that makes annotations appear in print.
const flagPrint = 4

// labelFont is the resource name used by label appearance streams.
const labelFont = "Helv"

var (
	// ErrPageOutOfRange is returned for page indices outside the document.
	ErrPageOutOfRange = errors.New("page out of range")
	// ErrNotAppended is returned when page content is drawn on an original page.
	ErrNotAppended = errors.New("content can only be drawn on appended pages")
	// ErrClosed is returned after Bytes has serialized the document.
	ErrClosed = errors.New("document already serialized")
)

var _ export.Document = (*Document)(nil)

// Document is a pdfcpu-backed export.Document. It is not safe for concurrent
// use.
type Document struct {
	ctx      *model.Context
	measurer textlayout.Measurer

	boxes    []*types.Rectangle
	rotate   []int // clockwise display rotation, 0, 90, 180 or 270
	appended map[int]*appendedPage
	fonts    map[string]*types.IndirectRef
	embedded []string // user fonts whose dictionaries are built by Bytes
	done     bool
}

type appendedPage struct {
	dict    types.Dict
	content bytes.Buffer
	fonts   map[string]string // base font -> resource name
}

// Open parses data. Encrypted documents are rejected with ErrPasswordRequired.
func Open(data []byte) (*Document, error) {
	ctx, err := api.ReadContext(bytes.NewReader(data), newConfiguration())
	if err != nil {
		if IsPasswordError(err) {
			return nil, fmt.Errorf("read document: %w", ErrPasswordRequired)
		}
		return nil, fmt.Errorf("read document: %w", err)
	}
	if ctx.Encrypt != nil {
		return nil, ErrPasswordRequired
	}
	if err := api.ValidateContext(ctx); err != nil {
		return nil, fmt.Errorf("validate document: %w", err)
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return nil, fmt.Errorf("count pages: %w", err)
	}

	d := &Document{
		ctx:      ctx,
		measurer: FontMeasurer{},
		appended: make(map[int]*appendedPage),
		fonts:    make(map[string]*types.IndirectRef),
	}
	d.boxes = make([]*types.Rectangle, ctx.PageCount)
	d.rotate = make([]int, ctx.PageCount)
	for i := range d.boxes {
		box, rotate, err := d.visibleBox(i)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		d.boxes[i] = box
		d.rotate[i] = rotate
	}
	return d, nil
}

// NewOpener returns an export.Opener backed by Open.
func NewOpener() export.Opener {
	return export.OpenerFunc(func(data []byte) (export.Document, error) {
		return Open(data)
	})
}

// PageCount implements export.Document.
func (d *Document) PageCount() int { return len(d.boxes) }

// PageSize implements export.Document. The size is that of the crop box when
// present, otherwise the media box, as displayed: pages rotated by 90 or 270
// degrees report their sides swapped.
func (d *Document) PageSize(page int) (float64, float64, error) {
	box, err := d.box(page)
	if err != nil {
		return 0, 0, err
	}
	if d.rotate[page]%180 != 0 {
		return box.Height(), box.Width(), nil
	}
	return box.Width(), box.Height(), nil
}

// AddHighlight implements export.Document.
func (d *Document) AddHighlight(page int, r geometry.Rect, fill export.Color, opacity float64) error {
	rect, err := d.toPDF(page, r)
	if err != nil {
		return err
	}
	w, h := r.Width(), r.Height()
	resources := types.Dict{
		"ExtGState": types.Dict{
			"GS0": types.Dict{
				"Type": types.Name("ExtGState"),
				"ca":   types.Float(opacity),
				"CA":   types.Float(opacity),
			},
		},
	}
	content := fmt.Sprintf("/GS0 gs %s rg 0 0 %s %s re f\n", rgb(fill), num(w), num(h))
	ap, err := d.appearance(page, w, h, content, resources)
	if err != nil {
		return err
	}
	return d.addAnnotation(page, types.Dict{
		"Subtype": types.Name("Square"),
		"Rect":    rectArray(rect),
		"IC":      colorArray(fill),
		"CA":      types.Float(opacity),
		"BS":      types.Dict{"W": types.Integer(0)},
		"Border":  types.NewIntegerArray(0, 0, 0),
		"AP":      types.Dict{"N": *ap},
	})
}

// AddBorder implements export.Document.
func (d *Document) AddBorder(page int, r geometry.Rect, stroke export.Color, width float64) error {
	rect, err := d.toPDF(page, r)
	if err != nil {
		return err
	}
	w, h := r.Width(), r.Height()
	hw := width / 2
	content := fmt.Sprintf("%s RG %s w %s %s %s %s re S\n",
		rgb(stroke), num(width), num(hw), num(hw), num(max(w-width, 0)), num(max(h-width, 0)))
	ap, err := d.appearance(page, w, h, content, nil)
	if err != nil {
		return err
	}
	return d.addAnnotation(page, types.Dict{
		"Subtype": types.Name("Square"),
		"Rect":    rectArray(rect),
		"C":       colorArray(stroke),
		"BS":      types.Dict{"W": types.Float(width), "S": types.Name("S")},
		"AP":      types.Dict{"N": *ap},
	})
}

// AddComment implements export.Document. The note icon hangs below and to
// the right of at.
func (d *Document) AddComment(page int, at geometry.Point, text string) error {
	r := geometry.NewRect(at.X, at.Y, layout.IconSize, layout.IconSize)
	rect, err := d.toPDF(page, r)
	if err != nil {
		return err
	}
	return d.addAnnotation(page, types.Dict{
		"Subtype":  types.Name("Text"),
		"Rect":     rectArray(rect),
		"Contents": textString(text),
		"Name":     types.Name("Comment"),
		"Open":     types.Boolean(false),
		"C":        types.NewNumberArray(1, 0.8, 0),
	})
}

// AddLabel implements export.Document. The label is a red box with the
// text centered in white Helvetica.
func (d *Document) AddLabel(page int, r geometry.Rect, text string, fontSize float64) error {
	rect, err := d.toPDF(page, r)
	if err != nil {
		return err
	}
	fontRef, err := d.fontRef(layout.DefaultFont)
	if err != nil {
		return err
	}
	w, h := r.Width(), r.Height()
	tw := textlayout.Measure(d.measurer, text, layout.DefaultFont, fontSize)
	// Helvetica cap height is roughly 0.72 em.
	tx := (w - tw) / 2
	ty := (h - 0.72*fontSize) / 2

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s rg 0 0 %s %s re f\n", rgb(export.Red), num(w), num(h))
	fmt.Fprintf(&sb, "BT /%s %s Tf %s rg %s %s Td %s Tj ET\n",
		labelFont, num(fontSize), rgb(export.White), num(tx), num(ty), hexString(winAnsi(text)))
	resources := types.Dict{"Font": types.Dict{labelFont: *fontRef}}
	ap, err := d.appearance(page, w, h, sb.String(), resources)
	if err != nil {
		return err
	}

	return d.addAnnotation(page, types.Dict{
		"Subtype":  types.Name("FreeText"),
		"Rect":     rectArray(rect),
		"Contents": textString(text),
		"DA":       types.StringLiteral(fmt.Sprintf("/%s %s Tf %s rg", labelFont, num(fontSize), rgb(export.White))),
		"Q":        types.Integer(1),
		"C":        colorArray(export.Red),
		"BS":       types.Dict{"W": types.Integer(0)},
		"AP":       types.Dict{"N": *ap},
	})
}

// AddLink implements export.Document.
func (d *Document) AddLink(page int, r geometry.Rect, uri string) error {
	rect, err := d.toPDF(page, r)
	if err != nil {
		return err
	}
	return d.addAnnotation(page, types.Dict{
		"Subtype": types.Name("Link"),
		"Rect":    rectArray(rect),
		"Border":  types.NewIntegerArray(0, 0, 0),
		"A": types.Dict{
			"Type": types.Name("Action"),
			"S":    types.Name("URI"),
			"URI":  types.NewHexLiteral([]byte(uri)),
		},
	})
}

// AppendPage implements export.Document.
func (d *Document) AppendPage(width, height float64) (int, error) {
	if d.done {
		return 0, ErrClosed
	}
	root, err := d.ctx.Catalog()
	if err != nil {
		return 0, fmt.Errorf("catalog: %w", err)
	}
	pagesRef := root.IndirectRefEntry("Pages")
	if pagesRef == nil {
		return 0, errors.New("catalog has no page tree")
	}
	pages, err := d.ctx.DereferenceDict(*pagesRef)
	if err != nil || pages == nil {
		return 0, fmt.Errorf("page tree: %w", err)
	}

	pageDict := types.Dict{
		"Type":     types.Name("Page"),
		"Parent":   *pagesRef,
		"MediaBox": types.NewNumberArray(0, 0, width, height),
	}
	ref, err := d.ctx.IndRefForNewObject(pageDict)
	if err != nil {
		return 0, fmt.Errorf("new page: %w", err)
	}

	var kids types.Array
	if obj, found := pages.Find("Kids"); found {
		if kids, err = d.ctx.DereferenceArray(obj); err != nil {
			return 0, fmt.Errorf("page tree kids: %w", err)
		}
	}
	pages["Kids"] = append(kids, *ref)
	count := 0
	if c := pages.IntEntry("Count"); c != nil {
		count = *c
	}
	pages["Count"] = types.Integer(count + 1)
	d.ctx.PageCount++

	idx := len(d.boxes)
	d.boxes = append(d.boxes, types.NewRectangle(0, 0, width, height))
	d.rotate = append(d.rotate, 0)
	d.appended[idx] = &appendedPage{dict: pageDict, fonts: make(map[string]string)}
	return idx, nil
}

// DrawText implements export.Document. Only appended pages accept content.
// Text outside WinAnsiEncoding is set in UnicodeFont when one is available.
func (d *Document) DrawText(page int, at geometry.Point, text, fontName string, size float64) error {
	ap, err := d.appendedPage(page)
	if err != nil {
		return err
	}
	fontName, wide := textFont(text, fontName)
	name, ok := ap.fonts[fontName]
	if !ok {
		if _, err := d.fontRef(fontName); err != nil {
			return err
		}
		name = fmt.Sprintf("F%d", len(ap.fonts)+1)
		ap.fonts[fontName] = name
	}
	shown := hexString(winAnsi(text))
	if wide {
		// Two-byte glyph ids; the used glyphs are recorded for subsetting.
		shown = "(" + model.PrepBytes(d.ctx.XRefTable, text, fontName, true, false, false) + ")"
	}
	y := d.boxes[page].Height() - at.Y
	fmt.Fprintf(&ap.content, "BT /%s %s Tf 0 g %s %s Td %s Tj ET\n",
		name, num(size), num(at.X), num(y), shown)
	return nil
}

// DrawRule implements export.Document. Only appended pages accept content.
func (d *Document) DrawRule(page int, from, to geometry.Point, width float64) error {
	ap, err := d.appendedPage(page)
	if err != nil {
		return err
	}
	h := d.boxes[page].Height()
	fmt.Fprintf(&ap.content, "%s w 0 G %s %s m %s %s l S\n",
		num(width), num(from.X), num(h-from.Y), num(to.X), num(h-to.Y))
	return nil
}

// Bytes implements export.Document. It serializes the document once; the
// document cannot be modified afterwards.
func (d *Document) Bytes() ([]byte, error) {
	if d.done {
		return nil, ErrClosed
	}
	if err := d.flushAppended(); err != nil {
		return nil, err
	}
	for _, name := range d.embedded {
		if _, err := pdffont.EnsureFontDict(d.ctx.XRefTable, name, "", "", false, d.fonts[name]); err != nil {
			return nil, fmt.Errorf("embed font %s: %w", name, err)
		}
	}
	d.done = true

	var buf bytes.Buffer
	if err := api.WriteContext(d.ctx, &buf); err != nil {
		return nil, fmt.Errorf("write document: %w", err)
	}
	return buf.Bytes(), nil
}

// flushAppended turns the buffered content of appended pages into streams.
func (d *Document) flushAppended() error {
	indices := make([]int, 0, len(d.appended))
	for i := range d.appended {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	for _, i := range indices {
		ap := d.appended[i]
		sd, err := d.ctx.NewStreamDictForBuf(ap.content.Bytes())
		if err != nil {
			return fmt.Errorf("page %d content: %w", i+1, err)
		}
		if err := sd.Encode(); err != nil {
			return fmt.Errorf("page %d content: %w", i+1, err)
		}
		ref, err := d.ctx.IndRefForNewObject(*sd)
		if err != nil {
			return fmt.Errorf("page %d content: %w", i+1, err)
		}
		ap.dict["Contents"] = *ref

		fonts := types.Dict{}
		for base, name := range ap.fonts {
			fonts[name] = *d.fonts[base]
		}
		ap.dict["Resources"] = types.Dict{"Font": fonts}
	}
	return nil
}

func (d *Document) box(page int) (*types.Rectangle, error) {
	if page < 0 || page >= len(d.boxes) {
		return nil, fmt.Errorf("%w: %d", ErrPageOutOfRange, page+1)
	}
	return d.boxes[page], nil
}

func (d *Document) appendedPage(page int) (*appendedPage, error) {
	if d.done {
		return nil, ErrClosed
	}
	if _, err := d.box(page); err != nil {
		return nil, err
	}
	ap, ok := d.appended[page]
	if !ok {
		return nil, fmt.Errorf("%w: page %d", ErrNotAppended, page+1)
	}
	return ap, nil
}

// toPDF maps a rectangle in top-down coordinates of the displayed page onto
// the page's default user space, undoing the page rotation.
func (d *Document) toPDF(page int, r geometry.Rect) (*types.Rectangle, error) {
	if d.done {
		return nil, ErrClosed
	}
	box, err := d.box(page)
	if err != nil {
		return nil, err
	}
	ll, ur := box.LL, box.UR
	switch d.rotate[page] {
	case 90:
		return types.NewRectangle(ll.X+r.Y0, ll.Y+r.X0, ll.X+r.Y1, ll.Y+r.X1), nil
	case 180:
		return types.NewRectangle(ur.X-r.X1, ll.Y+r.Y0, ur.X-r.X0, ll.Y+r.Y1), nil
	case 270:
		return types.NewRectangle(ur.X-r.Y1, ur.Y-r.X1, ur.X-r.Y0, ur.Y-r.X0), nil
	default:
		return types.NewRectangle(ll.X+r.X0, ur.Y-r.Y1, ll.X+r.X1, ur.Y-r.Y0), nil
	}
}

// uprightMatrix counter-rotates an appearance stream so that it reads upright
// on a page displayed with the given rotation.
func uprightMatrix(rotate int) types.Array {
	switch rotate {
	case 90:
		return types.NewNumberArray(0, 1, -1, 0, 0, 0)
	case 180:
		return types.NewNumberArray(-1, 0, 0, -1, 0, 0)
	case 270:
		return types.NewNumberArray(0, -1, 1, 0, 0, 0)
	default:
		return nil
	}
}

// normalizeRotation folds a /Rotate value into [0, 360). Values that are not
// multiples of 90 are invalid and treated as 0.
func normalizeRotation(rotate int) int {
	rotate %= 360
	if rotate < 0 {
		rotate += 360
	}
	if rotate%90 != 0 {
		return 0
	}
	return rotate
}

// pageDict returns the dictionary and reference of page.
func (d *Document) pageDict(page int) (types.Dict, *types.IndirectRef, error) {
	dict, ref, _, err := d.ctx.PageDict(page+1, false)
	if err != nil {
		return nil, nil, fmt.Errorf("page %d: %w", page+1, err)
	}
	if dict == nil || ref == nil {
		return nil, nil, fmt.Errorf("%w: %d", ErrPageOutOfRange, page+1)
	}
	return dict, ref, nil
}

// addAnnotation registers annot as an indirect object and appends it to the
// page's /Annots.
func (d *Document) addAnnotation(page int, annot types.Dict) error {
	pageDict, pageRef, err := d.pageDict(page)
	if err != nil {
		return err
	}
	annot["Type"] = types.Name("Annot")
	annot["P"] = *pageRef
	annot["F"] = types.Integer(flagPrint)

	ref, err := d.ctx.IndRefForNewObject(annot)
	if err != nil {
		return fmt.Errorf("annotation: %w", err)
	}

	var annots types.Array
	if obj, found := pageDict.Find("Annots"); found {
		if annots, err = d.ctx.DereferenceArray(obj); err != nil {
			return fmt.Errorf("page %d annotations: %w", page+1, err)
		}
	}
	pageDict["Annots"] = append(annots, *ref)
	return nil
}

// appearance stores a form XObject of size w×h drawing content. w and h are
// the displayed size on page.
func (d *Document) appearance(page int, w, h float64, content string, resources types.Dict) (*types.IndirectRef, error) {
	sd, err := d.ctx.NewStreamDictForBuf([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("appearance: %w", err)
	}
	sd.Dict["Type"] = types.Name("XObject")
	sd.Dict["Subtype"] = types.Name("Form")
	sd.Dict["BBox"] = types.NewNumberArray(0, 0, w, h)
	if m := uprightMatrix(d.rotate[page]); m != nil {
		sd.Dict["Matrix"] = m
	}
	if resources != nil {
		sd.Dict["Resources"] = resources
	}
	if err := sd.Encode(); err != nil {
		return nil, fmt.Errorf("appearance: %w", err)
	}
	return d.ctx.IndRefForNewObject(*sd)
}

// fontRef returns a shared Type1 font dictionary for a standard font. For an
// installed TrueType font it reserves the object that Bytes fills with the
// subset Type0 font.
func (d *Document) fontRef(baseFont string) (*types.IndirectRef, error) {
	if ref, ok := d.fonts[baseFont]; ok {
		return ref, nil
	}
	if font.IsUserFont(baseFont) {
		ref, err := d.ctx.IndRefForNewObject(types.Dict{})
		if err != nil {
			return nil, fmt.Errorf("font %s: %w", baseFont, err)
		}
		d.fonts[baseFont] = ref
		d.embedded = append(d.embedded, baseFont)
		return ref, nil
	}
	dict := types.Dict{
		"Type":     types.Name("Font"),
		"Subtype":  types.Name("Type1"),
		"BaseFont": types.Name(baseFont),
	}
	if baseFont != "Symbol" && baseFont != "ZapfDingbats" {
		dict["Encoding"] = types.Name("WinAnsiEncoding")
	}
	ref, err := d.ctx.IndRefForNewObject(dict)
	if err != nil {
		return nil, fmt.Errorf("font %s: %w", baseFont, err)
	}
	d.fonts[baseFont] = ref
	return ref, nil
}

// visibleBox reads the crop box of an original page, falling back to the
// media box, and the page rotation, which may be inherited from the page
// tree.
func (d *Document) visibleBox(page int) (*types.Rectangle, int, error) {
	dict, _, inh, err := d.ctx.PageDict(page+1, false)
	if err != nil {
		return nil, 0, err
	}
	rotate := 0
	if inh != nil {
		rotate = normalizeRotation(inh.Rotate)
	}
	for _, key := range []string{"CropBox", "MediaBox"} {
		if obj, found := dict.Find(key); found {
			if r, err := d.rectangle(obj); err == nil {
				return r, rotate, nil
			}
		}
	}
	if inh != nil {
		if inh.CropBox != nil {
			return inh.CropBox, rotate, nil
		}
		if inh.MediaBox != nil {
			return inh.MediaBox, rotate, nil
		}
	}
	return nil, 0, errors.New("page has no media box")
}

func (d *Document) rectangle(obj types.Object) (*types.Rectangle, error) {
	arr, err := d.ctx.DereferenceArray(obj)
	if err != nil {
		return nil, err
	}
	if len(arr) != 4 {
		return nil, fmt.Errorf("rectangle needs 4 numbers, got %d", len(arr))
	}
	var f [4]float64
	for i, o := range arr {
		o, err := d.ctx.Dereference(o)
		if err != nil {
			return nil, err
		}
		switch v := o.(type) {
		case types.Integer:
			f[i] = float64(v)
		case types.Float:
			f[i] = float64(v)
		default:
			return nil, fmt.Errorf("rectangle entry %d is not a number", i)
		}
	}
	return types.NewRectangle(min(f[0], f[2]), min(f[1], f[3]), max(f[0], f[2]), max(f[1], f[3])), nil
}

func rectArray(r *types.Rectangle) types.Array {
	return types.NewNumberArray(r.LL.X, r.LL.Y, r.UR.X, r.UR.Y)
}

func colorArray(c export.Color) types.Array {
	return types.NewNumberArray(c.R, c.G, c.B)
}

func rgb(c export.Color) string {
	return num(c.R) + " " + num(c.G) + " " + num(c.B)
}

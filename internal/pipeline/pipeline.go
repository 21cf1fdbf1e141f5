// Package pipeline runs the page-processing worker: it rasterizes the
// selected pages of a document, decodes their QR codes and exports the
// annotated result.
package pipeline

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/MeKo-Tech/qranno/internal/barcode"
	"github.com/MeKo-Tech/qranno/internal/export"
	"github.com/MeKo-Tech/qranno/internal/layout"
	"github.com/MeKo-Tech/qranno/internal/pdf"
	"github.com/MeKo-Tech/qranno/internal/render"
	"github.com/MeKo-Tech/qranno/internal/summary"
)

// DefaultScale is the render scale used when none is configured.
const DefaultScale = 3.0

// Config holds the worker configuration.
type Config struct {
	Barcode barcode.Options
	// Summary appends the summary pages to the output.
	Summary bool
	// Title heads every summary page.
	Title string
	// Font is a TrueType file registered for text outside WinAnsiEncoding.
	// Empty uses the font pdfcpu installs, which has no CJK glyphs.
	Font string
}

// DefaultConfig returns a config with component defaults.
func DefaultConfig() Config {
	return Config{
		Barcode: barcode.DefaultOptions(),
		Summary: true,
		Title:   summary.DefaultTitle,
	}
}

// PageHook observes every processed page together with its rendered image.
// It runs on the worker goroutine and must not retain img after returning.
type PageHook func(result PageResult, img image.Image)

// Builder constructs a Worker with fluent configuration.
type Builder struct {
	cfg       Config
	sources   render.Opener
	decoder   barcode.Decoder
	documents export.Opener
	protected func(path string) (bool, error)
	listener  Listener
	logger    *slog.Logger
	hook      PageHook
}

// NewBuilder creates a new worker builder with defaults.
func NewBuilder() *Builder { return &Builder{cfg: DefaultConfig()} }

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	return b
}

// WithBarcodeOptions sets the decoder options used by the default decoder.
func (b *Builder) WithBarcodeOptions(opts barcode.Options) *Builder {
	b.cfg.Barcode = opts
	return b
}

// WithSummary toggles the appended summary pages.
func (b *Builder) WithSummary(enabled bool) *Builder {
	b.cfg.Summary = enabled
	return b
}

// WithTitle sets the summary page title.
func (b *Builder) WithTitle(title string) *Builder {
	if title != "" {
		b.cfg.Title = title
	}
	return b
}

// WithSourceOpener overrides how documents are opened for rendering.
func (b *Builder) WithSourceOpener(o render.Opener) *Builder {
	b.sources = o
	return b
}

// WithDecoder overrides the QR decoder.
func (b *Builder) WithDecoder(d barcode.Decoder) *Builder {
	b.decoder = d
	return b
}

// WithDocumentOpener overrides how documents are opened for export.
func (b *Builder) WithDocumentOpener(o export.Opener) *Builder {
	b.documents = o
	return b
}

// WithProtectionCheck overrides the password-protection probe run before a
// run starts.
func (b *Builder) WithProtectionCheck(check func(path string) (bool, error)) *Builder {
	b.protected = check
	return b
}

// WithListener sets the listener for run events.
func (b *Builder) WithListener(l Listener) *Builder {
	b.listener = l
	return b
}

// Listener returns the configured listener, or nil.
func (b *Builder) Listener() Listener { return b.listener }

// WithLogger sets the structured logger.
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// WithPageHook installs a per-page observer.
func (b *Builder) WithPageHook(h PageHook) *Builder {
	b.hook = h
	return b
}

// Config returns the current builder config (copy).
func (b *Builder) Config() Config { return b.cfg }

// Build validates the configuration and returns a worker.
func (b *Builder) Build() (*Worker, error) {
	if b.cfg.Barcode.MaxUpscaleDim < 0 {
		return nil, fmt.Errorf("invalid max upscale dimension %d", b.cfg.Barcode.MaxUpscaleDim)
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	if b.cfg.Font != "" {
		name, err := pdf.RegisterFont(b.cfg.Font)
		if err != nil {
			return nil, fmt.Errorf("summary font: %w", err)
		}
		logger.Debug("Registered summary font", "path", b.cfg.Font, "font", name)
	}

	w := &Worker{
		cfg:       b.cfg,
		sources:   b.sources,
		decoder:   b.decoder,
		documents: b.documents,
		protected: b.protected,
		listener:  b.listener,
		logger:    logger,
		hook:      b.hook,
	}
	if w.sources == nil {
		w.sources = render.NewOpener()
	}
	if w.decoder == nil {
		w.decoder = barcode.NewQRDecoder(nil, b.cfg.Barcode).WithLogger(logger)
	}
	if w.documents == nil {
		w.documents = pdf.NewOpener()
	}
	if w.protected == nil {
		w.protected = pdf.IsEncrypted
	}
	if w.listener == nil {
		w.listener = NoOpListener{}
	}

	measurer := pdf.FontMeasurer{}
	w.exporter = export.NewExporter(layout.NewPlanner(measurer), summary.NewPaginator(measurer, b.cfg.Title))
	w.exporter.Summary = b.cfg.Summary
	w.exporter.Logger = logger
	return w, nil
}

// classifyOpenError maps backend open failures onto the worker's sentinels.
func classifyOpenError(err error) error {
	if errors.Is(err, render.ErrPasswordRequired) || errors.Is(err, pdf.ErrPasswordRequired) {
		return fmt.Errorf("%w: %w", ErrPasswordRequired, err)
	}
	return fmt.Errorf("%w: %w", ErrInvalidInput, err)
}

// AnnotatedName returns the default output file name for a source document:
// "report.pdf" becomes "report_annotated.pdf".
func AnnotatedName(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	if ext == "" || base == ext {
		return base + "_annotated.pdf"
	}
	return strings.TrimSuffix(base, ext) + "_annotated" + ext
}

func fileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

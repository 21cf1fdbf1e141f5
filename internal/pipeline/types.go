package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/MeKo-Tech/qranno/internal/barcode"
	"github.com/MeKo-Tech/qranno/internal/export"
)

var (
	// ErrInvalidInput covers a missing file, an unreadable document, a
	// malformed page selector, an empty page set or a bad scale.
	ErrInvalidInput = errors.New("invalid input")
	// ErrPasswordRequired is returned for protected documents.
	ErrPasswordRequired = errors.New("password required")
	// ErrExportFailure marks a run that failed while producing its output.
	ErrExportFailure = errors.New("export failed")
	// ErrCancelled is the outcome error of a cancelled run.
	ErrCancelled = errors.New("run cancelled")
)

// State is the worker state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

var stateNames = [...]string{"idle", "running", "completed", "cancelled", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Title returns the state name for display, e.g. "Cancelled".
func (s State) Title() string {
	return cases.Title(language.English).String(s.String())
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Request describes one run.
type Request struct {
	// Path of the source PDF.
	Path string
	// Pages is a page selector such as "1-3,5"; empty selects all pages.
	Pages string
	// Scale is the render scale in pixels per document unit.
	Scale float64
	// Timeout bounds the whole run; zero means none. An expired run fails.
	Timeout time.Duration
}

// PageResult holds the detections of one page.
type PageResult struct {
	PageIndex  int                 `json:"page" yaml:"page"`
	Detections []barcode.Detection `json:"detections" yaml:"detections"`
	Scale      float64             `json:"scale" yaml:"scale"`
}

// RunResult accumulates page results during a run.
type RunResult struct {
	Pages       map[int]PageResult `json:"pages" yaml:"pages"`
	TargetPages []int              `json:"target_pages" yaml:"target_pages"`
}

// Ordered returns the recorded page results by ascending page index.
func (r RunResult) Ordered() []PageResult {
	out := make([]PageResult, 0, len(r.Pages))
	for _, p := range r.Pages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageIndex < out[j].PageIndex })
	return out
}

// Detections returns the total number of detections recorded.
func (r RunResult) Detections() int {
	n := 0
	for _, p := range r.Pages {
		n += len(p.Detections)
	}
	return n
}

// ExportPages converts the recorded results for the exporter.
func (r RunResult) ExportPages() []export.Page {
	ordered := r.Ordered()
	out := make([]export.Page, len(ordered))
	for i, p := range ordered {
		out[i] = export.Page{Index: p.PageIndex, Scale: p.Scale, Detections: p.Detections}
	}
	return out
}

// Outcome is the authoritative result of a finished run.
type Outcome struct {
	State State
	// Output is the annotated document; nil unless State is StateCompleted.
	// It must not be modified.
	Output []byte
	// Result holds the page results recorded before the run ended.
	Result RunResult
	// Export describes what was drawn; nil unless State is StateCompleted.
	Export *export.Result
	Err    error
	// Duration is the wall time of the run.
	Duration time.Duration
}

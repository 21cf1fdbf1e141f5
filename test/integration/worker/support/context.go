// Package support holds the step definitions of the worker feature suite.
// Scenarios run the real worker, layout and summary code against in-memory
// document fakes.
package support

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/MeKo-Tech/qranno/internal/barcode"
	"github.com/MeKo-Tech/qranno/internal/pipeline"
	"github.com/MeKo-Tech/qranno/internal/testutil"
)

// TestContext holds the state of one scenario.
type TestContext struct {
	TempDir string
	Input   string

	Source     *testutil.FakeSource
	Detections map[int][]barcode.Detection
	Document   *testutil.FakeDocument
	Protected  bool
	// CancelAfter cancels the run once this many pages were decoded; zero
	// disables it.
	CancelAfter int

	Worker   *pipeline.Worker
	Job      *pipeline.Job
	Outcome  pipeline.Outcome
	StartErr error

	Events *EventLog

	// Selector round-trip state
	ParsedPages []int
	ParseErr    error
}

// NewTestContext creates a scenario context with a scratch directory.
func NewTestContext() (*TestContext, error) {
	dir, err := os.MkdirTemp("", "qranno-features-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	input := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(input, testutil.MinimalPDF(1, 595, 842), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write input: %w", err)
	}
	return &TestContext{
		TempDir:    dir,
		Input:      input,
		Detections: map[int][]barcode.Detection{},
		Events:     &EventLog{},
	}, nil
}

// Cleanup removes the scenario's files.
func (testCtx *TestContext) Cleanup() error {
	if testCtx.Worker != nil {
		testCtx.Worker.Cancel()
	}
	if testCtx.Job != nil {
		<-testCtx.Job.Done()
	}
	return os.RemoveAll(testCtx.TempDir)
}

// EventLog records listener events.
type EventLog struct {
	mu       sync.Mutex
	states   []pipeline.State
	progress []float64
	logs     []string
	finished int
}

// Listener returns a pipeline listener feeding the log.
func (e *EventLog) Listener() pipeline.Listener {
	return pipeline.ListenerFuncs{
		Progress: func(p float64) {
			e.mu.Lock()
			e.progress = append(e.progress, p)
			e.mu.Unlock()
		},
		Log: func(line string) {
			e.mu.Lock()
			e.logs = append(e.logs, line)
			e.mu.Unlock()
		},
		Status: func(s pipeline.State) {
			e.mu.Lock()
			e.states = append(e.states, s)
			e.mu.Unlock()
		},
		Finished: func([]byte) {
			e.mu.Lock()
			e.finished++
			e.mu.Unlock()
		},
	}
}

// States returns the recorded state changes.
func (e *EventLog) States() []pipeline.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]pipeline.State(nil), e.states...)
}

// Progress returns the recorded progress values.
func (e *EventLog) Progress() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.progress...)
}

// Logs returns the recorded log lines.
func (e *EventLog) Logs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.logs...)
}

// Finished reports how many finished events were received.
func (e *EventLog) Finished() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished
}

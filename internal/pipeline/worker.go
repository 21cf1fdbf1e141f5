package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/qranno/internal/barcode"
	"github.com/MeKo-Tech/qranno/internal/export"
	"github.com/MeKo-Tech/qranno/internal/pdf"
	"github.com/MeKo-Tech/qranno/internal/render"
)

// Worker runs at most one job at a time.
type Worker struct {
	cfg       Config
	sources   render.Opener
	decoder   barcode.Decoder
	documents export.Opener
	protected func(path string) (bool, error)
	exporter  *export.Exporter
	listener  Listener
	logger    *slog.Logger
	hook      PageHook

	// startMu serializes Start so that prepare's document I/O runs
	// without holding mu.
	startMu sync.Mutex

	mu    sync.Mutex
	state State
	job   *Job
}

// Job is the handle of one run.
type Job struct {
	req       Request
	pages     []int
	cancelled atomic.Bool
	done      chan struct{}
	outcome   Outcome
}

// Cancel requests cooperative cancellation. It takes effect at the next page
// boundary; a page in progress completes first. Cancelling after the last
// page has been processed has no effect.
func (j *Job) Cancel() { j.cancelled.Store(true) }

// Done is closed once the run has finished and every event was delivered.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job is done or ctx ends.
func (j *Job) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-j.done:
		return j.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Outcome returns the final outcome; ok is false while the job is running.
func (j *Job) Outcome() (Outcome, bool) {
	select {
	case <-j.done:
		return j.outcome, true
	default:
		return Outcome{}, false
	}
}

// Request returns the request that started the job.
func (j *Job) Request() Request { return j.req }

// Pages returns the resolved 0-based target pages.
func (j *Job) Pages() []int { return append([]int(nil), j.pages...) }

// State returns the worker state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Current returns the most recent job, or nil if none was started.
func (w *Worker) Current() *Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.job
}

// Cancel cancels the running job, if any.
func (w *Worker) Cancel() {
	w.mu.Lock()
	job, state := w.job, w.state
	w.mu.Unlock()
	if job != nil && state == StateRunning {
		job.Cancel()
	}
}

// Start validates req and starts a run in the background. While a run is in
// progress Start is a no-op: it returns the running job and started=false.
// Validation failures wrap ErrInvalidInput or ErrPasswordRequired and leave
// the worker state unchanged.
func (w *Worker) Start(req Request) (job *Job, started bool, err error) {
	w.startMu.Lock()
	defer w.startMu.Unlock()

	if running := w.running(); running != nil {
		w.logger.Info("Run already in progress, ignoring start", "path", req.Path)
		return running, false, nil
	}

	// A run cannot begin while startMu is held, so the check above stays
	// valid across the unlocked document I/O.
	src, pages, err := w.prepare(req)
	if err != nil {
		w.logger.Warn("Run rejected", "path", req.Path, "error", err)
		return nil, false, err
	}

	job = &Job{req: req, pages: pages, done: make(chan struct{})}
	w.mu.Lock()
	w.job = job
	w.state = StateRunning
	w.mu.Unlock()

	box := newMailbox(w.listener)
	box.post(event{kind: eventStatus, state: StateRunning})
	box.post(event{kind: eventLog, line: "Processing pages: " + pdf.FormatPages(pages)})
	go w.run(job, src, box)
	return job, true, nil
}

// running returns the current job while the worker is running.
func (w *Worker) running() *Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateRunning {
		return w.job
	}
	return nil
}

// prepare performs the synchronous checks of Start and opens the source.
func (w *Worker) prepare(req Request) (render.Source, []int, error) {
	if req.Scale <= 0 || math.IsInf(req.Scale, 0) || math.IsNaN(req.Scale) {
		return nil, nil, fmt.Errorf("%w: scale must be positive, got %v", ErrInvalidInput, req.Scale)
	}
	if req.Timeout < 0 {
		return nil, nil, fmt.Errorf("%w: negative timeout %v", ErrInvalidInput, req.Timeout)
	}
	if err := fileExists(req.Path); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	protected, err := w.protected(req.Path)
	if err != nil {
		return nil, nil, classifyOpenError(err)
	}
	if protected {
		return nil, nil, fmt.Errorf("%w: %s", ErrPasswordRequired, req.Path)
	}

	src, err := w.sources.Open(req.Path)
	if err != nil {
		return nil, nil, classifyOpenError(err)
	}
	pages, err := pdf.ParsePages(req.Pages, src.PageCount())
	if err == nil && len(pages) == 0 {
		err = fmt.Errorf("no pages selected by %q in a %d page document", req.Pages, src.PageCount())
	}
	if err != nil {
		w.closeSource(src)
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return src, pages, nil
}

// run processes the job's pages on its own goroutine.
func (w *Worker) run(job *Job, src render.Source, box *mailbox) {
	start := time.Now()
	ctx := context.Background()
	if job.req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.req.Timeout)
		defer cancel()
	}

	out := w.process(ctx, job, src, box)
	out.Duration = time.Since(start)

	switch out.State {
	case StateCompleted:
		box.post(event{kind: eventLog, line: fmt.Sprintf("Done: %d QR codes", out.Result.Detections())})
	case StateCancelled:
		box.post(event{kind: eventLog, line: "Cancelled"})
	case StateFailed:
		box.post(event{kind: eventLog, line: "Failed: " + out.Err.Error()})
	}
	w.logger.Info("Run finished",
		"path", job.req.Path,
		"state", out.State.String(),
		"pages", len(out.Result.Pages),
		"detections", out.Result.Detections(),
		"duration", out.Duration.Round(time.Millisecond),
		"error", out.Err,
	)
	box.post(event{kind: eventStatus, state: out.State})
	box.post(event{kind: eventFinished, output: out.Output})
	box.close()
	<-box.done

	// The worker stays running until every event of this run was delivered,
	// so the next run's listener calls never overlap with these.
	w.mu.Lock()
	job.outcome = out
	w.state = out.State
	w.mu.Unlock()
	close(job.done)
}

// process walks the target pages and exports. The source is closed before
// export starts and on every other exit path.
func (w *Worker) process(ctx context.Context, job *Job, src render.Source, box *mailbox) Outcome {
	result := RunResult{Pages: make(map[int]PageResult, len(job.pages)), TargetPages: job.pages}
	failed := func(err error) Outcome {
		return Outcome{State: StateFailed, Result: result, Err: err}
	}

	closed := false
	defer func() {
		if !closed {
			w.closeSource(src)
		}
	}()

	total := len(job.pages)
	for i, page := range job.pages {
		if job.cancelled.Load() {
			w.logger.Info("Run cancelled", "completed_pages", i, "total_pages", total)
			return Outcome{State: StateCancelled, Result: result, Err: ErrCancelled}
		}
		if err := ctx.Err(); err != nil {
			return failed(fmt.Errorf("page %d: %w", page+1, err))
		}

		pr, err := w.processPage(ctx, src, page, job.req.Scale)
		if err != nil {
			return failed(err)
		}
		result.Pages[page] = pr

		w.logger.Debug("Page processed", "page", page+1, "detections", len(pr.Detections))
		box.post(event{kind: eventLog, line: fmt.Sprintf("Page %d: QR %d", page+1, len(pr.Detections))})
		box.post(event{kind: eventProgress, percent: float64(i+1) / float64(total) * 100})
	}

	w.closeSource(src)
	closed = true

	res, err := w.export(ctx, job.req.Path, result)
	if err != nil {
		return failed(err)
	}
	return Outcome{State: StateCompleted, Output: res.Bytes, Result: result, Export: res}
}

func (w *Worker) processPage(ctx context.Context, src render.Source, page int, scale float64) (PageResult, error) {
	img, err := src.Render(page, scale)
	if err != nil {
		return PageResult{}, fmt.Errorf("render page %d: %w", page+1, err)
	}
	dets, err := w.decoder.Decode(ctx, img)
	if err != nil {
		return PageResult{}, fmt.Errorf("decode page %d: %w", page+1, err)
	}
	pr := PageResult{PageIndex: page, Detections: dets, Scale: scale}
	if w.hook != nil {
		w.hook(pr, img)
	}
	return pr, nil
}

// export opens a fresh copy of the document and runs the exporter on it.
func (w *Worker) export(ctx context.Context, path string, result RunResult) (*export.Result, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path was validated by Start
	if err != nil {
		return nil, fmt.Errorf("%w: read source: %w", ErrExportFailure, err)
	}
	doc, err := w.documents.Open(data)
	if err != nil {
		if errors.Is(err, pdf.ErrPasswordRequired) {
			return nil, fmt.Errorf("%w: %w: %w", ErrExportFailure, ErrPasswordRequired, err)
		}
		return nil, fmt.Errorf("%w: open document: %w", ErrExportFailure, err)
	}
	res, err := w.exporter.Export(ctx, doc, result.ExportPages())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExportFailure, err)
	}
	return res, nil
}

func (w *Worker) closeSource(src render.Source) {
	if err := src.Close(); err != nil {
		w.logger.Warn("Failed to close document", "error", err)
	}
}

package pipeline

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/qranno/internal/barcode"
	"github.com/MeKo-Tech/qranno/internal/pdf"
	"github.com/MeKo-Tech/qranno/internal/render"
	"github.com/MeKo-Tech/qranno/internal/testutil"
)

// recorder is a Listener that records every event.
type recorder struct {
	mu       sync.Mutex
	progress []float64
	logs     []string
	states   []State
	finished [][]byte
	calls    int
}

func (r *recorder) OnProgress(p float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) OnLog(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, line)
}

func (r *recorder) OnStatusChange(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) OnFinished(out []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, out)
	r.calls++
}

type fixture struct {
	src     *testutil.FakeSource
	opener  *testutil.FakeOpener
	decoder *testutil.FakeDecoder
	doc     *testutil.FakeDocument
	events  *recorder
	path    string
	worker  *Worker
}

func newFixture(t *testing.T, pages int) *fixture {
	t.Helper()
	f := &fixture{
		src:     testutil.NewFakeSource(pages),
		decoder: &testutil.FakeDecoder{Detections: map[int][]barcode.Detection{}},
		doc:     testutil.NewFakeDocument(pages, 595, 842),
		events:  &recorder{},
		path:    testutil.WriteTempFile(t, "input.pdf", []byte("%PDF-1.4 fake")),
	}
	f.opener = &testutil.FakeOpener{Source: f.src}
	f.build(t)
	return f
}

func (f *fixture) build(t *testing.T) {
	t.Helper()
	w, err := NewBuilder().
		WithSourceOpener(f.opener).
		WithDecoder(f.decoder).
		WithDocumentOpener(testutil.FakeDocumentOpener(f.doc)).
		WithProtectionCheck(func(string) (bool, error) { return false, nil }).
		WithListener(f.events).
		Build()
	require.NoError(t, err)
	f.worker = w
}

func (f *fixture) run(t *testing.T, req Request) Outcome {
	t.Helper()
	job, started, err := f.worker.Start(req)
	require.NoError(t, err)
	require.True(t, started)
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	out, err := job.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestWorker_Completes(t *testing.T) {
	f := newFixture(t, 3)
	f.decoder.Detections[0] = []barcode.Detection{testutil.Square("https://example.com", 50, 50, 100)}
	f.decoder.Detections[2] = []barcode.Detection{
		testutil.Square("b", 300, 300, 60),
		testutil.Square("c", 100, 500, 60),
	}

	out := f.run(t, Request{Path: f.path, Pages: "all", Scale: 2})

	assert.Equal(t, StateCompleted, out.State)
	require.NoError(t, out.Err)
	assert.Equal(t, []byte("%PDF-fake"), out.Output)
	assert.Equal(t, StateCompleted, f.worker.State())
	assert.Equal(t, []int{0, 1, 2}, f.src.Rendered())
	assert.Equal(t, 1, f.src.Closed())
	assert.Equal(t, 3, out.Result.Detections())
	require.NotNil(t, out.Export)
	assert.Len(t, out.Export.Entries, 3)

	// Detections come back in pixels and are mapped by the recorded scale.
	assert.InDelta(t, 2.0, out.Result.Pages[0].Scale, 1e-9)
	assert.Len(t, f.doc.Ops("label"), 3)

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	assert.Equal(t, []State{StateRunning, StateCompleted}, f.events.states)
	assert.InDeltaSlice(t, []float64{100.0 / 3, 200.0 / 3, 100}, f.events.progress, 1e-9)
	assert.Contains(t, f.events.logs, "Processing pages: 1, 2, 3")
	assert.Contains(t, f.events.logs, "Page 1: QR 1")
	assert.Contains(t, f.events.logs, "Page 2: QR 0")
	assert.Contains(t, f.events.logs, "Page 3: QR 2")
	require.Equal(t, 1, f.events.calls)
	assert.Equal(t, []byte("%PDF-fake"), f.events.finished[0])
}

func TestWorker_PageSelection(t *testing.T) {
	f := newFixture(t, 6)
	out := f.run(t, Request{Path: f.path, Pages: "5,2-3", Scale: 1})
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, []int{1, 2, 4}, f.src.Rendered())
	assert.Equal(t, []int{1, 2, 4}, out.Result.TargetPages)
}

func TestWorker_CancelAfterSecondPage(t *testing.T) {
	f := newFixture(t, 5)
	f.decoder.AfterDecode = func(call, _ int) {
		if call == 2 {
			f.worker.Cancel()
		}
	}

	out := f.run(t, Request{Path: f.path, Scale: 1})

	assert.Equal(t, StateCancelled, out.State)
	assert.True(t, errors.Is(out.Err, ErrCancelled))
	assert.Len(t, out.Result.Pages, 2)
	assert.Nil(t, out.Output)
	assert.Nil(t, out.Export)
	assert.Equal(t, []int{0, 1}, f.src.Rendered())
	assert.Equal(t, 1, f.src.Closed())
	assert.Empty(t, f.doc.Calls, "no export after cancellation")

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	assert.Equal(t, []State{StateRunning, StateCancelled}, f.events.states)
	require.Len(t, f.events.finished, 1)
	assert.Nil(t, f.events.finished[0])
}

func TestWorker_CancelAfterLastPageIsNoOp(t *testing.T) {
	f := newFixture(t, 2)
	f.decoder.AfterDecode = func(call, _ int) {
		if call == 2 {
			f.worker.Cancel()
		}
	}
	out := f.run(t, Request{Path: f.path, Scale: 1})
	assert.Equal(t, StateCompleted, out.State)
	assert.NotNil(t, out.Output)
}

func TestWorker_InvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		req   func(f *fixture) Request
		setup func(f *fixture)
	}{
		{name: "missing file", req: func(f *fixture) Request {
			return Request{Path: filepath.Join(t.TempDir(), "missing.pdf"), Scale: 1}
		}},
		{name: "directory", req: func(*fixture) Request { return Request{Path: t.TempDir(), Scale: 1} }},
		{name: "zero scale", req: func(f *fixture) Request { return Request{Path: f.path, Scale: 0} }},
		{name: "negative timeout", req: func(f *fixture) Request {
			return Request{Path: f.path, Scale: 1, Timeout: -time.Second}
		}},
		{name: "selector outside document", req: func(f *fixture) Request {
			return Request{Path: f.path, Pages: "20", Scale: 1}
		}},
		{name: "malformed selector", req: func(f *fixture) Request {
			return Request{Path: f.path, Pages: "3-1", Scale: 1}
		}},
		{name: "unreadable document",
			req:   func(f *fixture) Request { return Request{Path: f.path, Scale: 1} },
			setup: func(f *fixture) { f.opener.Err = errors.New("not a pdf") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 5)
			if tt.setup != nil {
				tt.setup(f)
			}
			job, started, err := f.worker.Start(tt.req(f))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
			assert.Nil(t, job)
			assert.False(t, started)
			assert.Equal(t, StateIdle, f.worker.State())
			assert.Empty(t, f.src.Rendered())
		})
	}

	t.Run("source closed when selector is empty", func(t *testing.T) {
		f := newFixture(t, 3)
		_, _, err := f.worker.Start(Request{Path: f.path, Pages: "9", Scale: 1})
		require.Error(t, err)
		assert.Equal(t, 1, f.src.Closed())
	})
}

func TestWorker_PasswordRequired(t *testing.T) {
	t.Run("protection probe", func(t *testing.T) {
		f := newFixture(t, 2)
		w, err := NewBuilder().
			WithSourceOpener(f.opener).
			WithDecoder(f.decoder).
			WithProtectionCheck(func(string) (bool, error) { return true, nil }).
			Build()
		require.NoError(t, err)
		_, _, err = w.Start(Request{Path: f.path, Scale: 1})
		assert.True(t, errors.Is(err, ErrPasswordRequired))
		assert.Empty(t, f.opener.Opened(), "nothing is opened for rendering")
	})

	t.Run("renderer reports a password", func(t *testing.T) {
		f := newFixture(t, 2)
		f.opener.Err = render.ErrPasswordRequired
		_, _, err := f.worker.Start(Request{Path: f.path, Scale: 1})
		assert.True(t, errors.Is(err, ErrPasswordRequired))
	})

	t.Run("real encrypted file", func(t *testing.T) {
		path := testutil.WriteTempFile(t, "locked.pdf",
			testutil.EncryptPDF(t, testutil.MinimalPDF(1, 200, 200), "secret"))
		w, err := NewBuilder().WithSourceOpener(&testutil.FakeOpener{Source: testutil.NewFakeSource(1)}).Build()
		require.NoError(t, err)
		_, _, err = w.Start(Request{Path: path, Scale: 1})
		assert.True(t, errors.Is(err, ErrPasswordRequired))
	})
}

func TestWorker_Failures(t *testing.T) {
	t.Run("render failure", func(t *testing.T) {
		f := newFixture(t, 3)
		f.src.RenderErr = map[int]error{1: errors.New("mupdf crashed")}
		out := f.run(t, Request{Path: f.path, Scale: 1})
		assert.Equal(t, StateFailed, out.State)
		assert.ErrorContains(t, out.Err, "render page 2")
		assert.Nil(t, out.Output)
		assert.Equal(t, 1, f.src.Closed())
	})

	t.Run("decode failure", func(t *testing.T) {
		f := newFixture(t, 3)
		f.decoder.Errs = map[int]error{0: errors.New("bad image")}
		out := f.run(t, Request{Path: f.path, Scale: 1})
		assert.Equal(t, StateFailed, out.State)
		assert.ErrorContains(t, out.Err, "decode page 1")
	})

	t.Run("export failure", func(t *testing.T) {
		f := newFixture(t, 2)
		f.decoder.Detections[0] = []barcode.Detection{testutil.Square("x", 10, 10, 50)}
		f.doc.FailOn["label"] = true
		out := f.run(t, Request{Path: f.path, Scale: 1})
		assert.Equal(t, StateFailed, out.State)
		assert.True(t, errors.Is(out.Err, ErrExportFailure))
		assert.True(t, errors.Is(out.Err, testutil.ErrInjected))
		assert.Nil(t, out.Output)

		f.events.mu.Lock()
		defer f.events.mu.Unlock()
		assert.Equal(t, []State{StateRunning, StateFailed}, f.events.states)
		require.Len(t, f.events.finished, 1)
		assert.Nil(t, f.events.finished[0])
	})

	t.Run("timeout", func(t *testing.T) {
		f := newFixture(t, 3)
		f.src.BeforeRender = func(page int) {
			if page == 0 {
				time.Sleep(50 * time.Millisecond)
			}
		}
		out := f.run(t, Request{Path: f.path, Scale: 1, Timeout: 10 * time.Millisecond})
		assert.Equal(t, StateFailed, out.State)
		assert.True(t, errors.Is(out.Err, context.DeadlineExceeded))
	})
}

func TestWorker_StartWhileRunningIsNoOp(t *testing.T) {
	f := newFixture(t, 3)
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	f.src.BeforeRender = func(int) {
		once.Do(func() { close(entered) })
		<-release
	}

	job, started, err := f.worker.Start(Request{Path: f.path, Scale: 1})
	require.NoError(t, err)
	require.True(t, started)
	<-entered

	again, started, err := f.worker.Start(Request{Path: f.path, Pages: "1", Scale: 5})
	require.NoError(t, err)
	assert.False(t, started)
	assert.Same(t, job, again)
	assert.Equal(t, StateRunning, f.worker.State())

	close(release)
	out, err := job.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Len(t, f.opener.Opened(), 1)

	// A terminal worker accepts a new run.
	f.src.BeforeRender = nil
	_, started, err = f.worker.Start(Request{Path: f.path, Scale: 1})
	require.NoError(t, err)
	assert.True(t, started)
	_, err = f.worker.Current().Wait(t.Context())
	require.NoError(t, err)
}

// blockingFinish records events and parks OnFinished until released.
type blockingFinish struct {
	recorder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	active  atomic.Int32
	overlap atomic.Bool
}

func (b *blockingFinish) enter() {
	if b.active.Add(1) > 1 {
		b.overlap.Store(true)
	}
}

func (b *blockingFinish) OnLog(line string) {
	b.enter()
	defer b.active.Add(-1)
	b.recorder.OnLog(line)
}

func (b *blockingFinish) OnStatusChange(s State) {
	b.enter()
	defer b.active.Add(-1)
	b.recorder.OnStatusChange(s)
}

func (b *blockingFinish) OnFinished(out []byte) {
	b.enter()
	defer b.active.Add(-1)
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
	}
	b.recorder.OnFinished(out)
}

func TestWorker_RunEndsAfterEventsDelivered(t *testing.T) {
	f := newFixture(t, 2)
	events := &blockingFinish{entered: make(chan struct{}), release: make(chan struct{})}
	var release sync.Once
	unblock := func() { release.Do(func() { close(events.release) }) }
	t.Cleanup(unblock)

	w, err := NewBuilder().
		WithSourceOpener(f.opener).
		WithDecoder(f.decoder).
		WithDocumentOpener(testutil.FakeDocumentOpener(f.doc)).
		WithProtectionCheck(func(string) (bool, error) { return false, nil }).
		WithListener(events).
		Build()
	require.NoError(t, err)

	first, started, err := w.Start(Request{Path: f.path, Scale: 1})
	require.NoError(t, err)
	require.True(t, started)

	select {
	case <-events.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("OnFinished was not called")
	}

	// Delivery of the first run is still in progress.
	assert.Equal(t, StateRunning, w.State())
	_, ok := first.Outcome()
	assert.False(t, ok)
	again, started, err := w.Start(Request{Path: f.path, Scale: 1})
	require.NoError(t, err)
	assert.False(t, started)
	assert.Same(t, first, again)

	unblock()
	out, err := first.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, StateCompleted, w.State())

	second, started, err := w.Start(Request{Path: f.path, Pages: "2", Scale: 1})
	require.NoError(t, err)
	require.True(t, started)
	_, err = second.Wait(t.Context())
	require.NoError(t, err)

	assert.False(t, events.overlap.Load(), "listener calls overlapped")
	events.mu.Lock()
	defer events.mu.Unlock()
	assert.Equal(t, []State{StateRunning, StateCompleted, StateRunning, StateCompleted}, events.states)
	assert.Equal(t, 2, events.calls)
	assert.Equal(t, []string{
		"Processing pages: 1, 2", "Page 1: QR 0", "Page 2: QR 0", "Done: 0 QR codes",
		"Processing pages: 2", "Page 2: QR 0", "Done: 0 QR codes",
	}, events.logs)
}

func TestWorker_StateNotBlockedByStart(t *testing.T) {
	f := newFixture(t, 1)
	entered := make(chan struct{})
	hold := make(chan struct{})
	var release sync.Once
	unblock := func() { release.Do(func() { close(hold) }) }
	t.Cleanup(unblock)

	w, err := NewBuilder().
		WithSourceOpener(f.opener).
		WithDecoder(f.decoder).
		WithDocumentOpener(testutil.FakeDocumentOpener(f.doc)).
		WithProtectionCheck(func(string) (bool, error) {
			close(entered)
			<-hold
			return false, nil
		}).
		WithListener(f.events).
		Build()
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() {
		_, _, err := w.Start(Request{Path: f.path, Scale: 1})
		started <- err
	}()
	<-entered

	// Start is parked in the protection check; the accessors must not wait on it.
	queried := make(chan struct{})
	go func() {
		defer close(queried)
		assert.Equal(t, StateIdle, w.State())
		assert.Nil(t, w.Current())
		w.Cancel()
	}()
	select {
	case <-queried:
	case <-time.After(2 * time.Second):
		t.Fatal("State, Current or Cancel blocked on a pending Start")
	}

	unblock()
	require.NoError(t, <-started)
	job := w.Current()
	require.NotNil(t, job)
	out, err := job.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
}

func TestWorker_PageHook(t *testing.T) {
	f := newFixture(t, 2)
	var seen []int
	w, err := NewBuilder().
		WithSourceOpener(f.opener).
		WithDecoder(f.decoder).
		WithDocumentOpener(testutil.FakeDocumentOpener(f.doc)).
		WithProtectionCheck(func(string) (bool, error) { return false, nil }).
		WithPageHook(func(pr PageResult, img image.Image) {
			seen = append(seen, pr.PageIndex)
			assert.NotNil(t, img)
		}).
		Build()
	require.NoError(t, err)

	job, _, err := w.Start(Request{Path: f.path, Scale: 1})
	require.NoError(t, err)
	_, err = job.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, seen)
}

func TestJob_OutcomeBeforeDone(t *testing.T) {
	f := newFixture(t, 1)
	release := make(chan struct{})
	f.src.BeforeRender = func(int) { <-release }

	job, _, err := f.worker.Start(Request{Path: f.path, Scale: 1})
	require.NoError(t, err)
	_, ok := job.Outcome()
	assert.False(t, ok)
	assert.Equal(t, []int{0}, job.Pages())

	close(release)
	<-job.Done()
	out, ok := job.Outcome()
	assert.True(t, ok)
	assert.Equal(t, StateCompleted, out.State)
}

// TestWorker_RealBackends runs a document with a drawn QR code through the
// MuPDF rasterizer, the gozxing decoder and the pdfcpu writer.
func TestWorker_RealBackends(t *testing.T) {
	data, err := testutil.BuildPDF([]testutil.PageSpec{
		{Width: 400, Height: 400},
		{Width: 400, Height: 400, Codes: []testutil.QRPlacement{{Text: "https://example.com/e2e", X: 100, Y: 120, Size: 160}}},
	})
	require.NoError(t, err)
	path := testutil.WriteTempFile(t, "codes.pdf", data)

	w, err := NewBuilder().Build()
	require.NoError(t, err)
	job, started, err := w.Start(Request{Path: path, Scale: 3})
	require.NoError(t, err)
	require.True(t, started)

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()
	out, err := job.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, out.State, "error: %v", out.Err)

	require.Len(t, out.Result.Pages[1].Detections, 1)
	assert.Empty(t, out.Result.Pages[0].Detections)
	require.Len(t, out.Export.Callouts, 1)
	callout := out.Export.Callouts[0]
	assert.Equal(t, "https://example.com/e2e", callout.Text)
	assert.Equal(t, "https://example.com/e2e", callout.Plan.URI)

	// The envelope is centred on the drawn symbol, in document units.
	center := callout.Plan.Envelope.Center()
	assert.InDelta(t, 180, center.X, 8)
	assert.InDelta(t, 200, center.Y, 8)
	assert.Greater(t, callout.Plan.Envelope.Width(), 100.0)
	assert.Equal(t, 1, out.Export.SummaryPages)

	doc, err := pdf.Open(out.Output)
	require.NoError(t, err)
	assert.Equal(t, 3, doc.PageCount())
}

// TestWorker_RealBackendsRotatedPage checks that detections on a page with
// /Rotate 90 are reported and annotated in displayed coordinates.
func TestWorker_RealBackendsRotatedPage(t *testing.T) {
	data, err := testutil.BuildPDF([]testutil.PageSpec{
		{Width: 400, Height: 600, Rotate: 90, Codes: []testutil.QRPlacement{{Text: "https://example.com/turned", X: 300, Y: 120, Size: 160}}},
	})
	require.NoError(t, err)
	path := testutil.WriteTempFile(t, "rotated.pdf", data)

	w, err := NewBuilder().WithSummary(false).Build()
	require.NoError(t, err)
	job, started, err := w.Start(Request{Path: path, Scale: 3})
	require.NoError(t, err)
	require.True(t, started)

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()
	out, err := job.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, out.State, "error: %v", out.Err)

	require.Len(t, out.Export.Callouts, 1)
	callout := out.Export.Callouts[0]
	assert.Equal(t, "https://example.com/turned", callout.Text)
	center := callout.Plan.Envelope.Center()
	assert.InDelta(t, 380, center.X, 8)
	assert.InDelta(t, 200, center.Y, 8)

	doc, err := pdf.Open(out.Output)
	require.NoError(t, err)
	pw, ph, err := doc.PageSize(0)
	require.NoError(t, err)
	assert.InDelta(t, 600, pw, 1e-9)
	assert.InDelta(t, 400, ph, 1e-9)
	assert.LessOrEqual(t, callout.Plan.Envelope.X1, pw)
}

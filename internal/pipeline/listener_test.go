package pipeline

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpListener(t *testing.T) {
	// Should not panic or cause issues
	l := NoOpListener{}
	l.OnStatusChange(StateRunning)
	l.OnProgress(50)
	l.OnLog("line")
	l.OnFinished(nil)
}

func TestListenerFuncs(t *testing.T) {
	var got []string
	l := ListenerFuncs{Log: func(line string) { got = append(got, line) }}
	l.OnLog("a")
	l.OnProgress(10)
	l.OnStatusChange(StateRunning)
	l.OnFinished([]byte("x"))
	assert.Equal(t, []string{"a"}, got)
}

func TestConsoleListener(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleListener(&buf, "Test: ").WithUpdateInterval(0)

	l.OnStatusChange(StateRunning)
	assert.Contains(t, buf.String(), "Test: [")
	assert.Contains(t, buf.String(), "0.0%")

	buf.Reset()
	l.OnProgress(50)
	assert.Contains(t, buf.String(), "50.0%")

	buf.Reset()
	l.OnLog("Page 1: QR 2")
	assert.Contains(t, buf.String(), "Test: Page 1: QR 2\n")

	buf.Reset()
	l.OnStatusChange(StateCompleted)
	assert.Contains(t, buf.String(), "Test: Completed in")
}

func TestConsoleListener_WithOptions(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleListener(&buf, "").
		WithWidth(10).
		WithUpdateInterval(time.Millisecond).
		WithOptions(false, true)

	l.OnStatusChange(StateRunning)
	time.Sleep(5 * time.Millisecond)

	buf.Reset()
	l.OnProgress(50)
	out := buf.String()
	assert.Contains(t, out, strings.Repeat("█", 5)+strings.Repeat("░", 5))
	assert.Contains(t, out, "ETA:")

	buf.Reset()
	l.OnLog("hidden")
	assert.Empty(t, buf.String())
}

func TestConsoleListener_UpdateThrottling(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleListener(&buf, "").WithUpdateInterval(time.Hour)
	l.OnStatusChange(StateRunning)

	buf.Reset()
	l.OnProgress(10)
	assert.NotEmpty(t, buf.String())

	buf.Reset()
	l.OnProgress(20)
	assert.Empty(t, buf.String(), "second update inside the interval is dropped")

	l.OnProgress(100)
	assert.Contains(t, buf.String(), "100.0%")
}

func TestLogListener(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	l := NewLogListener(logger, slog.LevelInfo, "qr: ").WithStep(25)

	l.OnStatusChange(StateRunning)
	l.OnProgress(10)
	l.OnProgress(20)
	l.OnProgress(40)
	l.OnProgress(100)
	l.OnLog("Page 1: QR 0")
	l.OnFinished([]byte("pdf"))
	l.OnStatusChange(StateFailed)

	out := buf.String()
	assert.Contains(t, out, "qr: Run started")
	assert.Equal(t, 3, strings.Count(out, "Progress update"), "10, 40 and 100 are logged; 20 is inside the step")
	assert.Contains(t, out, "qr: Page 1: QR 0")
	assert.Contains(t, out, "bytes=3")
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "state=failed")
}

func TestMultiListener(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := NewMultiListener(a, nil)
	m.Add(b)

	m.OnStatusChange(StateRunning)
	m.OnProgress(50)
	m.OnLog("x")
	m.OnFinished(nil)

	for _, r := range []*recorder{a, b} {
		assert.Equal(t, []State{StateRunning}, r.states)
		assert.Equal(t, []float64{50}, r.progress)
		assert.Equal(t, []string{"x"}, r.logs)
		assert.Equal(t, 1, r.calls)
	}
}

func TestThrottledListener(t *testing.T) {
	r := &recorder{}
	l := NewThrottledListener(r, time.Hour)

	l.OnStatusChange(StateRunning)
	l.OnProgress(10)
	l.OnProgress(20)
	l.OnProgress(100)
	assert.Equal(t, []float64{10, 100}, r.progress)

	// A new run resets the throttle.
	l.OnStatusChange(StateRunning)
	l.OnProgress(5)
	assert.Equal(t, []float64{10, 100, 5}, r.progress)
}

func TestMailbox_DeliversInOrder(t *testing.T) {
	r := &recorder{}
	box := newMailbox(r)
	for i := 1; i <= 100; i++ {
		box.post(event{kind: eventProgress, percent: float64(i)})
	}
	box.post(event{kind: eventFinished})
	box.close()
	<-box.done

	require.Len(t, r.progress, 100)
	for i, p := range r.progress {
		assert.Equal(t, float64(i+1), p)
	}
	assert.Equal(t, 1, r.calls)

	// Posting after close is dropped.
	box.post(event{kind: eventLog, line: "late"})
	assert.Empty(t, r.logs)
}

func TestMailbox_SlowListenerDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	box := newMailbox(ListenerFuncs{Log: func(string) { <-release }})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			box.post(event{kind: eventLog, line: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("post blocked on a slow listener")
	}
	close(release)
	box.close()
	<-box.done
}

func TestState(t *testing.T) {
	assert.Equal(t, "cancelled", StateCancelled.String())
	assert.Equal(t, "Cancelled", StateCancelled.Title())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.False(t, StateIdle.Terminal())

	text, err := StateCompleted.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "completed", string(text))
}

func TestState_JSONRoundTrip(t *testing.T) {
	type envelope struct {
		State State `json:"state"`
	}
	for _, want := range []State{StateIdle, StateRunning, StateCompleted, StateCancelled, StateFailed} {
		t.Run(want.String(), func(t *testing.T) {
			data, err := json.Marshal(envelope{State: want})
			require.NoError(t, err)

			var got envelope
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, want, got.State)
		})
	}

	var bad envelope
	err := json.Unmarshal([]byte(`{"state":"paused"}`), &bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paused")
}

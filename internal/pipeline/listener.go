package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Listener receives run events. Callbacks are invoked from a dispatcher
// goroutine, never from the worker itself, and always in the order the worker
// produced them.
type Listener interface {
	// OnProgress reports the completed share of target pages in [0, 100].
	OnProgress(percent float64)

	// OnLog delivers a human-readable log line.
	OnLog(line string)

	// OnStatusChange is called on every state transition.
	OnStatusChange(state State)

	// OnFinished is called exactly once per run with the output document, or
	// nil when the run was cancelled or failed.
	OnFinished(output []byte)
}

// NoOpListener implements Listener but does nothing.
type NoOpListener struct{}

func (NoOpListener) OnProgress(float64)   {}
func (NoOpListener) OnLog(string)         {}
func (NoOpListener) OnStatusChange(State) {}
func (NoOpListener) OnFinished([]byte)    {}

// ListenerFuncs adapts optional functions to the Listener interface.
type ListenerFuncs struct {
	Progress func(percent float64)
	Log      func(line string)
	Status   func(state State)
	Finished func(output []byte)
}

func (f ListenerFuncs) OnProgress(percent float64) {
	if f.Progress != nil {
		f.Progress(percent)
	}
}

func (f ListenerFuncs) OnLog(line string) {
	if f.Log != nil {
		f.Log(line)
	}
}

func (f ListenerFuncs) OnStatusChange(state State) {
	if f.Status != nil {
		f.Status(state)
	}
}

func (f ListenerFuncs) OnFinished(output []byte) {
	if f.Finished != nil {
		f.Finished(output)
	}
}

// ConsoleListener displays a progress bar on the console.
type ConsoleListener struct {
	writer         io.Writer
	prefix         string
	width          int
	lastUpdate     time.Time
	updateInterval time.Duration
	mutex          sync.Mutex
	startTime      time.Time
	showLog        bool
	showETA        bool
}

// NewConsoleListener creates a new console progress reporter.
func NewConsoleListener(writer io.Writer, prefix string) *ConsoleListener {
	if writer == nil {
		writer = os.Stderr
	}
	return &ConsoleListener{
		writer:         writer,
		prefix:         prefix,
		width:          40,
		updateInterval: 100 * time.Millisecond,
		showLog:        true,
		showETA:        true,
	}
}

// WithWidth sets the progress bar width.
func (c *ConsoleListener) WithWidth(width int) *ConsoleListener {
	c.width = width
	return c
}

// WithUpdateInterval sets how frequently the progress bar updates.
func (c *ConsoleListener) WithUpdateInterval(interval time.Duration) *ConsoleListener {
	c.updateInterval = interval
	return c
}

// WithOptions configures display options.
func (c *ConsoleListener) WithOptions(showLog, showETA bool) *ConsoleListener {
	c.showLog = showLog
	c.showETA = showETA
	return c
}

func (c *ConsoleListener) OnStatusChange(state State) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	switch state {
	case StateRunning:
		c.startTime = time.Now()
		c.lastUpdate = time.Time{}
		_, _ = fmt.Fprintf(c.writer, "%s[%s] 0.0%%", c.prefix, strings.Repeat("░", c.width))
	case StateCompleted, StateCancelled, StateFailed:
		elapsed := time.Since(c.startTime)
		_, _ = fmt.Fprintf(c.writer, "\n%s%s in %v\n", c.prefix, state.Title(), elapsed.Round(time.Millisecond))
	}
}

func (c *ConsoleListener) OnProgress(percent float64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	if now.Sub(c.lastUpdate) < c.updateInterval && percent < 100 {
		return // Don't update too frequently
	}
	c.lastUpdate = now

	c.drawProgressBar(percent, now)
}

func (c *ConsoleListener) OnLog(line string) {
	if !c.showLog {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	// Clear the bar line, print the message, let the next update redraw.
	_, _ = fmt.Fprintf(c.writer, "\r\033[K%s%s\n", c.prefix, line)
}

func (c *ConsoleListener) OnFinished([]byte) {}

func (c *ConsoleListener) drawProgressBar(percent float64, now time.Time) {
	percent = min(max(percent, 0), 100)
	filled := int(float64(c.width) * percent / 100)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", c.width-filled)

	status := fmt.Sprintf("\r%s[%s] %.1f%%", c.prefix, bar, percent)

	elapsed := now.Sub(c.startTime)
	if c.showETA && percent > 0 && percent < 100 && elapsed > 0 {
		eta := time.Duration(float64(elapsed) * (100 - percent) / percent)
		status += fmt.Sprintf(" ETA: %v", eta.Round(time.Second))
	}

	_, _ = fmt.Fprint(c.writer, status)
}

// LogListener logs run events using slog.
type LogListener struct {
	logger    *slog.Logger
	level     slog.Level
	prefix    string
	step      float64 // Log every N percent
	mutex     sync.Mutex
	lastLog   float64
	startTime time.Time
}

// NewLogListener creates a new log-based progress reporter.
func NewLogListener(logger *slog.Logger, level slog.Level, prefix string) *LogListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogListener{
		logger:  logger,
		level:   level,
		prefix:  prefix,
		step:    10, // Log every 10% by default
		lastLog: -1,
	}
}

// WithStep sets how frequently to log progress (every N percent).
func (l *LogListener) WithStep(step float64) *LogListener {
	l.step = step
	return l
}

func (l *LogListener) OnStatusChange(state State) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if state == StateRunning {
		l.startTime = time.Now()
		l.lastLog = -1
		l.logger.Log(nil, l.level, l.prefix+"Run started")
		return
	}
	level := l.level
	if state == StateFailed {
		level = slog.LevelError
	}
	l.logger.Log(nil, level, l.prefix+"Run finished",
		"state", state.String(),
		"elapsed", time.Since(l.startTime).Round(time.Millisecond),
	)
}

func (l *LogListener) OnProgress(percent float64) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.lastLog >= 0 && percent-l.lastLog < l.step && percent < 100 {
		return
	}
	l.lastLog = percent
	l.logger.Log(nil, l.level, l.prefix+"Progress update",
		"percent", fmt.Sprintf("%.1f", percent),
		"elapsed", time.Since(l.startTime).Round(time.Millisecond),
	)
}

func (l *LogListener) OnLog(line string) {
	l.logger.Log(nil, l.level, l.prefix+line)
}

func (l *LogListener) OnFinished(output []byte) {
	if output == nil {
		return
	}
	l.logger.Log(nil, l.level, l.prefix+"Output ready", "bytes", len(output))
}

// MultiListener combines multiple listeners.
type MultiListener struct {
	listeners []Listener
}

// NewMultiListener creates a listener that reports to multiple listeners.
// Nil entries are ignored.
func NewMultiListener(listeners ...Listener) *MultiListener {
	m := &MultiListener{}
	for _, l := range listeners {
		m.Add(l)
	}
	return m
}

// Add adds another listener.
func (m *MultiListener) Add(listener Listener) {
	if listener != nil {
		m.listeners = append(m.listeners, listener)
	}
}

func (m *MultiListener) OnProgress(percent float64) {
	for _, l := range m.listeners {
		l.OnProgress(percent)
	}
}

func (m *MultiListener) OnLog(line string) {
	for _, l := range m.listeners {
		l.OnLog(line)
	}
}

func (m *MultiListener) OnStatusChange(state State) {
	for _, l := range m.listeners {
		l.OnStatusChange(state)
	}
}

func (m *MultiListener) OnFinished(output []byte) {
	for _, l := range m.listeners {
		l.OnFinished(output)
	}
}

// ThrottledListener wraps another listener and throttles progress updates.
// The final 100% update always passes.
type ThrottledListener struct {
	wrapped     Listener
	minInterval time.Duration
	lastUpdate  time.Time
	mutex       sync.Mutex
}

// NewThrottledListener creates a throttled wrapper around another listener.
func NewThrottledListener(wrapped Listener, minInterval time.Duration) *ThrottledListener {
	return &ThrottledListener{
		wrapped:     wrapped,
		minInterval: minInterval,
	}
}

func (t *ThrottledListener) OnProgress(percent float64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	now := time.Now()
	if percent >= 100 || t.lastUpdate.IsZero() || now.Sub(t.lastUpdate) >= t.minInterval {
		t.lastUpdate = now
		t.wrapped.OnProgress(percent)
	}
}

func (t *ThrottledListener) OnLog(line string) { t.wrapped.OnLog(line) }

func (t *ThrottledListener) OnStatusChange(state State) {
	if state == StateRunning {
		t.mutex.Lock()
		t.lastUpdate = time.Time{}
		t.mutex.Unlock()
	}
	t.wrapped.OnStatusChange(state)
}

func (t *ThrottledListener) OnFinished(output []byte) { t.wrapped.OnFinished(output) }

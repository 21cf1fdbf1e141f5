package pipeline

import "sync"

type eventKind int

const (
	eventProgress eventKind = iota
	eventLog
	eventStatus
	eventFinished
)

type event struct {
	kind    eventKind
	percent float64
	line    string
	state   State
	output  []byte
}

// mailbox queues events from the worker and delivers them to a Listener on
// its own goroutine. Posting never blocks on the listener.
type mailbox struct {
	mu     sync.Mutex
	queue  []event
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newMailbox(l Listener) *mailbox {
	if l == nil {
		l = NoOpListener{}
	}
	m := &mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.dispatch(l)
	return m
}

func (m *mailbox) post(e event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, e)
	m.mu.Unlock()
	m.wake()
}

// close stops the mailbox once every queued event has been delivered.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) dispatch(l Listener) {
	defer close(m.done)
	for range m.notify {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		closed := m.closed
		m.mu.Unlock()

		for _, e := range batch {
			deliver(l, e)
		}
		if closed {
			return
		}
	}
}

func deliver(l Listener, e event) {
	switch e.kind {
	case eventProgress:
		l.OnProgress(e.percent)
	case eventLog:
		l.OnLog(e.line)
	case eventStatus:
		l.OnStatusChange(e.state)
	case eventFinished:
		l.OnFinished(e.output)
	}
}

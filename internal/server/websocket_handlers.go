package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MeKo-Tech/qranno/internal/pipeline"
	"github.com/gorilla/websocket"
)

const (
	subscriberBuffer = 64
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
	writeWait        = 10 * time.Second
)

// WebSocketMessage represents a message sent over WebSocket.
type WebSocketMessage struct {
	Type    string      `json:"type"` // status, progress, log, finished
	Payload interface{} `json:"payload,omitempty"`
}

type StatusPayload struct {
	State    pipeline.State `json:"state"`
	Progress float64        `json:"progress"`
}

type ProgressPayload struct {
	Percent float64 `json:"percent"`
}

type LogPayload struct {
	Line string `json:"line"`
}

type FinishedPayload struct {
	Available bool `json:"available"`
	Bytes     int  `json:"bytes"`
}

// WebSocketRequest is a client message; the only supported type is "cancel".
type WebSocketRequest struct {
	Type string `json:"type"`
}

// WebSocketConnWriter is an interface for writing WebSocket messages.
type WebSocketConnWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// hub fans worker events out to websocket subscribers. It is registered as a
// worker listener, so its methods run on the worker's dispatch goroutine.
// Subscribers that fall behind lose messages instead of stalling the others.
type hub struct {
	mu     sync.Mutex
	subs   map[chan WebSocketMessage]struct{}
	state  pipeline.State
	pct    float64
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan WebSocketMessage]struct{})}
}

func (h *hub) OnProgress(percent float64) {
	h.mu.Lock()
	h.pct = percent
	h.mu.Unlock()
	h.broadcast(WebSocketMessage{Type: "progress", Payload: ProgressPayload{Percent: percent}})
}

func (h *hub) OnLog(line string) {
	h.broadcast(WebSocketMessage{Type: "log", Payload: LogPayload{Line: line}})
}

func (h *hub) OnStatusChange(state pipeline.State) {
	h.mu.Lock()
	h.state = state
	if state == pipeline.StateRunning {
		h.pct = 0
	}
	pct := h.pct
	h.mu.Unlock()
	h.broadcast(WebSocketMessage{Type: "status", Payload: StatusPayload{State: state, Progress: pct}})
}

func (h *hub) OnFinished(output []byte) {
	h.broadcast(WebSocketMessage{Type: "finished", Payload: FinishedPayload{Available: output != nil, Bytes: len(output)}})
}

func (h *hub) progress() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pct
}

// snapshot returns the current status as a message.
func (h *hub) snapshot() WebSocketMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return WebSocketMessage{Type: "status", Payload: StatusPayload{State: h.state, Progress: h.pct}}
}

func (h *hub) subscribe() chan WebSocketMessage {
	ch := make(chan WebSocketMessage, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subs[ch] = struct{}{}
	return ch
}

func (h *hub) unsubscribe(ch chan WebSocketMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *hub) broadcast(msg WebSocketMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			websocketMessagesTotal.WithLabelValues("dropped").Inc()
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// eventsHandler streams run events to a websocket client.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	websocketConnections.Inc()
	defer websocketConnections.Dec()

	s.logger.Info("WebSocket connection established", "remote_addr", r.RemoteAddr)

	events := s.hub.subscribe()
	defer s.hub.unsubscribe(events)

	closed := make(chan struct{})
	go s.readWebSocket(conn, closed)

	s.sendWebSocketMessage(conn, s.hub.snapshot())

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !s.sendWebSocketMessage(conn, msg) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// readWebSocket handles client messages until the connection closes.
func (s *Server) readWebSocket(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("WebSocket error", "error", err)
			}
			return
		}
		websocketMessagesTotal.WithLabelValues("received").Inc()
		if messageType == websocket.TextMessage {
			s.handleWebSocketMessage(data)
		}
	}
}

// handleWebSocketMessage applies a client request. Replies travel through
// the hub so that only the writer goroutine touches the connection.
func (s *Server) handleWebSocketMessage(data []byte) {
	var req WebSocketRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Debug("Ignoring malformed websocket message", "error", err)
		return
	}
	switch req.Type {
	case "cancel":
		if s.worker.State() == pipeline.StateRunning {
			s.worker.Cancel()
			s.hub.OnLog("Cancellation requested")
		}
	default:
		s.logger.Debug("Ignoring websocket message", "type", req.Type)
	}
}

// sendWebSocketMessage writes msg and reports whether the connection is usable.
func (s *Server) sendWebSocketMessage(conn WebSocketConnWriter, msg WebSocketMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal WebSocket message", "error", err)
		return true
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("Failed to send WebSocket message", "error", err)
		return false
	}
	websocketMessagesTotal.WithLabelValues("sent").Inc()
	return true
}

package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/MeKo-Tech/qranno/internal/pipeline"
	"github.com/MeKo-Tech/qranno/internal/report"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes one worker over HTTP. At most one run is in flight; a new
// upload while a run is active is rejected without side effects.
type Server struct {
	worker       *pipeline.Worker
	hub          *hub
	upgrader     websocket.Upgrader
	corsOrigin   string
	maxUploadMB  int64
	runTimeout   time.Duration
	scale        float64
	pages        string
	reportFormat string
	uploadDir    string
	logger       *slog.Logger

	mu       sync.Mutex
	current  *upload
	tracking sync.WaitGroup
}

// upload ties a job to the file it was started on.
type upload struct {
	job  *pipeline.Job
	name string // client file name
	path string // temporary copy on disk
}

// Config holds server configuration.
type Config struct {
	Host         string
	Port         int
	CORSOrigin   string
	MaxUploadMB  int64
	RunTimeout   time.Duration
	Scale        float64
	Pages        string
	ReportFormat string
	// UploadDir receives temporary upload copies; empty uses the OS default.
	UploadDir string
	Logger    *slog.Logger
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Response types for API endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	State   string `json:"state"`
	Time    string `json:"time"`
}

type JobResponse struct {
	Success bool           `json:"success"`
	Started bool           `json:"started"`
	State   pipeline.State `json:"state"`
	File    string         `json:"file,omitempty"`
	Pages   []int          `json:"pages,omitempty"`
	Message string         `json:"message,omitempty"`
}

type StatusResponse struct {
	State      pipeline.State `json:"state"`
	File       string         `json:"file,omitempty"`
	Pages      []int          `json:"pages,omitempty"`
	Progress   float64        `json:"progress"`
	Processed  int            `json:"processed"`
	Detections int            `json:"detections"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
}

type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type,omitempty"`
}

// NewServer builds the worker from builder, subscribing the server's event
// hub next to any listener already configured. A nil builder uses defaults.
func NewServer(config Config, builder *pipeline.Builder) (*Server, error) {
	if builder == nil {
		builder = pipeline.NewBuilder()
	}
	if config.MaxUploadMB <= 0 {
		return nil, fmt.Errorf("invalid max upload size: %d", config.MaxUploadMB)
	}
	if config.Scale <= 0 {
		config.Scale = pipeline.DefaultScale
	}
	if config.ReportFormat == "" {
		config.ReportFormat = report.FormatJSON
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := newHub()
	worker, err := builder.WithListener(pipeline.NewMultiListener(h, builder.Listener())).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build worker: %w", err)
	}

	s := &Server{
		worker:       worker,
		hub:          h,
		corsOrigin:   config.CORSOrigin,
		maxUploadMB:  config.MaxUploadMB,
		runTimeout:   config.RunTimeout,
		scale:        config.Scale,
		pages:        config.Pages,
		reportFormat: config.ReportFormat,
		uploadDir:    config.UploadDir,
		logger:       logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Close cancels a running job, waits for its temporary file to be removed
// and disconnects event subscribers.
func (s *Server) Close() error {
	s.worker.Cancel()
	s.tracking.Wait()
	s.hub.close()
	return nil
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.corsMiddleware(s.healthHandler))
	mux.HandleFunc("/jobs", s.corsMiddleware(s.createJobHandler))
	mux.HandleFunc("/jobs/cancel", s.corsMiddleware(s.cancelHandler))
	mux.HandleFunc("/jobs/status", s.corsMiddleware(s.statusHandler))
	mux.HandleFunc("/jobs/result", s.corsMiddleware(s.resultHandler))
	mux.HandleFunc("/jobs/report", s.corsMiddleware(s.reportHandler))
	mux.HandleFunc("/jobs/events", s.eventsHandler)
	mux.Handle("/metrics", promhttp.Handler())
}

// Handler returns a mux with all routes installed.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}

func (s *Server) currentUpload() *upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// removeUpload deletes the temporary copy of an upload.
func (s *Server) removeUpload(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("Failed to remove upload", "path", path, "error", err)
	}
}

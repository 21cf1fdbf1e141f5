package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/qranno/internal/pipeline"
	"github.com/MeKo-Tech/qranno/internal/report"
	"github.com/MeKo-Tech/qranno/internal/version"
)

// healthHandler returns server health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:  "healthy",
		Version: version.Version,
		State:   s.worker.State().String(),
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	s.writeJSON(w, http.StatusOK, response)
}

// createJobHandler stores the uploaded PDF and starts a run on it.
func (s *Server) createJobHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := s.maxUploadMB * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "too large") {
			s.writeErrorResponse(w, "File too large", "too_large", http.StatusRequestEntityTooLarge)
		} else {
			s.writeErrorResponse(w, "Failed to parse form data", "invalid_request", http.StatusBadRequest)
		}
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeErrorResponse(w, "No PDF file provided", "invalid_request", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()
	uploadSizeBytes.Observe(float64(header.Size))

	scale := s.scale
	if v := r.FormValue("scale"); v != "" {
		scale, err = strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeErrorResponse(w, "Invalid scale: "+v, "invalid_input", http.StatusBadRequest)
			return
		}
	}
	pages := r.FormValue("pages")
	if pages == "" {
		pages = s.pages
	}

	path, err := s.saveUpload(file)
	if err != nil {
		s.logger.Error("Failed to store upload", "error", err)
		s.writeErrorResponse(w, "Failed to store upload", "internal_error", http.StatusInternalServerError)
		return
	}

	job, started, err := s.worker.Start(pipeline.Request{Path: path, Pages: pages, Scale: scale, Timeout: s.runTimeout})
	if err != nil || !started {
		s.removeUpload(path)
	}
	switch {
	case errors.Is(err, pipeline.ErrPasswordRequired):
		runsTotal.WithLabelValues("rejected").Inc()
		s.writeErrorResponse(w, err.Error(), "password_required", http.StatusUnprocessableEntity)
		return
	case errors.Is(err, pipeline.ErrInvalidInput):
		runsTotal.WithLabelValues("rejected").Inc()
		s.writeErrorResponse(w, err.Error(), "invalid_input", http.StatusBadRequest)
		return
	case err != nil:
		runsTotal.WithLabelValues("rejected").Inc()
		s.writeErrorResponse(w, err.Error(), "internal_error", http.StatusInternalServerError)
		return
	case !started:
		s.writeJSON(w, http.StatusConflict, JobResponse{
			Success: false,
			Started: false,
			State:   s.worker.State(),
			Message: "a run is already in progress",
		})
		return
	}

	s.mu.Lock()
	s.current = &upload{job: job, name: header.Filename, path: path}
	s.mu.Unlock()
	s.tracking.Add(1)
	go s.track(job, path)

	s.logger.Info("Run started", "file", header.Filename, "client", getClientIP(r), "pages", pages, "scale", scale)
	s.writeJSON(w, http.StatusAccepted, JobResponse{
		Success: true,
		Started: true,
		State:   pipeline.StateRunning,
		File:    header.Filename,
		Pages:   oneBased(job.Pages()),
	})
}

// saveUpload copies the upload to a temporary file and returns its path.
func (s *Server) saveUpload(src io.Reader) (string, error) {
	f, err := os.CreateTemp(s.uploadDir, "qranno-*.pdf")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		s.removeUpload(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		s.removeUpload(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// track waits for job to finish, then removes its upload and records metrics.
func (s *Server) track(job *pipeline.Job, path string) {
	defer s.tracking.Done()
	<-job.Done()
	s.removeUpload(path)

	out, _ := job.Outcome()
	runsTotal.WithLabelValues(out.State.String()).Inc()
	runDuration.Observe(out.Duration.Seconds())
	pagesProcessed.Add(float64(len(out.Result.Pages)))
	codesDetected.Add(float64(out.Result.Detections()))
	s.logger.Info("Run finished", "state", out.State.String(), "duration", out.Duration, "error", out.Err)
}

// cancelHandler requests cancellation of the running job.
func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state := s.worker.State()
	if state != pipeline.StateRunning {
		s.writeJSON(w, http.StatusOK, JobResponse{Success: false, State: state, Message: "no run in progress"})
		return
	}
	s.worker.Cancel()
	s.writeJSON(w, http.StatusAccepted, JobResponse{Success: true, State: state, Message: "cancellation requested"})
}

// statusHandler reports the state of the most recent run.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := StatusResponse{State: s.worker.State(), Progress: s.hub.progress()}
	if up := s.currentUpload(); up != nil {
		resp.File = up.name
		resp.Pages = oneBased(up.job.Pages())
		if out, done := up.job.Outcome(); done {
			resp.State = out.State
			resp.Processed = len(out.Result.Pages)
			resp.Detections = out.Result.Detections()
			resp.DurationMs = out.Duration.Milliseconds()
			if out.Err != nil {
				resp.Error = out.Err.Error()
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// finished returns the completed upload, or writes an error response.
func (s *Server) finished(w http.ResponseWriter) (*upload, pipeline.Outcome, bool) {
	up := s.currentUpload()
	if up == nil {
		s.writeErrorResponse(w, "No run has been started", "not_found", http.StatusNotFound)
		return nil, pipeline.Outcome{}, false
	}
	out, done := up.job.Outcome()
	if !done {
		s.writeErrorResponse(w, "Run in progress", "running", http.StatusConflict)
		return nil, pipeline.Outcome{}, false
	}
	if out.State != pipeline.StateCompleted {
		s.writeErrorResponse(w, fmt.Sprintf("Run %s", out.State), out.State.String(), http.StatusConflict)
		return nil, pipeline.Outcome{}, false
	}
	return up, out, true
}

// resultHandler serves the annotated document of the last completed run.
func (s *Server) resultHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	up, out, ok := s.finished(w)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pipeline.AnnotatedName(up.name)))
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Output)))
	if _, err := w.Write(out.Output); err != nil {
		s.logger.Warn("Failed to write result", "error", err)
	}
}

// reportHandler serves the detection report of the last completed run.
func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = s.reportFormat
	}
	up, out, ok := s.finished(w)
	if !ok {
		return
	}
	body, err := report.Format(report.New(up.name, up.job.Pages(), out.Export), format)
	if err != nil {
		s.writeErrorResponse(w, err.Error(), "invalid_request", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", report.ContentType(format))
	_, _ = io.WriteString(w, body)
}

func oneBased(pages []int) []int {
	out := make([]int, len(pages))
	for i, p := range pages {
		out[i] = p + 1
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

// writeErrorResponse writes a JSON error response.
func (s *Server) writeErrorResponse(w http.ResponseWriter, message, errorType string, statusCode int) {
	s.writeJSON(w, statusCode, ErrorResponse{Success: false, Error: message, ErrorType: errorType})
}

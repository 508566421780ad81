package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/DnyaneshwarWantace/ignite-sub004/internal/config"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/models"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/queue"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/ratelimit"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/telemetry"
)

// Server wires HTTP handlers for the render queue.
type Server struct {
	cfg     config.Config
	queue   *queue.Queue
	limiter *ratelimit.SubmitLimiter
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, q *queue.Queue, limiter *ratelimit.SubmitLimiter) *Server {
	return &Server{
		cfg:     cfg,
		queue:   q,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/render", s.handleSubmit)
	r.Get("/render", s.handleGet)
	r.Put("/render", s.handleDownload)
	return r
}

type submitResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload models.RenderPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.SubmitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	jobID := s.queue.Submit(payload)
	writeJSON(w, http.StatusOK, submitResponse{JobID: jobID, Status: models.StatusPending})
}

// handleGet serves status reads plus the cancel and reset actions, all keyed
// off query parameters to keep the surface a single /render resource.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	jobID := r.URL.Query().Get("jobId")

	switch action {
	case "reset":
		s.queue.Reset()
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
		return
	case "cancel":
		if jobID == "" {
			http.Error(w, "jobId is required", http.StatusBadRequest)
			return
		}
		switch err := s.queue.Cancel(jobID); {
		case errors.Is(err, queue.ErrNotFound):
			http.Error(w, "job not found", http.StatusNotFound)
		case errors.Is(err, queue.ErrInvalidState):
			http.Error(w, "job already finished", http.StatusBadRequest)
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			writeJSON(w, http.StatusOK, map[string]string{"id": jobID, "status": models.StatusCancelled})
		}
		return
	case "":
		if jobID == "" {
			http.Error(w, "jobId is required", http.StatusBadRequest)
			return
		}
		snap, err := s.queue.GetStatus(jobID)
		if errors.Is(err, queue.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	default:
		http.Error(w, fmt.Sprintf("unknown action %q", action), http.StatusBadRequest)
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		http.Error(w, "jobId is required", http.StatusBadRequest)
		return
	}

	data, filename, err := s.queue.Download(jobID)
	if err != nil {
		var backendErr *queue.BackendFailureError
		switch {
		case errors.Is(err, queue.ErrNotFound), errors.Is(err, queue.ErrArtifactMissing):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, queue.ErrInProgress):
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "in_progress"})
		case errors.Is(err, queue.ErrInvalidState):
			http.Error(w, "job was cancelled", http.StatusBadRequest)
		case errors.As(err, &backendErr):
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": backendErr.Message})
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

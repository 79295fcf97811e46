package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vidflow/internal/config"
	"vidflow/internal/jobs"
	"vidflow/internal/logging"
	"vidflow/internal/notify"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodyBytes     = 1 << 20
)

// JobService is the coordinator surface the API exposes.
type JobService interface {
	Submit(ctx context.Context, videoID string, opts jobs.Options) (jobs.Job, error)
	Get(ctx context.Context, id string) (jobs.Job, error)
	List(ctx context.Context, videoID string, limit int) ([]jobs.Job, error)
	Delete(ctx context.Context, id string) error
	DeleteForVideo(ctx context.Context, videoID string) (int, error)
	Cancel(ctx context.Context, id string) (jobs.Job, error)
	Retry(ctx context.Context, id string) (jobs.Job, error)
	AdvanceStage(ctx context.Context, id string, stage jobs.Stage, progress int, status jobs.StageStatus) (jobs.Job, error)
	Depths(ctx context.Context) (map[string]int, error)
}

// Sweeper removes expired jobs on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// EventSource hands out bus subscriptions for the SSE stream.
type EventSource interface {
	Subscribe(topic string) *notify.Subscription
}

// HealthChecker reports whether the job database is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Deps groups the collaborators behind the HTTP handlers. Sweeper, Events
// and Health are optional; their routes answer 503 when unset.
type Deps struct {
	Jobs    JobService
	Sweeper Sweeper
	Events  EventSource
	Health  HealthChecker
}

// Server serves the job API.
type Server struct {
	cfg       config.API
	deps      Deps
	logger    *slog.Logger
	keepalive time.Duration
	limiter   *rateLimiter
}

type createJobRequest struct {
	VideoID    string `json:"video_id"`
	QueueName  string `json:"queue_name"`
	Priority   int    `json:"priority"`
	MaxRetries *int   `json:"max_retries"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type advanceStageRequest struct {
	Progress int    `json:"progress"`
	Status   string `json:"status"`
}

type listJobsResponse struct {
	Jobs []jobs.Job `json:"jobs"`
}

type queueStatsResponse struct {
	Queues map[string]int `json:"queues"`
}

type sweepResponse struct {
	DeletedJobs int64 `json:"deleted_jobs"`
}

type deleteVideoJobsResponse struct {
	DeletedJobs int `json:"deleted_jobs"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type rateLimitResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
}

func NewServer(cfg config.API, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	keepalive := time.Duration(cfg.SSEKeepaliveSecs) * time.Second
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logging.NewComponentLogger(logger, "api"),
		keepalive: keepalive,
	}
	if cfg.RateLimitPerMinute > 0 {
		s.limiter = newRateLimiter(cfg.RateLimitPerMinute, time.Minute)
	}
	return s
}

// Handler returns the routed handler wrapped in CORS, rate limiting and auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /jobs", s.handleCreateJob)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /jobs/{id}/retry", s.handleRetryJob)
	mux.HandleFunc("POST /jobs/{id}/stages/{stage}", s.handleAdvanceStage)
	mux.HandleFunc("GET /queues", s.handleQueues)
	mux.HandleFunc("POST /admin/sweep", s.handleSweep)
	mux.HandleFunc("GET /videos/{id}/events", s.handleVideoEvents)
	mux.HandleFunc("DELETE /videos/{id}/jobs", s.handleDeleteVideoJobs)

	return corsMiddleware(s.cfg.CORSAllowOrigins, rateLimitMiddleware(s.limiter, authMiddleware(s.cfg.Token, mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(r.Context()); err != nil {
			logging.WarnWithContext(s.logger, "health check failed", "health_check_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check store.dsn and database availability"),
				logging.String(logging.FieldImpact, "load balancers mark this instance unhealthy"),
			)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.VideoID) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "video_id is required", Code: "validation"})
		return
	}
	if req.TTLSeconds < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "ttl_seconds must be >= 0", Code: "validation"})
		return
	}
	j, err := s.deps.Jobs.Submit(r.Context(), req.VideoID, jobs.Options{
		QueueName:  req.QueueName,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	items, err := s.deps.Jobs.List(r.Context(), strings.TrimSpace(r.URL.Query().Get("video_id")), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []jobs.Job{}
	}
	writeJSON(w, http.StatusOK, listJobsResponse{Jobs: items})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Jobs.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Jobs.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Jobs.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handleAdvanceStage(w http.ResponseWriter, r *http.Request) {
	stage, err := jobs.ParseStage(r.PathValue("stage"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req advanceStageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Status == "" {
		req.Status = string(jobs.StageProcessing)
	}
	status, err := jobs.ParseStageStatus(req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	j, err := s.deps.Jobs.AdvanceStage(r.Context(), r.PathValue("id"), stage, req.Progress, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	depths, err := s.deps.Jobs.Depths(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queueStatsResponse{Queues: depths})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "sweeper not configured"})
		return
	}
	n, err := s.deps.Sweeper.Sweep(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{DeletedJobs: n})
}

func (s *Server) handleDeleteVideoJobs(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Jobs.DeleteForVideo(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteVideoJobsResponse{DeletedJobs: n})
}

// writeError maps domain errors onto HTTP statuses. Unclassified errors are
// logged and reported without their message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := jobs.Kind(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		logging.ErrorWithContext(s.logger, "request failed", "api_request_failed",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check store connectivity"),
		)
		writeJSON(w, status, errorResponse{Error: "internal error", Code: kind})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: kind})
}

func statusForKind(kind string) int {
	switch kind {
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "concurrency", "invalid_state", "terminal":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		msg := "invalid json"
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: "validation"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package api exposes the lab's job control surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"detection-lab/internal/config"
	"detection-lab/internal/coordinator"
	labErrors "detection-lab/internal/errors"
	"detection-lab/internal/events"
	"detection-lab/internal/lab"
	"detection-lab/internal/middleware"
	"detection-lab/internal/optimizer"
	"detection-lab/internal/queue"
	"detection-lab/internal/siem"
	"detection-lab/internal/stats"
)

// APIError is the error body of every non-2xx response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Jobs is the simulation job surface.
type Jobs interface {
	Start(req coordinator.Request) (coordinator.Job, error)
	Get(id string) (coordinator.Job, error)
	List() []coordinator.Job
	Cancel(id string) error
	Done(id string) (<-chan struct{}, error)
}

// Streams delivers live job events.
type Streams interface {
	Subscribe(jobID string, buffer int) *events.Subscription
}

// Lab evaluates and tears down the lab.
type Lab interface {
	Evaluate(ctx context.Context, req lab.EvaluateRequest) (lab.Results, error)
	Cleanup(ctx context.Context, force bool) error
}

// Feed serves statistics.
type Feed interface {
	Feed(id string) (stats.FeedUpdate, error)
	Distribution(id string) (map[string]int, error)
}

// Rules reads SIEM detection rules.
type Rules interface {
	ListRules(ctx context.Context) ([]siem.DetectionRule, error)
	GetRule(ctx context.Context, id string) (siem.DetectionRule, error)
}

// Optimizer queues rule optimizations. Result is the last job submitted for
// a rule; Job looks up any job by id.
type Optimizer interface {
	Submit(ruleID string, rule siem.Rule, strategy optimizer.Strategy) (string, error)
	Result(ruleID string) (optimizer.JobResult, bool)
	Job(jobID string) (optimizer.JobResult, bool)
}

// Deps are the server's collaborators. Nil collaborators disable their
// routes with 503.
type Deps struct {
	Jobs      Jobs
	Streams   Streams
	EventsDir string
	Lab       Lab
	Feed      Feed
	Rules     Rules
	Optimizer Optimizer
	Metrics   http.Handler
	Logger    *slog.Logger
	Now       func() time.Time
}

// Server serves the control API.
type Server struct {
	deps      Deps
	labBuffer time.Duration
	wsBuffer  int
	logger    *slog.Logger
	now       func() time.Time
}

// NewServer creates a server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		deps:      deps,
		labBuffer: cfg.Server.LabBuffer,
		wsBuffer:  cfg.Events.SubscriberBuffer,
		logger:    deps.Logger,
		now:       deps.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.labBuffer <= 0 {
		s.labBuffer = 6 * time.Hour
	}
	s.logger = s.logger.With("component", "api")
	return s
}

// RegisterRoutes registers every route on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /v1/jobs/ws", s.handleJobStream)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /v1/jobs/{id}", s.handleCancelJob)
	mux.HandleFunc("GET /v1/jobs/{id}/events", s.handleJobEvents)

	mux.HandleFunc("GET /v1/lab", s.handleLabResults)
	mux.HandleFunc("DELETE /v1/lab", s.handleLabCleanup)

	mux.HandleFunc("GET /v1/feed/statistics/{id}", s.handleStatistic)
	mux.HandleFunc("GET /v1/feed/events", s.handleEventDistribution)

	mux.HandleFunc("GET /v1/autotune/rules", s.handleListRules)
	mux.HandleFunc("GET /v1/autotune/rules/{id}", s.handleGetRule)
	mux.HandleFunc("POST /v1/autotune/rules/{id}/optimize", s.handleOptimize)
	mux.HandleFunc("GET /v1/autotune/rules/{id}/results", s.handleOptimizeResults)
	mux.HandleFunc("GET /v1/autotune/jobs/{id}", s.handleOptimizeJob)
}

// Handler returns the routed handler wrapped in the middleware stack.
func (s *Server) Handler(cfg *config.Config, limiter *middleware.RateLimiter) http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	mws := []middleware.Middleware{
		middleware.Recover(s.logger),
		middleware.Logging(s.logger),
	}
	if limiter != nil {
		mws = append(mws, limiter.Handler)
	}
	mws = append(mws, middleware.APIKey(cfg.Auth))
	return middleware.Chain(mux, mws...)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message, details string) {
	writeJSON(w, status, APIError{Code: code, Message: message, Details: details})
}

// writeError maps err to a status and writes a sanitized body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSONError(w, status, code, http.StatusText(status), labErrors.SafeMessage(err))
}

var (
	errInvalidRequest = errors.New("invalid request")
	errNotFound       = errors.New("not found")
)

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidRequest),
		errors.Is(err, coordinator.ErrUnknownScenario),
		errors.Is(err, coordinator.ErrUnknownTechnique),
		errors.Is(err, coordinator.ErrNoTechniques),
		errors.Is(err, optimizer.ErrUnknownStrategy),
		errors.Is(err, stats.ErrInvalidStatID),
		errors.Is(err, stats.ErrInvalidGraphID):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, errNotFound),
		errors.Is(err, coordinator.ErrJobNotFound),
		errors.Is(err, stats.ErrStatNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, coordinator.ErrJobExists):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrQueueClosed):
		return http.StatusServiceUnavailable, "QUEUE_FULL"
	case errors.Is(err, lab.ErrNotConfigured):
		return http.StatusServiceUnavailable, "NOT_CONFIGURED"
	case errors.Is(err, siem.ErrRateLimitExhausted):
		return http.StatusBadGateway, "UPSTREAM_RATE_LIMITED"
	}
	var apiErr *siem.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusNotFound {
			return http.StatusNotFound, "NOT_FOUND"
		}
		return http.StatusBadGateway, "UPSTREAM_ERROR"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func unavailable(w http.ResponseWriter, what string) {
	writeJSONError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", "service unavailable", what+" is not configured")
}

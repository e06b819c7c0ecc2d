package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/crawl-orchestrator/internal/ops"
	"github.com/JakeFAU/crawl-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
)

// Operations is the management surface the HTTP handlers call into.
type Operations interface {
	CreateJob(ctx context.Context, req ops.CreateJobRequest) (ops.CreateJobSummary, error)
	BulkCreate(ctx context.Context, req ops.BulkCreateRequest) (ops.BulkCreateSummary, error)
	GetJob(ctx context.Context, id string) (crawler.CrawlJob, error)
	Dispatch(ctx context.Context, limit int) (ops.CountSummary, error)
	Process(ctx context.Context, limit int) (orchestrator.ProcessSummary, error)
	RetryStale(ctx context.Context, maxAge time.Duration) (ops.CountSummary, error)
	Purge(ctx context.Context, age time.Duration) (ops.CountSummary, error)
	UpsertSource(ctx context.Context, source crawler.Source) (crawler.Source, error)
	PauseSource(ctx context.Context, sourceID string) (ops.CountSummary, error)
	ResumeSource(ctx context.Context, sourceID string) (ops.CountSummary, error)
	CancelSource(ctx context.Context, sourceID string) (ops.CountSummary, error)
	ScheduleSource(ctx context.Context, sourceID string, frequency crawler.Frequency) (scheduler.ScheduleSummary, error)
	ScheduleAll(ctx context.Context, frequency crawler.Frequency) (scheduler.ScheduleSummary, error)
	AssignTiers(ctx context.Context) (scheduler.ScheduleSummary, error)
	MarkArticlesProcessed(ctx context.Context, ids []string) (ops.CountSummary, error)
	Snapshot(ctx context.Context) (ops.Snapshot, error)
}

// ReadinessCheck reports whether a downstream dependency is reachable.
type ReadinessCheck func(ctx context.Context) error

// Config tunes the HTTP surface.
type Config struct {
	RequestTimeout time.Duration
	AuthEnabled    bool
	APIKey         string
	DispatchLimit  int
	ProcessLimit   int
}

// Server wires HTTP handlers to the management operations.
type Server struct {
	router chi.Router
	ops    Operations
	checks map[string]ReadinessCheck
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(operations Operations, checks map[string]ReadinessCheck, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.DispatchLimit <= 0 {
		cfg.DispatchLimit = crawler.DefaultDispatchBatchLimit
	}
	if cfg.ProcessLimit <= 0 {
		cfg.ProcessLimit = 10
	}
	s := &Server{
		ops:    operations,
		checks: checks,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/stats", s.stats)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Post("/bulk", s.bulkCreate)
			r.Post("/dispatch", s.dispatch)
			r.Post("/process", s.process)
			r.Post("/retry-stale", s.retryStale)
			r.Post("/purge", s.purge)
			r.Get("/{job_id}", s.getJob)
		})
		r.Post("/articles/processed", s.markArticlesProcessed)
		r.Route("/sources", func(r chi.Router) {
			r.Post("/", s.upsertSource)
			r.Post("/schedule-all", s.scheduleAll)
			r.Post("/tiers", s.assignTiers)
			r.Route("/{source_id}", func(r chi.Router) {
				r.Post("/pause", s.pauseSource)
				r.Post("/resume", s.resumeSource)
				r.Post("/cancel", s.cancelSource)
				r.Post("/schedule", s.scheduleSource)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ops.Snapshot(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req ops.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	summary, err := s.ops.CreateJob(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	status := http.StatusCreated
	if !summary.Created {
		status = http.StatusOK
	}
	writeJSON(w, status, summary)
}

func (s *Server) bulkCreate(w http.ResponseWriter, r *http.Request) {
	var req ops.BulkCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	summary, err := s.ops.BulkCreate(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ops.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", s.cfg.DispatchLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.ops.Dispatch(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) process(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", s.cfg.ProcessLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.ops.Process(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type markProcessedRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) markArticlesProcessed(w http.ResponseWriter, r *http.Request) {
	var req markProcessedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	summary, err := s.ops.MarkArticlesProcessed(r.Context(), req.IDs)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) retryStale(w http.ResponseWriter, r *http.Request) {
	maxAge, err := durationParam(r, "max_age")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.ops.RetryStale(r.Context(), maxAge)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) purge(w http.ResponseWriter, r *http.Request) {
	age, err := durationParam(r, "older_than")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.ops.Purge(r.Context(), age)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) upsertSource(w http.ResponseWriter, r *http.Request) {
	var src crawler.Source
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	saved, err := s.ops.UpsertSource(r.Context(), src)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) pauseSource(w http.ResponseWriter, r *http.Request) {
	s.sourceCount(w, r, s.ops.PauseSource)
}

func (s *Server) resumeSource(w http.ResponseWriter, r *http.Request) {
	s.sourceCount(w, r, s.ops.ResumeSource)
}

func (s *Server) cancelSource(w http.ResponseWriter, r *http.Request) {
	s.sourceCount(w, r, s.ops.CancelSource)
}

func (s *Server) sourceCount(
	w http.ResponseWriter,
	r *http.Request,
	op func(context.Context, string) (ops.CountSummary, error),
) {
	summary, err := op(r.Context(), chi.URLParam(r, "source_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) scheduleSource(w http.ResponseWriter, r *http.Request) {
	freq, err := frequencyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.ops.ScheduleSource(r.Context(), chi.URLParam(r, "source_id"), freq)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) scheduleAll(w http.ResponseWriter, r *http.Request) {
	freq, err := frequencyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.ops.ScheduleAll(r.Context(), freq)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) assignTiers(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ops.AssignTiers(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, crawler.ErrJobNotFound), errors.Is(err, crawler.ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawler.ErrInvalidArgument), errors.Is(err, crawler.ErrInvalidMetadata):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrInvalidTransition), errors.Is(err, crawler.ErrClaimConflict):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return v, nil
}

// durationParam returns zero when the parameter is absent so the service default applies.
func durationParam(r *http.Request, name string) (time.Duration, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration", name)
	}
	return d, nil
}

func frequencyParam(r *http.Request) (crawler.Frequency, error) {
	raw := r.URL.Query().Get("frequency")
	if raw == "" {
		return crawler.FrequencyDaily, nil
	}
	freq, err := crawler.ParseFrequency(raw)
	if err != nil {
		return "", fmt.Errorf("parse frequency: %w", err)
	}
	return freq, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck // client went away
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

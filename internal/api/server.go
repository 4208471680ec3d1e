// Package api exposes the HTTP interface for the enhancement service.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-enhancer/internal/article"
	"github.com/JakeFAU/article-enhancer/internal/breaker"
	"github.com/JakeFAU/article-enhancer/internal/config"
	"github.com/JakeFAU/article-enhancer/internal/enhancer"
	"github.com/JakeFAU/article-enhancer/internal/metrics"
	"github.com/JakeFAU/article-enhancer/internal/queue"
)

// Enhancements is the service surface the handlers drive.
type Enhancements interface {
	EnqueueEnhancement(ctx context.Context, articleID string) (string, error)
	EnqueueBatch(ctx context.Context, articleIDs []string) (enhancer.BatchResult, error)
	EnqueuePending(ctx context.Context, limit int) ([]string, error)
	GetJobStats(ctx context.Context) (enhancer.JobStats, error)
	GetArticleEnhancementState(ctx context.Context, articleID string) (article.EnhancementState, error)
	Retry(ctx context.Context, articleID string) (string, error)
	Revert(ctx context.Context, articleID string) error
	RevertAll(ctx context.Context) (int, error)
	FailedJobs(ctx context.Context, limit int) ([]queue.Job, error)
}

// Breakers lists dependency breaker states.
type Breakers interface {
	Snapshots() []breaker.Snapshot
}

// ReadyFunc reports whether a downstream dependency is usable.
type ReadyFunc func(ctx context.Context) error

// Deps groups the collaborators a Server needs. Breakers and Ready may be nil.
type Deps struct {
	Service  Enhancements
	Breakers Breakers
	Ready    map[string]ReadyFunc
}

const (
	requestTimeout    = 60 * time.Second
	readyTimeout      = 2 * time.Second
	defaultFailedJobs = 50
	maxBatchIDs       = 100
)

// Server wires HTTP handlers to the enhancement service.
type Server struct {
	router   chi.Router
	service  Enhancements
	breakers Breakers
	ready    map[string]ReadyFunc
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service:  deps.Service,
		breakers: deps.Breakers,
		ready:    deps.Ready,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/enhance", s.enhanceBatch)
		r.Post("/enhance-all", s.enhanceAll)
		r.Post("/revert-all", s.revertAll)
		r.Route("/articles/{id}", func(r chi.Router) {
			r.Post("/enhance", s.enhanceArticle)
			r.Get("/enhancement", s.enhancementState)
			r.Post("/retry", s.retryArticle)
			r.Post("/revert", s.revertArticle)
		})
		r.Get("/queue/stats", s.queueStats)
		r.Get("/queue/failed", s.failedJobs)
		r.Get("/breakers", s.breakerStates)
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
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	failing := map[string]string{}
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failing", failing))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failing": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) enhanceArticle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	jobID, err := s.service.EnqueueEnhancement(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"articleId": id, "jobId": jobID})
}

type batchRequest struct {
	ArticleIDs []string `json:"articleIds"`
}

func (s *Server) enhanceBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.ArticleIDs) == 0 {
		writeError(w, http.StatusBadRequest, "articleIds required")
		return
	}
	if len(req.ArticleIDs) > maxBatchIDs {
		writeError(w, http.StatusBadRequest, "too many articleIds")
		return
	}
	result, err := s.service.EnqueueBatch(r.Context(), req.ArticleIDs)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) enhanceAll(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, 0)
	if !ok {
		return
	}
	jobIDs, err := s.service.EnqueuePending(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobIds": jobIDs, "count": len(jobIDs)})
}

func (s *Server) enhancementState(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.GetArticleEnhancementState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) retryArticle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	jobID, err := s.service.Retry(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"articleId": id, "jobId": jobID})
}

func (s *Server) revertArticle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.service.Revert(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"articleId": id, "status": string(article.StatusPending)})
}

func (s *Server) revertAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.service.RevertAll(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reverted": n})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.GetJobStats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) failedJobs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultFailedJobs)
	if !ok {
		return
	}
	jobs, err := s.service.FailedJobs(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) breakerStates(w http.ResponseWriter, _ *http.Request) {
	snapshots := []breaker.Snapshot{}
	if s.breakers != nil {
		snapshots = append(snapshots, s.breakers.Snapshots()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": snapshots})
}

func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return limit, true
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, article.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, article.ErrConflict), errors.Is(err, article.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Info("request completed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
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
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

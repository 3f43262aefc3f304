// Package api exposes the HTTP interface of the scraping service: the
// streaming and blocking search endpoints, stored-announcement reads and
// the operator surface (status, proxy reset, health, metrics).
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loopdesk/poit-crawler/internal/metrics"
	"github.com/loopdesk/poit-crawler/internal/poit"
	"github.com/loopdesk/poit-crawler/internal/progress"
	"github.com/loopdesk/poit-crawler/internal/progress/sinks"
	"github.com/loopdesk/poit-crawler/internal/proxy"
)

const (
	defaultRequestTimeout = 10 * time.Minute
	readTimeout           = 3 * time.Second
)

// SearchRunner executes one search end to end, reporting progress on the
// emitter. *crawler.Crawler satisfies it.
type SearchRunner interface {
	Run(ctx context.Context, req poit.SearchRequest, emitter progress.Emitter) (poit.Summary, []poit.Announcement, error)
}

// AnnouncementReader serves stored announcements. *store.AnnouncementStore
// satisfies it; a nil reader turns the read endpoints into 503s.
type AnnouncementReader interface {
	Recent(ctx context.Context, limit int) ([]poit.Announcement, error)
	ListByOrgNumber(ctx context.Context, orgNumber string) ([]poit.Announcement, error)
}

// ProxyAdmin exposes the operator controls of the proxy pool. *proxy.Pool
// satisfies it.
type ProxyAdmin interface {
	Reset()
	Snapshot() proxy.Status
}

// BalanceChecker reports the CAPTCHA provider account state for the status
// endpoint. *captcha.Solver satisfies it.
type BalanceChecker interface {
	Configured() bool
	Balance(ctx context.Context) (float64, error)
}

// Config tunes the server. RequestTimeout bounds the blocking search
// endpoint; the streaming endpoint manages its own lifetime.
type Config struct {
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the crawler and stores.
type Server struct {
	router  chi.Router
	runner  SearchRunner
	reader  AnnouncementReader
	proxies ProxyAdmin
	balance BalanceChecker
	timeout time.Duration
	logger  *zap.Logger

	// promSink is shared across runs; per-request sinks would collide on
	// collector registration.
	promSink progress.Sink
}

// NewServer constructs a Server with middleware and routes. Any collaborator
// may be nil; the corresponding endpoints answer 503.
func NewServer(runner SearchRunner, reader AnnouncementReader, proxies ProxyAdmin, balance BalanceChecker, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{
		runner:  runner,
		reader:  reader,
		proxies: proxies,
		balance: balance,
		timeout: timeout,
		logger:  logger,
	}
	if sink, err := sinks.NewPrometheusSink(nil); err != nil {
		logger.Warn("progress prometheus sink unavailable", zap.Error(err))
	} else {
		s.promSink = sink
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		// The stream endpoint sits outside the timeout handler:
		// http.TimeoutHandler buffers writes, which would break SSE
		// flushing. Its lifetime is bounded inside the handler instead.
		r.Post("/search/stream", s.searchStream)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			r.Post("/search", s.search)
			r.Get("/announcements", s.recentAnnouncements)
			r.Get("/announcements/org/{orgNumber}", s.announcementsByOrg)
			r.Post("/proxy/reset", s.resetProxies)
			r.Get("/status", s.status)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.runner == nil {
		s.writeError(w, http.StatusServiceUnavailable, "search runner not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
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

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("requestId", requestID(r.Context())),
			zap.Int64("durationMs", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.String("path", r.URL.Path),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// responseWriter records the status code and forwards the streaming
// capabilities of the underlying writer, which SSE depends on.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
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

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

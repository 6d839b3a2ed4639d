// Package server exposes the monitor over a small local HTTP API for status
// bars, scripts and other presentation layers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/olliecrow/quota_monitor/internal/auth"
	"github.com/olliecrow/quota_monitor/internal/history"
	"github.com/olliecrow/quota_monitor/internal/metrics"
	"github.com/olliecrow/quota_monitor/internal/notify"
	"github.com/olliecrow/quota_monitor/internal/schedule"
	"github.com/olliecrow/quota_monitor/internal/usage"
)

// Monitor is what the API needs from the monitor service.
type Monitor interface {
	FetchQuota(ctx context.Context, force bool) (*usage.Snapshot, error)
	CachedQuota() *usage.Snapshot
	LastError() error
	Level() usage.Level
	Trend(lookback time.Duration) (history.Trend, bool)
	EstimateTimeToThreshold(threshold float64) history.Estimate
	HistoryStats(hours float64) history.Stats
	Schedule() schedule.State
	Pause(d time.Duration)
	Resume()
	SetRefreshInterval(d time.Duration) error
	SetAdaptiveEnabled(enabled bool) error
	SetThresholds(warning, critical float64) error
	Thresholds() notify.Thresholds
	UserInfo(ctx context.Context) (*auth.UserInfo, error)
}

const (
	refreshEvery = 10 * time.Second

	readTimeout     = 10 * time.Second
	writeTimeout    = 60 * time.Second
	shutdownTimeout = 5 * time.Second
)

type Server struct {
	monitor Monitor
	logger  *zap.Logger
	limiter *rate.Limiter
}

// New builds the API. Manual refreshes are limited to one per 10 seconds.
func New(m Monitor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		monitor: m,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(refreshEvery), 1),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(jsonRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(metrics.Middleware())

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/quota", s.getQuota)
		r.Post("/quota/refresh", s.refreshQuota)
		r.Get("/trend", s.getTrend)
		r.Get("/estimate", s.getEstimate)
		r.Get("/history/stats", s.getHistoryStats)
		r.Get("/schedule", s.getSchedule)
		r.Post("/pause", s.pause)
		r.Post("/resume", s.resume)
		r.Put("/settings/interval", s.putInterval)
		r.Put("/settings/adaptive", s.putAdaptive)
		r.Put("/settings/thresholds", s.putThresholds)
		r.Get("/user", s.getUser)
	})
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control API listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered", zap.Any("panic", rvr), zap.Stack("stacktrace"))
					writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("request_id", chiMiddleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

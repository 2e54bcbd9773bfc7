// Package api exposes the alert commands and service health over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"
	"github.com/rs/zerolog"

	"spot-alerts/internal/alerts"
	"spot-alerts/internal/domain"
	"spot-alerts/internal/service"
)

// AlertService is the command surface served by the API.
type AlertService interface {
	CreateAlert(ctx context.Context, req alerts.CreateRequest) (int64, error)
	ListAlerts(ctx context.Context, ownerID string, activeOnly bool) ([]domain.Alert, error)
	RemoveAlert(ctx context.Context, ownerID string, alertID int64) error
	RemoveAlertsByPattern(ctx context.Context, ownerID, pattern string) (int64, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StateReporter exposes the poll cycle phase.
type StateReporter interface {
	State() service.State
}

// Options wire the router.
type Options struct {
	Alerts      AlertService
	Pinger      Pinger
	Poller      StateReporter
	Metrics     http.Handler
	CORSOrigins []string
	Logger      zerolog.Logger
}

// NewRouter creates the chi router with middleware and routes.
func NewRouter(opts Options) *chi.Mux {
	r := chi.NewRouter()
	logger := opts.Logger.With().Str("component", "api").Logger()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(logger))
	r.Use(middleware.Recoverer)

	c := corslib.New(corslib.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
	})
	r.Use(c.Handler)

	h := &handler{alerts: opts.Alerts, pinger: opts.Pinger, poller: opts.Poller, logger: logger}

	r.Get("/health", h.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api/v1/owners/{owner}/alerts", func(r chi.Router) {
		r.Post("/", h.createAlert)
		r.Get("/", h.listAlerts)
		r.Delete("/", h.removeAlertsByPattern)
		r.Delete("/{id}", h.removeAlert)
	})

	return r
}

func accessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		})
	}
}

// Package server exposes the ops API, the payout gateway webhook, health and
// metrics over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/config"
)

// Mountable is a feature handler that registers its routes on a subrouter.
type Mountable interface {
	Routes(r chi.Router)
}

// Pinger reports database reachability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers are the feature endpoints served under /api.
type Handlers struct {
	Settings Mountable
	Users    Mountable
	Payouts  Mountable
	Wallets  Mountable
	Bookings Mountable
	Tree     Mountable
	Webhook  http.Handler
}

// Server owns the HTTP listener.
type Server struct {
	http    *http.Server
	limiter *RateLimiter
	cfg     *config.Config
}

// New builds the router and the listener.
func New(cfg *config.Config, db Pinger, h Handlers) *Server {
	limiter := NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	auth := NewAPIKeyAuth(cfg.OpsAPIKeyHash, 10*time.Minute)
	return &Server{
		http: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           NewRouter(db, h, auth, limiter),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.HTTPReadTimeout,
			WriteTimeout:      cfg.HTTPWriteTimeout,
		},
		limiter: limiter,
		cfg:     cfg,
	}
}

// NewRouter wires middleware and routes.
func NewRouter(db Pinger, h Handlers, auth *APIKeyAuth, limiter *RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Instrument)
	r.Use(Recover)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			log.WithError(err).Warn("Health check failed")
			common.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db unavailable"})
			return
		}
		common.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// gateway retries deliveries, so it is neither rate limited nor keyed
	r.Method(http.MethodPost, "/webhooks/razorpayx/payout", h.Webhook)

	r.Route("/api", func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Use(auth.Middleware)
		r.Route("/settings", h.Settings.Routes)
		r.Route("/users", h.Users.Routes)
		r.Route("/payouts", h.Payouts.Routes)
		r.Route("/wallets", h.Wallets.Routes)
		r.Route("/bookings", h.Bookings.Routes)
		r.Route("/tree", h.Tree.Routes)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		common.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", s.http.Addr).Info("HTTP server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.limiter.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTPShutdownTimeout)
	defer cancel()
	defer s.limiter.Close()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("HTTP server stopped")
	return nil
}

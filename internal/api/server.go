package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/flowpbx/transferd/internal/api/middleware"
	"github.com/flowpbx/transferd/internal/config"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	transfers TransferService
	gatherer  prometheus.Gatherer
	cfg       *config.Config
	limiter   *middleware.ClientRateLimiter
	events    http.Handler
	logger    *slog.Logger
	base      *slog.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithEventFeed serves h at /api/v1/events. h is expected to upgrade the
// request to a websocket carrying transfer lifecycle events.
func WithEventFeed(h http.Handler) Option {
	return func(s *Server) { s.events = h }
}

// NewServer creates the HTTP handler with all routes mounted. gatherer may
// be nil, in which case /metrics is not served.
func NewServer(svc TransferService, gatherer prometheus.Gatherer, cfg *config.Config, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		transfers: svc,
		gatherer:  gatherer,
		cfg:       cfg,
		logger:    logger.With("subsystem", "api"),
		base:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.APIRateLimit > 0 {
		rl := middleware.DefaultRateLimitConfig()
		rl.Rate = rate.Limit(cfg.APIRateLimit)
		rl.Burst = 2 * cfg.APIRateLimit
		s.limiter = middleware.NewClientRateLimiter(rl, logger)
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.base))
	r.Use(middleware.Recoverer(s.base))

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(middleware.RateLimit(s.limiter))
		}

		r.Get("/health", s.handleHealth)

		if s.events != nil {
			r.Get("/events", s.events.ServeHTTP)
		}

		r.Route("/transfers", func(r chi.Router) {
			r.Get("/", s.handleListTransfers)
			r.Post("/", s.handleCreateTransfer)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTransfer)
				r.Put("/complete", s.handleCompleteTransfer)
				r.Put("/cancel", s.handleCancelTransfer)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

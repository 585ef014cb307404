package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/rexanwong/textbehindimage/backend/internal/config"
	"github.com/rexanwong/textbehindimage/backend/internal/handlers"
	"github.com/rexanwong/textbehindimage/backend/internal/logging"
	"github.com/rexanwong/textbehindimage/backend/internal/metrics"
	requesttracking "github.com/rexanwong/textbehindimage/backend/internal/middleware"
	"github.com/rexanwong/textbehindimage/backend/internal/worker"
)

// Deps are the collaborators behind the routes. Leave a field nil when the
// backing service is not configured; the affected endpoints answer 503.
type Deps struct {
	Processor handlers.Processor
	Profiles  handlers.ProfileStore
	Events    handlers.EventLog
	Jobs      handlers.JobReader
	DB        handlers.Pinger
	Worker    *worker.Worker

	EventLookup   handlers.EventReader
	ProfileLookup handlers.ProfileReader
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
}

// New constructs an HTTP server using the provided configuration and dependencies.
func New(cfg config.Config, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(logging.RequestLogger)
	router.Use(middleware.Recoverer)
	router.Use(requesttracking.NewRequestTracker().Middleware())

	router.Get("/healthz", handlers.Health(deps.Processor != nil, deps.DB))
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	billingCfg := handlers.BillingConfig{
		Processor:     deps.Processor,
		Profiles:      deps.Profiles,
		Events:        deps.Events,
		WebhookSecret: cfg.StripeWebhookSecret,
		SuccessURL:    cfg.CheckoutSuccessURL,
		CancelURL:     cfg.CheckoutCancelURL,
	}
	var queueStats handlers.QueueStats
	if deps.Worker != nil {
		billingCfg.Jobs = deps.Worker
		queueStats = deps.Worker
	}
	handlers.NewBillingHandler(billingCfg).RegisterRoutes(router)

	router.Group(func(ops chi.Router) {
		ops.Use(requesttracking.RequireBearerToken(cfg.OpsAPIToken))
		handlers.NewJobHandler(deps.Jobs, queueStats).RegisterRoutes(ops)
		handlers.NewLookupHandler(deps.EventLookup, deps.ProfileLookup).RegisterRoutes(ops)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker}
}

// Start starts the worker and serves HTTP traffic until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	if s.worker != nil {
		s.worker.Start(ctx)
	}

	log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.worker != nil {
		if werr := s.worker.Stop(ctx); werr != nil {
			log.Error().Err(werr).Msg("worker shutdown")
		}
	}
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

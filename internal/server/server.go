// Package server assembles the replay backend: a development server that
// implements the chat REST contract and streams recorded transcripts.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/chatstream/internal/config"
	"github.com/capitalize-ai/chatstream/internal/handler"
	"github.com/capitalize-ai/chatstream/internal/middleware"
	"github.com/capitalize-ai/chatstream/internal/recorder"
	"github.com/capitalize-ai/chatstream/internal/service"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

// Options configures the router.
type Options struct {
	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	SubscriptionPlan  string
	FixtureDir        string
	Stream            handler.StreamOptions

	// Store serves `turn:<id>` scenarios. Optional.
	Store  recorder.Store
	Logger *logger.Logger
}

// OptionsFromConfig maps the application config onto router options.
func OptionsFromConfig(cfg *config.Config, store recorder.Store, log *logger.Logger) Options {
	return Options{
		JWTSecret:         cfg.JWTSecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		SubscriptionPlan:  cfg.SubscriptionPlan,
		FixtureDir:        cfg.FixtureDir,
		Stream: handler.StreamOptions{
			ChunkSize:  cfg.ReplayChunkSize,
			ChunkDelay: cfg.ReplayChunkDelay,
		},
		Store:  store,
		Logger: log,
	}
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	log := logger.OrNop(opts.Logger)
	if opts.RateLimitRequests <= 0 {
		opts.RateLimitRequests = 60
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = time.Minute
	}

	sessions := service.NewSessionService(log)
	catalog := service.NewCatalog(opts.FixtureDir, opts.Store, log)

	deps := map[string]handler.Connectivity{}
	if c, ok := opts.Store.(handler.Connectivity); ok {
		deps["recorder"] = c
	}

	healthHandler := handler.NewHealthHandler(deps)
	chatHandler := handler.NewChatHandler(sessions, log)
	messageHandler := handler.NewMessageHandler(sessions, log)
	subscriptionHandler := handler.NewSubscriptionHandler(opts.SubscriptionPlan)
	streamHandler := handler.NewStreamHandler(sessions, catalog, opts.Stream, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(opts.JWTSecret))
		r.Use(middleware.RateLimit(opts.RateLimitRequests, opts.RateLimitWindow))

		r.Get("/subscription", subscriptionHandler.Get)

		r.Route("/chats", func(r chi.Router) {
			r.Post("/", chatHandler.Create)
			r.Get("/", chatHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", chatHandler.Delete)
				r.Get("/messages", messageHandler.List)
				r.Post("/stream", streamHandler.Stream)
			})
		})
	})

	return r
}

// New creates the HTTP server for cfg.
func New(cfg *config.Config, store recorder.Store, log *logger.Logger) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      NewRouter(OptionsFromConfig(cfg, store, log)),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
}

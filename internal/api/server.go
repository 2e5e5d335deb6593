package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/foxzi/smsqueue/internal/config"
	"github.com/foxzi/smsqueue/internal/ipfilter"
	"github.com/foxzi/smsqueue/internal/metrics"
	"github.com/foxzi/smsqueue/internal/models"
	"github.com/foxzi/smsqueue/internal/queue"
	"github.com/foxzi/smsqueue/internal/storage"
)

// Version is reported by the health endpoint
var Version = "dev"

// Engine is the part of the queue service exposed over HTTP
type Engine interface {
	QueueCampaign(ctx context.Context, campaignID string) (*queue.QueueResult, error)
	PauseCampaign(ctx context.Context, campaignID string) (int, error)
	ResumeCampaign(ctx context.Context, campaignID string) (int, error)
	SynchronizeCampaignCounters(ctx context.Context, campaignID string) (*queue.SyncResult, error)
	EnqueueMessage(ctx context.Context, in queue.AdHocMessage) (*models.Message, error)
	ProcessMessage(ctx context.Context, messageID string) (*models.Message, error)
	HandleDeliveryReport(ctx context.Context, report queue.DeliveryReport) (*models.Message, error)
	Stats(ctx context.Context) (*queue.Stats, error)
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	engine     Engine
	store      storage.Store
	config     *config.APIConfig
	apiFilter  *ipfilter.Filter
	dlrFilter  *ipfilter.Filter
	validate   *validator.Validate
	logger     *slog.Logger
	startTime  time.Time
}

// ServerOptions contains the dependencies of the API server
type ServerOptions struct {
	Engine Engine
	Store  storage.Store
	Config *config.APIConfig
	Logger *slog.Logger
}

// NewServer creates a new API server
func NewServer(opts ServerOptions) (*Server, error) {
	apiFilter, err := ipfilter.New(opts.Config.AllowedIPs, opts.Config.TrustProxy, opts.Logger)
	if err != nil {
		return nil, err
	}
	dlrFilter, err := ipfilter.New(opts.Config.DLRAllowedIPs, opts.Config.TrustProxy, opts.Logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:    chi.NewRouter(),
		engine:    opts.Engine,
		store:     opts.Store,
		config:    opts.Config,
		apiFilter: apiFilter,
		dlrFilter: dlrFilter,
		validate:  validator.New(),
		logger:    opts.Logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s, nil
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Provider callbacks authenticate by network, not by API key
		r.With(s.dlrFilter.Middleware).Post("/dlr/{providerId}", s.handleDeliveryReport)

		r.Group(func(r chi.Router) {
			r.Use(s.apiFilter.Middleware)
			r.Use(s.requireAPIKey)

			r.Get("/campaigns/{id}", s.handleGetCampaign)
			r.Get("/campaigns/{id}/messages", s.handleCampaignMessages)
			r.Post("/campaigns/{id}/queue", s.handleQueueCampaign)
			r.Post("/campaigns/{id}/pause", s.handlePauseCampaign)
			r.Post("/campaigns/{id}/resume", s.handleResumeCampaign)
			r.Post("/campaigns/{id}/sync", s.handleSyncCampaign)
			r.Post("/sync", s.handleSyncAll)

			r.Post("/messages", s.handleSendMessage)
			r.Get("/messages/{id}", s.handleGetMessage)
			r.Post("/messages/{id}/process", s.handleProcessMessage)

			r.Get("/queue/stats", s.handleQueueStats)
		})
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"works-matcher/config"
	"works-matcher/matching"
	"works-matcher/web/handlers"
	"works-matcher/web/middleware"
)

// Dependencies are the services the HTTP layer is built on.
type Dependencies struct {
	Pipeline handlers.BatchProcessor
	Batches  handlers.BatchStore
	Matcher  matching.RecordMatcher
	Embedder matching.Embedder
	Catalog  handlers.CatalogAdmin
	Works    handlers.WorkCache
	Backfill handlers.BackfillFunc
	Probes   map[string]handlers.Probe
	Running  *handlers.RunningBatches
}

type Server struct {
	router  *gin.Engine
	deps    Dependencies
	limiter *middleware.ClientRateLimiter
	logger  *zap.Logger
	config  *config.Config
}

func NewServer(deps Dependencies, logger *zap.Logger, cfg *config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		c.Set("logger", logger)
		c.Next()
	})

	if deps.Running == nil {
		deps.Running = handlers.NewRunningBatches()
	}

	server := &Server{
		router: router,
		deps:   deps,
		limiter: middleware.NewClientRateLimiter(middleware.RateLimiterConfig{
			RequestsPerMinute: cfg.RequestsPerMinute,
			BatchesPerHour:    cfg.BatchesPerHour,
			BurstSize:         cfg.RateLimitBurst,
			CleanupInterval:   10 * time.Minute,
		}, logger),
		logger: logger,
		config: cfg,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	batchHandler := handlers.NewBatchHandler(s.deps.Pipeline, s.deps.Batches, s.deps.Running, s.logger)
	matchHandler := handlers.NewMatchHandler(s.deps.Matcher, s.deps.Embedder, s.logger)
	healthHandler := handlers.NewHealthHandler(s.deps.Probes, s.config.HealthProbeTimeout, s.logger)
	worksHandler := handlers.NewWorksHandler(s.deps.Catalog, s.deps.Works, s.deps.Backfill, s.logger)

	requests := middleware.RateLimitMiddleware(s.limiter, middleware.LimitRequest)
	batches := middleware.RateLimitMiddleware(s.limiter, middleware.LimitBatch)

	api := s.router.Group("/api")
	api.GET("/health", healthHandler.Health)
	api.GET("/health/detailed", healthHandler.Detailed)

	api.POST("/batches", batches, batchHandler.Submit)
	api.GET("/batches", requests, batchHandler.List)
	api.GET("/batches/:id", requests, batchHandler.Get)
	api.DELETE("/batches/:id", requests, batchHandler.Cancel)

	api.POST("/match", requests, matchHandler.Match)

	api.POST("/works", requests, worksHandler.Add)
	api.GET("/works/stats", requests, worksHandler.Stats)
	api.POST("/works/embeddings", batches, worksHandler.GenerateEmbeddings)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(ctx context.Context, addr string) error {
	s.logger.Info("Starting web server", zap.String("address", addr))
	defer s.limiter.Stop()

	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Web server failed to start", zap.Error(err))
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	s.logger.Info("Shutting down web server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

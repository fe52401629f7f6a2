// Package server wires the proxy, admin and usage surfaces into one
// HTTP server.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"claudegate/internal/config"
	"claudegate/internal/limits"
	"claudegate/internal/logging"
	"claudegate/internal/observability"
	"claudegate/internal/proxy"
	"claudegate/internal/rewrite"
	"claudegate/internal/store"
)

// Version is the reported service version.
const Version = "1.0.0"

// Server hosts the client proxy plus the admin and usage APIs.
type Server struct {
	config   config.Config
	store    *store.Store
	limits   *limits.Engine
	rewriter *rewrite.Rewriter
	metrics  *observability.MetricsCollector
	tokens   *TokenManager
	logger   *logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	startTime  time.Time
}

// New assembles the server and its routes.
func New(cfg config.Config, s *store.Store, engine *limits.Engine, rewriter *rewrite.Rewriter, proxyHandler *proxy.Handler, metrics *observability.MetricsCollector, logger *logging.Logger) *Server {
	if metrics == nil {
		metrics = &observability.MetricsCollector{}
	}
	logger = logging.OrNop(logger).WithComponent("server")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "x-api-key", "anthropic-version"}
	router.Use(cors.New(corsConfig))

	srv := &Server{
		config:    cfg,
		store:     s,
		limits:    engine,
		rewriter:  rewriter,
		metrics:   metrics,
		tokens:    NewTokenManager(cfg.SecretKey, "claudegate", cfg.AccessTokenTTL()),
		logger:    logger,
		engine:    router,
		startTime: time.Now(),
	}
	srv.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		Handler: router,
	}

	srv.setupRoutes(proxyHandler)
	return srv
}

func (s *Server) setupRoutes(proxyHandler *proxy.Handler) {
	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	proxyHandler.Register(s.engine)

	admin := s.engine.Group("/admin")
	admin.POST("/login", s.handleLogin)

	protected := admin.Group("")
	protected.Use(s.requireAdmin())
	{
		protected.POST("/api-keys", s.handleCreateAPIKey)
		protected.GET("/api-keys", s.handleListAPIKeys)
		protected.PUT("/api-keys/:id", s.handleUpdateAPIKey)
		protected.DELETE("/api-keys/:id", s.handleDeactivateAPIKey)
		protected.POST("/api-keys/:id/regenerate", s.handleRegenerateAPIKey)
		protected.GET("/api-keys/:id/stats", s.handleAPIKeyStats)
		protected.GET("/api-keys/:id/rate-limit-status", s.handleRateLimitStatus)
		protected.GET("/api-keys/:id/cost-limit-status", s.handleCostLimitStatus)
		protected.GET("/api-keys/:id/daily-quota-status", s.handleDailyQuotaStatus)

		protected.GET("/model-swap-config", s.handleGetModelSwapConfig)
		protected.PUT("/model-swap-config", s.handleUpdateModelSwapConfig)

		protected.POST("/backends", s.handleCreateBackend)
		protected.GET("/backends", s.handleListBackends)
		protected.PUT("/backends/:id", s.handleUpdateBackend)
		protected.DELETE("/backends/:id", s.handleDeleteBackend)
		protected.POST("/backends/:id/activate", s.handleActivateBackend)
	}

	usage := s.engine.Group("/usage")
	{
		usage.GET("/summary", s.handleUsageSummary)
		usage.GET("/chart", s.handleOverallChart)
		usage.GET("/stats/:key_id", s.handleUsageStats)
		usage.GET("/records/:key_id", s.handleUsageRecords)
		usage.GET("/chart/:key_id", s.handleKeyChart)
		usage.POST("/aggregate", s.handleAggregate)
	}
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "claudegate",
		"version": Version,
		"status":  "running",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

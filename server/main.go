package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/dental-xray/server/cache"
	"github.com/san-kum/dental-xray/server/config"
	"github.com/san-kum/dental-xray/server/handlers"
	"github.com/san-kum/dental-xray/server/middleware"
	"github.com/san-kum/dental-xray/server/ml"
	"github.com/san-kum/dental-xray/server/models"
	"github.com/san-kum/dental-xray/server/overlap"
	"github.com/san-kum/dental-xray/server/processor"
	"go.uber.org/zap"
)

const serviceName = "dental-xray-analysis"

type Server struct {
	router       *gin.Engine
	logger       *zap.Logger
	orchestrator *processor.Orchestrator
	mlClient     *ml.Client
	cache        cache.Cache
	rateLimiter  *middleware.RateLimiter
	auth         *middleware.AuthMiddleware
	config       *config.Config
}

func main() {
	issueToken := flag.Duration("issue-admin-token", 0, "print an admin token valid for this long and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	if *issueToken > 0 {
		token, err := middleware.NewAuthMiddleware(cfg.Security.AdminSecret, logger).
			GenerateToken("cli", middleware.RoleAdmin, *issueToken)
		if err != nil {
			logger.Fatal("Failed to issue admin token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	server.Shutdown()

	logger.Info("Server exited")
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	for _, dir := range []string{cfg.Storage.UploadsDir, cfg.Storage.ResultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	cacheInstance := cache.NewMemoryCache(cfg.Cache.MaxEntries, cfg.Cache.TTL, logger.Named("cache"))

	mlClient := ml.NewClient(cfg.ML.BaseURL, ml.ClientConfig{
		Timeout:             cfg.ML.Timeout,
		MaxRetries:          cfg.ML.MaxRetries,
		RetryDelay:          cfg.ML.RetryDelay,
		HealthCheckInterval: cfg.ML.HealthCheckInterval,
	}, logger.Named("ml"))
	segmenter := ml.NewCachingSegmenter(mlClient, cacheInstance, logger.Named("ml"))

	orchestrator := processor.NewOrchestrator(processor.Config{
		ResultsDir: cfg.Storage.ResultsDir,
		Overlap: overlap.Options{
			ThresholdPercentage: cfg.Analysis.OverlapThreshold,
			ApicalFraction:      cfg.Analysis.ApicalFraction,
			Decimals:            cfg.Analysis.Decimals,
		},
		AreaScale:      cfg.Analysis.AreaScale,
		LengthScale:    cfg.Analysis.LengthScale,
		DefaultMethod:  models.ReplacementMethod(cfg.Analysis.DefaultMethod),
		MaxInferences:  cfg.Inference.MaxConcurrent,
		QueueSize:      cfg.Inference.QueueSize,
		ShutdownWindow: cfg.Server.ShutdownTimeout,
	}, segmenter, processor.NewRegistry(), logger.Named("orchestrator"))

	rateLimiter := middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)

	authMiddleware := middleware.NewAuthMiddleware(cfg.Security.AdminSecret, logger)

	router := gin.New()

	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))
	router.Use(middleware.InputValidation())
	router.Use(middleware.TimeoutHandler(cfg.Security.RequestTimeout))

	analysisHandler := handlers.NewAnalysisHandler(orchestrator, cfg.Storage.UploadsDir, logger.Named("handlers"))
	analysisHandler.AddStatsSource("rate_limiter", func() any {
		return rateLimiter.GetGlobalStats()
	})
	analysisHandler.AddStatsSource("cache", func() any {
		stats, err := cacheInstance.GetStats(context.Background())
		if err != nil {
			return gin.H{"error": err.Error()}
		}
		return stats
	})
	wsHandler := handlers.NewWebSocketHandler(orchestrator, cfg.Security.AllowedOrigins, 0, logger.Named("websocket"))

	server := &Server{
		router:       router,
		logger:       logger,
		orchestrator: orchestrator,
		mlClient:     mlClient,
		cache:        cacheInstance,
		rateLimiter:  rateLimiter,
		auth:         authMiddleware,
		config:       cfg,
	}
	server.setupRoutes(analysisHandler, wsHandler)

	return server, nil
}

func (s *Server) setupRoutes(analysis *handlers.AnalysisHandler, ws *handlers.WebSocketHandler) {
	health := middleware.HealthCheck(serviceName, s.orchestrator.ActiveTasks)
	polling := s.rateLimiter.RateLimitWithConfig(
		s.config.Security.RateLimitRPS*10,
		s.config.Security.RateLimitBurst*10,
	)

	s.router.GET("/health", health)

	s.router.GET("/ws", s.rateLimiter.RateLimit(), ws.HandleWebSocket)

	api := s.router.Group("/api/v1")
	{
		api.GET("/health", health)

		api.POST("/analyses", s.rateLimiter.RateLimit(), analysis.Submit)

		public := api.Group("/")
		public.Use(polling)
		{
			public.GET("/analyses/:task_id/status", analysis.GetStatus)
			public.GET("/analyses/:task_id/result", analysis.GetResult)
			public.GET("/stats", analysis.GetStats)
		}

		admin := api.Group("/admin")
		admin.Use(middleware.IPWhitelist(s.config.Security.AdminIPs))
		admin.Use(s.auth.RequireAuth())
		admin.Use(s.auth.RequireRole(middleware.RoleAdmin))
		{
			admin.GET("/tasks", analysis.ListTasks)
			admin.DELETE("/tasks/:task_id", analysis.DeleteTask)
		}
	}

	s.router.Static("/results", s.config.Storage.ResultsDir)
}

// Shutdown stops the orchestrator before the segmentation client and cache it
// depends on.
func (s *Server) Shutdown() {
	if err := s.orchestrator.Shutdown(); err != nil {
		s.logger.Error("Failed to shutdown orchestrator", zap.Error(err))
	}

	if err := s.mlClient.Close(); err != nil {
		s.logger.Error("Failed to close ML client", zap.Error(err))
	}

	s.rateLimiter.Shutdown()

	if err := s.cache.Close(); err != nil {
		s.logger.Error("Failed to close cache", zap.Error(err))
	}
}

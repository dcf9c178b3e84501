package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"convopilot-server/internal/channel"
	"convopilot-server/internal/config"
	"convopilot-server/internal/db"
	"convopilot-server/internal/generation"
	"convopilot-server/internal/handlers"
	"convopilot-server/internal/notify"
	"convopilot-server/internal/services"
	"convopilot-server/internal/workers"
	"convopilot-server/pkg/logger"
	"convopilot-server/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// bus is the notification fan-out the pipeline publishes to and the
// websocket stream reads from.
type bus interface {
	notify.Notifier
	notify.Subscriber
}

// Server bundles the HTTP surface and the background pipeline workers.
type Server struct {
	cfg      *config.Config
	http     *http.Server
	database *db.Database

	orchestrator *workers.Orchestrator
	dispatcher   *workers.Dispatcher
	janitor      *workers.Janitor
}

// SetupServer wires the storage, services, workers and routes into a
// runnable server
func SetupServer(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Server.Port <= 0 {
		return nil, errors.New("invalid server port")
	}

	// Initialize database
	database, err := db.NewDatabase(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize repositories
	queueRepo := db.NewQueueRepository(database, cfg.Queue.MaxAttempts, cfg.Queue.BackoffBase)
	messageRepo := db.NewMessageRepository(database)
	contactRepo := db.NewContactRepository(database)
	conversationRepo := db.NewConversationRepository(database)

	var notifier bus
	if cfg.Redis.Addr != "" {
		notifier = notify.NewRedisBus(cfg.Redis.Addr, cfg.Redis.Channel)
	} else {
		notifier = notify.NewMemoryBus()
	}

	// Initialize services
	ingestService, err := services.NewIngestService(contactRepo, conversationRepo, messageRepo, queueRepo, notifier)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ingest service: %w", err)
	}
	conversationService := services.NewConversationService(conversationRepo, messageRepo)
	sendService := services.NewSendService(conversationRepo, messageRepo, queueRepo, notifier)

	backend := generation.NewClient(
		cfg.Generation.BaseURL,
		cfg.Generation.APIKey,
		cfg.Generation.LightModel,
		cfg.Generation.HeavyModel,
		cfg.Generation.Timeout,
	)

	// Initialize workers. Without a channel token the dispatcher has
	// nothing to deliver through and stays off.
	srv := &Server{
		cfg:          cfg,
		database:     database,
		orchestrator: workers.NewOrchestrator(cfg, queueRepo, conversationRepo, messageRepo, backend, nil, notifier),
		janitor:      workers.NewJanitor(cfg, queueRepo),
	}
	if cfg.Telegram.Token != "" {
		adapter, err := channel.NewTelegramAdapter(cfg.Telegram.Token, cfg.Telegram.Debug)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telegram adapter: %w", err)
		}
		srv.dispatcher = workers.NewDispatcher(cfg, queueRepo, messageRepo, conversationRepo, contactRepo, adapter, notifier)
	} else {
		logger.Warn("No telegram token configured, dispatcher disabled")
	}

	// Initialize router
	router := gin.New()
	router.Use(gin.Recovery())
	setupRoutes(router, cfg, ingestService, conversationService, sendService, queueRepo, notifier)

	// Create server with security timeouts
	srv.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

// setupRoutes configures all the HTTP routes
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	ingestService *services.IngestService,
	conversationService *services.ConversationService,
	sendService *services.SendService,
	queueRepo *db.QueueRepository,
	notifier bus,
) {
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.AuditLogMiddleware())
	router.Use(middleware.RequestSizeLimitMiddleware(1 << 20))

	webhookHandler := handlers.NewWebhookHandler(ingestService)
	conversationHandler := handlers.NewConversationHandler(conversationService, sendService)
	queueHandler := handlers.NewQueueHandler(queueRepo)
	streamHandler := handlers.NewStreamHandler(notifier)

	// Public endpoints
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Channel webhook, authenticated by HMAC signature
	router.POST("/webhook/inbound",
		middleware.WebhookSignatureMiddleware(cfg.Webhook.Secret),
		webhookHandler.HandleInbound)

	// Operator API (protected)
	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(cfg))
	{
		protected.GET("/conversations/:id", conversationHandler.GetConversation)
		protected.GET("/conversations/:id/messages", conversationHandler.ListMessages)
		protected.GET("/conversations/:id/mode-log", conversationHandler.GetModeLog)
		protected.POST("/conversations/:id/mode", conversationHandler.SetMode)
		protected.POST("/conversations/:id/messages", conversationHandler.SendMessage)
		protected.GET("/queues/stats", queueHandler.Stats)
		protected.GET("/stream", streamHandler.Stream)
	}
}

// Start runs the server until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.StartWithContext(ctx)
}

// StartWithContext runs the server and workers until ctx is cancelled.
func (s *Server) StartWithContext(ctx context.Context) error {
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(workerCtx)
		}()
	}
	run(s.orchestrator.Run)
	run(s.janitor.Run)
	if s.dispatcher != nil {
		run(s.dispatcher.Run)
	}

	go func() {
		logger.Info("Starting server", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	err := s.http.Shutdown(ctxShutdown)

	// Stop the pipeline after the HTTP surface so in-flight requests can
	// still enqueue work that survives in storage.
	cancelWorkers()
	wg.Wait()

	if closeErr := s.database.Close(); closeErr != nil {
		logger.Error("Failed to close database", zap.Error(closeErr))
	}

	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

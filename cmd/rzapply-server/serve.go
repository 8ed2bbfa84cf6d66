package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rzapply/rzapply/internal/common/config"
	"github.com/rzapply/rzapply/internal/common/httpmw"
	"github.com/rzapply/rzapply/internal/common/logger"
	"github.com/rzapply/rzapply/internal/common/tracing"
	"github.com/rzapply/rzapply/internal/events"
	gateways "github.com/rzapply/rzapply/internal/gateway/websocket"
	"github.com/rzapply/rzapply/internal/orchestrator"
	"github.com/rzapply/rzapply/internal/orchestrator/api"
	"github.com/rzapply/rzapply/internal/storage/objectstore"
	"github.com/rzapply/rzapply/internal/version"
)

const serverName = "rzapply-server"

func runServe() error {
	// 1. Load configuration
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)
	tracing.SetServiceName(serverName)

	log.Info("Starting rzapply coordinator...", zap.String("version", version.Get()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer closeBus()

	// 4. Object storage, optional
	var store api.ArchiveStore
	if cfg.Storage.Enabled() {
		s, err := objectstore.New(ctx, objectstore.Options{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to object storage: %w", err)
		}
		store = s
		log.Info("Object storage ready", zap.String("bucket", s.Bucket()))
	}

	// 5. Coordinator
	service := orchestrator.NewService(orchestrator.ConfigFromSettings(cfg), eventBus, log)
	service.Start()

	// 6. HTTP routes
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.ErrorHandler(log))

	handler := api.NewHandler(service, store, api.Options{
		PublicURL:      cfg.Server.PublicURL,
		PushEnabled:    cfg.Push.Enabled,
		PushPath:       cfg.Push.Path,
		StageUploads:   cfg.Uploads.StageToStorage,
		PresignExpiry:  cfg.Storage.PresignExpiryDuration(),
		MaxUploadBytes: int64(cfg.Uploads.MaxSizeMB) << 20,
	}, log)
	api.SetupRoutes(router, handler, cfg.Auth.Token)

	if cfg.Push.Enabled {
		gateways.SetupRoutes(router, gateways.NewHandler(service, cfg.Auth.Token, log), cfg.Push.Path)
	}
	if cfg.Auth.Token == "" {
		log.Warn("auth.token is empty, the agent API is unauthenticated")
	}

	// 7. HTTP server
	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// Long-polls and push connections outlive a short write timeout.
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		log.Error("HTTP server failed", zap.Error(err))
	}

	log.Info("Shutting down rzapply coordinator...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stopping the service first ends pending long-polls.
	service.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("rzapply coordinator stopped")
	return nil
}

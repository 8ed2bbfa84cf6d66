package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rzapply/rzapply/internal/common/logger"
	"github.com/rzapply/rzapply/internal/common/tracing"
	"github.com/rzapply/rzapply/internal/storage/objectstore"
	"github.com/rzapply/rzapply/internal/version"
	"github.com/rzapply/rzapply/internal/worker"
	"github.com/rzapply/rzapply/internal/worker/config"
	"github.com/rzapply/rzapply/internal/worker/daemon"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in the foreground or under the service manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}
		return m.Run()
	},
}

// newManager loads configuration and wires the agent into a service manager
func newManager() (*daemon.Manager, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)
	tracing.SetServiceName("rzapply-agent")

	arguments := []string{"run"}
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return nil, err
		}
		arguments = append(arguments, "--config", abs)
	}

	m := daemon.NewManager(cfg.Service, arguments, func(ctx context.Context) error {
		defer func() { _ = log.Sync() }()
		defer func() { _ = tracing.Shutdown(context.Background()) }()
		return runAgent(ctx, cfg, log)
	}, log)
	return m, nil
}

func runAgent(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("Starting rzapply agent...",
		zap.String("version", version.Get()),
		zap.String("server", cfg.Server),
		zap.String("transport", cfg.Transport))

	var publisher worker.ArtifactPublisher
	if cfg.Artifacts.Backend == "minio" {
		store, err := objectstore.New(ctx, objectstore.Options{
			Endpoint:  cfg.Artifacts.MinIO.Endpoint,
			AccessKey: cfg.Artifacts.MinIO.AccessKey,
			SecretKey: cfg.Artifacts.MinIO.SecretKey,
			Bucket:    cfg.Artifacts.MinIO.Bucket,
			UseSSL:    cfg.Artifacts.MinIO.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to artifact storage: %w", err)
		}
		publisher = store
		log.Info("Artifacts will be published", zap.String("bucket", store.Bucket()))
	}

	if len(cfg.Uploader.Command) == 0 {
		log.Warn("uploader.command is empty, every task will fail until it is set")
	}
	uploader := worker.NewExecUploader(cfg.Uploader.Command)

	agent, err := worker.New(cfg, uploader, publisher, worker.CollectHostMetadata(ctx), log)
	if err != nil {
		return err
	}
	log.Info("Agent identity loaded", zap.String("client_id", agent.ClientID()))

	err = agent.Run(ctx)
	log.Info("rzapply agent stopped")
	return err
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	"github.com/joho/godotenv"

	"github.com/berth-dev/berth/internal/agent"
	"github.com/berth-dev/berth/internal/artifact"
	"github.com/berth-dev/berth/internal/config"
	"github.com/berth-dev/berth/internal/logger"
	"github.com/berth-dev/berth/internal/logstream"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadAgentConfig()
	log := logger.New("build-agent", slog.LevelInfo)

	if cfg.DeploymentID == "" || cfg.BrokerAddr == "" {
		log.Error("DEPLOYMENT_ID and BROKER_ADDR are required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := logstream.Connect(ctx, cfg.BrokerAddr, "berth-agent-"+cfg.DeploymentID, log)
	if err != nil {
		log.Error("broker connect failed", "error", err, "addr", cfg.BrokerAddr)
		os.Exit(1)
	}

	publisher, err := logstream.NewPublisher(ctx, conn, cfg.LogStreamName, cfg.LogSubjectPrefix, log)
	if err != nil {
		log.Error("failed to configure log publisher", "error", err)
		os.Exit(1)
	}

	store, err := artifact.NewMinioStore(ctx, cfg.StoreEndpoint, cfg.StoreAccessKey, cfg.StoreSecretKey, cfg.StoreBucket, cfg.StoreUseSSL)
	if err != nil {
		log.Error("failed to connect to object store", "error", err, "endpoint", cfg.StoreEndpoint)
		agent.ReportLaunchFailure(ctx, publisher, log, cfg.DeploymentID, "object store unavailable")
		publisher.Close()
		os.Exit(1)
	}

	runErr := agent.New(cfg, publisher, store, log).Run(ctx)

	// Drain before exiting so the terminal status event reaches the broker.
	publisher.Close()

	if runErr != nil {
		log.Error("deployment failed", "deployment_id", cfg.DeploymentID, "error", runErr)
		os.Exit(1)
	}
	log.Info("deployment completed", "deployment_id", cfg.DeploymentID)
}

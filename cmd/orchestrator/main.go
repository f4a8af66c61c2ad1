package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/berth-dev/berth/internal/app/migrate"
	"github.com/berth-dev/berth/internal/config"
	"github.com/berth-dev/berth/internal/docker"
	"github.com/berth-dev/berth/internal/httpapi"
	"github.com/berth-dev/berth/internal/logger"
	"github.com/berth-dev/berth/internal/logs"
	"github.com/berth-dev/berth/internal/logstream"
	"github.com/berth-dev/berth/internal/orchestrator"
	"github.com/berth-dev/berth/internal/repository/postgres"
	"github.com/berth-dev/berth/internal/ws"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadOrchestratorConfig()
	log := logger.New("orchestrator", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	conn, err := logstream.Connect(ctx, cfg.BrokerURL, "berth-orchestrator", log)
	if err != nil {
		log.Error("broker connect failed", "error", err, "url", cfg.BrokerURL)
		os.Exit(1)
	}
	defer conn.Close()

	repo := postgres.New(pool)
	logHub := ws.NewHub()
	logSvc := logs.New(repo, logHub, log)

	ingestor, err := logstream.NewIngestor(conn, cfg.LogStreamName, cfg.LogSubjectPrefix, logSvc, log)
	if err != nil {
		log.Error("failed to configure log ingestor", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := ingestor.Run(ctx); err != nil {
			log.Error("log ingestor stopped", "error", err)
		}
	}()

	orchestratorSvc := orchestrator.New(dockerClient, repo, log, cfg)

	var limiter httpapi.RateLimiter
	if cfg.RateLimitRedisAddr != "" {
		redisLimiter, err := httpapi.NewRedisRateLimiter(cfg.RateLimitRedisAddr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, using in-memory limiter", "error", err)
		} else {
			limiter = redisLimiter
		}
	}
	if limiter == nil {
		limiter = httpapi.NewMemoryRateLimiter()
	}

	brokerHealth := func() error {
		if conn.Status() != nats.CONNECTED {
			return fmt.Errorf("broker connection status: %s", conn.Status())
		}
		return nil
	}
	router := httpapi.New(log, orchestratorSvc, logSvc, repo, limiter, pool.Ping, brokerHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("orchestrator server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

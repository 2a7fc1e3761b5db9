package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"pingpick/internal/api"
	"pingpick/internal/config"
	"pingpick/internal/database"
	"pingpick/internal/domain"
	"pingpick/internal/events"
	"pingpick/internal/logging"
	"pingpick/internal/metrics"
	"pingpick/internal/repository"
	"pingpick/internal/service"
	"pingpick/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := events.NewHub()
	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()
	db.SetHub(hub)

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}
	coord := initCoordinator(redisClient, logger)

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	eventBus := events.NewEventBus()
	if len(cfg.Kafka.Brokers) > 0 {
		fwd := events.NewKafkaForwarder(cfg.Kafka.Brokers, cfg.Kafka.Topic, logging.Component(logger, "kafka"))
		eventBus.Subscribe(events.AllEvents, fwd.Handle)
		goRun(func() { fwd.Run(ctx) })
		defer func() { _ = fwd.Close() }()
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka event stream enabled")
	}

	var push domain.PushDispatcher
	if cfg.Push.WebhookURL != "" {
		pw := worker.NewPushWorker(cfg.Push, redisClient, logging.Component(logger, "push"))
		goRun(func() { pw.Start(ctx) })
		push = pw
	}

	retryPolicy := cfg.Core.Retry.Policy()
	notifier := service.NewAlertNotifier(db, push, retryPolicy, logger)
	pings := service.NewPingService(db, notifier, eventBus, service.PingServiceConfig{
		SingleActiveReservation: cfg.Core.SingleActiveReservation,
		MaxRadiusKm:             cfg.Core.MaxRadiusKm,
		MaxReservationMinutes:   cfg.Core.MaxReservationMinutes,
		Retry:                   retryPolicy,
	}, logger)

	sweeper := service.NewSweeper(db, notifier, eventBus, coord, cfg.Core.SweepInterval, retryPolicy, logging.Component(logger, "sweeper"))
	goRun(func() { sweeper.Start(ctx) })

	if cfg.Backup.Enabled {
		backups := database.NewBackupService(db, cfg.Backup, logger)
		goRun(func() { backups.Start(ctx) })
	}

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		goRun(func() { startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger) })
	}

	grpcServer, err := api.NewGRPCServer(&cfg.API, db.Ping, logger)
	if err != nil {
		logger.Error().Err(err).Msg("create grpc server")
		return err
	}
	goRun(func() { grpcServer.WatchHealth(ctx, 10*time.Second) })

	httpServer := api.NewHTTPServer(cfg.API, cfg.Core.RespondRateLimit, api.Services{
		Pings:       pings,
		Alerts:      service.NewAlertService(db, retryPolicy, logger),
		Watch:       service.NewWatchService(db, hub, logger),
		Coordinator: coord,
		Health:      db.Ping,
	}, logger)

	err = startServers(ctx, grpcServer, httpServer, cfg, logger)
	stop()
	wg.Wait()
	return err
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, baseLogger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

// initCoordinator shares leases and rate limits through redis when it is
// reachable and keeps them in process otherwise.
func initCoordinator(redisClient *redis.Client, logger *zerolog.Logger) domain.Coordinator {
	local := repository.NewMemoryCoordinator()
	if redisClient == nil {
		return local
	}
	return repository.NewFailoverCoordinator(repository.NewRedisCoordinator(redisClient), local, logger)
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	errCh := make(chan error, 2)

	go func() {
		if err := grpcServer.Serve(); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	if cfg.API.HTTP.Enabled {
		go func() {
			if err := httpServer.Start(); err != nil {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	logger.Info().Str("grpc_addr", grpcServer.Addr()).Int("http_port", cfg.API.HTTP.Port).Msg("pingpick started")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("server stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcServer.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn().Err(err).Msg("http shutdown")
	}

	logger.Info().Msg("pingpick stopped")
	return runErr
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

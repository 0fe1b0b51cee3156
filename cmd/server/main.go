package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/agent"
	"fleetd/internal/config"
	"fleetd/internal/database"
	"fleetd/internal/fleet"
	"fleetd/internal/logging"
	"fleetd/internal/metrics"
	redisx "fleetd/internal/redis"
	"fleetd/internal/server"
	"fleetd/internal/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		log.Fatalf("log setup error: %v", err)
	}
	defer logCloser.Close()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("fleetd stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient, err := redisx.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	cipher, err := store.NewTokenCipher(cfg.NodeTokenEncryptionKey)
	if err != nil {
		return err
	}
	if cipher == nil {
		logger.Warn("NODE_TOKEN_ENCRYPTION_KEY is not set; daemon tokens are stored in plaintext")
	}
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_API_TOKEN is not set; admin endpoints are unauthenticated")
	}

	m := metrics.New()
	repo := store.NewRepository(db, cipher)

	ledger := fleet.NewLedger(logger, fleet.WithAllocationStore(repo), fleet.WithLedgerMetrics(m))
	if err := restoreLedger(ctx, repo, ledger, logger); err != nil {
		return err
	}

	probe := fleet.NewProbe(agent.NewClient(nil), fleet.ProbeConfig{
		Timeout:     cfg.Probe.Timeout,
		CycleBudget: cfg.Probe.CycleBudget,
		Concurrency: cfg.Probe.Concurrency,
	}, logger,
		fleet.WithMirror(&store.UtilizationCache{Redis: redisClient, TTL: cfg.Probe.UtilizationTTL}),
		fleet.WithProbeMetrics(m),
	)
	if warmed := probe.Warm(ctx, ledger.Nodes()); warmed > 0 {
		logger.Info("probe cache warmed from redis", zap.Int("nodes", warmed))
	}
	aggregator := fleet.NewAggregator(ledger, probe, cfg.Probe.Freshness)
	advisor := fleet.NewAdvisor(ledger, aggregator, logger)
	scheduler := fleet.NewScheduler(repo, ledger, probe, aggregator, cfg.Probe.Interval, logger, m)

	api := server.NewServer(cfg, server.Deps{
		Registry:    repo,
		Ledger:      ledger,
		Probe:       probe,
		Scheduler:   scheduler,
		Advisor:     advisor,
		Metrics:     m,
		RateLimiter: &store.RateLimiter{Redis: redisClient, Limit: cfg.StatusRateLimit, Window: time.Minute},
		Events:      &store.EventLog{Redis: redisClient, MaxLen: cfg.EventLogSize},
		Readiness: []server.ReadinessCheck{
			{Name: "postgres", Check: db.Ping},
			{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
		},
		Logger: logger,
	})

	go scheduler.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		ErrorLog:          logging.StdLogger(logger.Named("http")),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// restoreLedger loads the registry and replays persisted reservations so the
// ledger starts out matching the database.
func restoreLedger(ctx context.Context, repo *store.Repository, ledger *fleet.Ledger, logger *zap.Logger) error {
	nodes, err := repo.ListNodes(ctx)
	if err != nil {
		return err
	}
	ledger.Sync(nodes)

	allocs, err := repo.ListAllocations(ctx)
	if err != nil {
		return err
	}
	if err := ledger.Restore(allocs); err != nil {
		logger.Warn("some allocations could not be restored", zap.Error(err))
	}
	logger.Info("ledger restored", zap.Int("nodes", len(nodes)), zap.Int("allocations", len(allocs)))
	return nil
}

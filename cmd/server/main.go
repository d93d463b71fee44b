package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/metric-harvester/internal/adapter"
	"github.com/t77yq/metric-harvester/internal/breaker"
	"github.com/t77yq/metric-harvester/internal/cache"
	"github.com/t77yq/metric-harvester/internal/config"
	"github.com/t77yq/metric-harvester/internal/dispatch"
	"github.com/t77yq/metric-harvester/internal/events"
	"github.com/t77yq/metric-harvester/internal/model"
	"github.com/t77yq/metric-harvester/internal/monitor"
	"github.com/t77yq/metric-harvester/internal/ratelimit"
	"github.com/t77yq/metric-harvester/internal/retry"
	"github.com/t77yq/metric-harvester/internal/schedule"
	"github.com/t77yq/metric-harvester/internal/storage"
	"github.com/t77yq/metric-harvester/internal/tracker"
	"github.com/t77yq/metric-harvester/internal/validate"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	loader := config.NewLoader(logger, "./config", ".")
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Connect to NATS with more options
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Result store
	store, err := storage.NewSQLiteResultStore(logger, cfg.Storage.Path, cfg.Storage.HistoryDepth)
	if err != nil {
		logger.Fatal("Failed to open result store", zap.Error(err))
	}
	defer store.Close()

	// Cache tiers. The shared tier is optional; the harvester runs on the
	// local tier alone when redis is unreachable.
	l1 := cache.NewL1(cfg.Cache.L1Size, cfg.Cache.L1TTL)
	var l2 *cache.L2
	if cfg.Redis.Address != "" {
		client, err := cache.NewRedisClient(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Warn("Redis unavailable, running without shared cache tier", zap.Error(err))
		} else {
			defer client.Close()
			l2 = cache.NewL2(client, cfg.Cache.L2TTL, cfg.Cache.L2Grace, cfg.Cache.KeyPrefix)
		}
	}
	tiered := cache.NewTiered(l1, l2, cfg.Cache.StaleWindow, logger)

	sources := cfg.SourceModels()

	// Resilience components
	limiter := ratelimit.New(sources, logger)
	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		MaxCooldown:      cfg.Breaker.MaxCooldown,
	}, logger)
	policy := retry.NewBackoffPolicy(retry.Config{
		InitialDelay:      cfg.Retry.InitialDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		Multiplier:        cfg.Retry.Multiplier,
		MaxAttempts:       cfg.Retry.MaxAttempts,
		RateLimitFallback: cfg.Retry.RateLimitFallback,
		MaxRateLimitWait:  cfg.Retry.MaxRateLimitWait,
	})
	validator := validate.New(validate.DefaultBounds(), logger)

	// Job tracker
	trk := tracker.New(tracker.Config{
		Retention:         cfg.Tracker.Retention,
		SweepInterval:     cfg.Tracker.SweepInterval,
		FailureSampleSize: cfg.Tracker.FailureSampleSize,
	}, logger)

	// Register one HTTP adapter per configured source
	registry := adapter.NewRegistry()
	for _, src := range sources {
		httpAdapter := adapter.NewHTTPAdapter(
			"https://metrics.example.com/"+src.ID,
			cfg.Dispatcher.AdapterTimeout,
			logger,
		)
		if err := registry.Register(src.ID, httpAdapter); err != nil {
			logger.Fatal("Failed to register adapter",
				zap.String("source_id", src.ID),
				zap.Error(err))
		}
	}

	// Event publisher
	publisher, err := events.NewPublisher(js, logger)
	if err != nil {
		logger.Fatal("Failed to create event publisher", zap.Error(err))
	}

	// Dispatcher
	dispatcher := dispatch.New(
		dispatch.Config{
			Workers:             cfg.Dispatcher.Workers,
			InlineWaitThreshold: cfg.Dispatcher.InlineWaitThreshold,
			AdapterTimeout:      cfg.Dispatcher.AdapterTimeout,
			WatchdogGrace:       cfg.Dispatcher.WatchdogGrace,
			PollInterval:        cfg.Dispatcher.PollInterval,
			ClaimBackoff:        cfg.Dispatcher.ClaimBackoff,
		},
		trk, limiter, brk, policy, validator, registry, store, tiered, publisher,
		sources, logger,
	)

	// Hot reload: rate profiles and concurrency caps apply to new grants
	// only, queued and in-flight jobs keep running.
	loader.Watch(func(next *config.Config) {
		for _, src := range next.SourceModels() {
			dispatcher.UpdateSource(src)
		}
	})

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := trk.Start(ctx); err != nil {
		logger.Fatal("Failed to start tracker", zap.Error(err))
	}
	if err := dispatcher.Start(ctx); err != nil {
		logger.Fatal("Failed to start dispatcher", zap.Error(err))
	}

	// Recurring rosters
	harvester := schedule.NewHarvester(dispatcher, logger)
	for _, src := range sources {
		roster := &schedule.Roster{
			Name:       src.Name + " hourly",
			Expression: "0 0 * * * *",
			Priority:   model.TargetPriorityStandard,
			Targets: []model.Target{
				{ID: src.ID + "-primary", SourceID: src.ID, Handle: "primary"},
			},
		}
		if _, err := harvester.AddRoster(roster); err != nil {
			logger.Error("Failed to add roster",
				zap.String("source_id", src.ID),
				zap.Error(err))
		}
	}
	harvester.Start()

	// Metrics collector
	collector := monitor.NewCollector(js, 15*time.Second, dispatcher, trk, brk, logger)
	if err := collector.Start(ctx); err != nil {
		logger.Fatal("Failed to start metrics collector", zap.Error(err))
	}

	// Wait for shutdown signal
	<-ctx.Done()

	// Graceful shutdown: stop intake first, then drain workers.
	harvester.Stop()
	collector.Stop()

	done := make(chan struct{})
	go func() {
		dispatcher.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Dispatcher drained")
	case <-time.After(10 * time.Second):
		logger.Warn("Shutdown timeout reached, some jobs may not have completed")
	}

	trk.Stop()
	logger.Info("Server shutting down gracefully")
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"perp-core/internal/api"
	"perp-core/internal/events"
	"perp-core/internal/executor"
	"perp-core/internal/metrics"
	"perp-core/internal/monitor"
	"perp-core/internal/queue"
	"perp-core/internal/reconcile"
	"perp-core/internal/regime"
	"perp-core/internal/risk"
	"perp-core/internal/stream"
	"perp-core/pkg/cache"
	"perp-core/pkg/config"
	"perp-core/pkg/db"
	"perp-core/pkg/exchanges/binance/futures"
	"perp-core/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer database.Close()

	store := sharedCache(ctx, cfg, logger)

	prices := cache.NewPriceCache()
	gateway := futures.NewClient(futures.Config{
		APIKey:     cfg.BinanceAPIKey,
		APISecret:  cfg.BinanceAPISecret,
		Testnet:    cfg.BinanceTestnet,
		RecvWindow: cfg.RecvWindowMs,
	}, prices, logger)
	gateway.StartTimeSync(ctx)

	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := gateway.RefreshFilters(warmCtx); err != nil {
		cancel()
		logger.Fatal("load symbol filters", zap.Error(err))
	}
	cancel()

	bus := events.NewBus(logger)

	limits := risk.Limits{
		MaxDailyLossUSD:      cfg.MaxDailyLossUSD,
		MaxConsecutiveLosses: cfg.MaxConsecutiveLosses,
		LossCooldown:         cfg.LossCooldown,
		MaxOpenPositions:     cfg.MaxOpenPositions,
		MaxSameDirection:     cfg.MaxSameDirection,
	}
	counters := risk.NewCounters(store, cfg.LossCooldown, cfg.SymbolCooldown, logger)
	gate := risk.NewGate(limits, counters, database, bus, logger)

	pending := executor.NewPendingStore(store, cfg.PendingOrderTTL)
	exec := executor.New(executor.Config{
		MakerOffsetPct:   cfg.MakerOffsetPct,
		ProtectAttempts:  cfg.ProtectAttempts,
		WidenStepPct:     cfg.WidenStepPct,
		ExecutionEnabled: cfg.ExecutionEnabled,
	}, gateway, gate, pending, database, bus, logger)

	strategies, err := config.LoadStrategies(cfg.StrategyConfigPath)
	if err != nil {
		logger.Warn("strategy config unavailable, using defaults",
			zap.String("path", cfg.StrategyConfigPath), zap.Error(err))
		strategies = nil
	}
	mon := monitor.New(gateway, database, counters, strategies, bus,
		cfg.MonitorInterval, cfg.LocalExitChecks, logger)

	regimes := regime.New(regime.Config{}, gateway, logger)
	q := queue.New(store, regimes, cfg.QueueEntryTTL, logger)
	dispatcher := queue.NewDispatcher(q, exec, gateway, regimes, database, bus,
		cfg.DispatchInterval, cfg.MaxPriceDriftPct, logger)

	userStream := stream.NewUserStream(gateway, exec, mon, logger)

	watchdog := reconcile.New(reconcile.Config{
		Enabled:      cfg.WatchdogEnabled,
		Interval:     cfg.WatchdogInterval,
		MissedCycles: cfg.WatchdogMissedCycles,
	}, gateway, database, counters, bus, logger)

	m := metrics.New()
	m.Observe(ctx, bus)

	srv := api.NewServer(api.Config{
		JWTSecret:   cfg.JWTSecret,
		OperatorKey: cfg.OperatorKey,
		TokenExpiry: cfg.TokenExpiry,
	}, database, q, counters, limits, bus, m.Handler(), logger)

	var wg sync.WaitGroup
	runLoop := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			logger.Info("loop stopped", zap.String("loop", name))
		}()
	}
	runLoop("monitor", mon.Run)
	runLoop("dispatcher", dispatcher.Run)
	runLoop("user-stream", userStream.Run)
	runLoop("watchdog", watchdog.Run)
	runLoop("filter-refresh", func(ctx context.Context) {
		refreshFilters(ctx, gateway, cfg.SymbolRefreshInterval, logger)
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("api listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown", zap.Error(err))
	}

	wg.Wait()
	logger.Info("stopped")
}

// sharedCache connects to Redis, falling back to the in-process store.
// Without Redis, pending orders and risk counters do not survive a
// restart, so the fallback is only for dry runs.
func sharedCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) cache.Store {
	if cfg.RedisAddr == "" {
		logger.Warn("redis not configured, using in-process cache")
		return cache.NewMemory()
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	r, err := cache.NewRedis(connectCtx, cache.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Warn("redis unavailable, using in-process cache",
			zap.String("addr", cfg.RedisAddr), zap.Error(err))
		return cache.NewMemory()
	}
	logger.Info("redis connected", zap.String("addr", cfg.RedisAddr))
	return r
}

// refreshFilters reloads exchange precision rules so tick and step
// changes do not strand order sizing on stale values.
func refreshFilters(ctx context.Context, gateway *futures.Client, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := gateway.RefreshFilters(ctx); err != nil {
				logger.Warn("filter refresh failed", zap.Error(err))
			}
		}
	}
}

// File: cmd/balancerd/main.go
// Entry point for the GPU balance daemon
// Runs the GPU monitor and the balance loop, or a single balance cycle
//
// Architecture:
//   main.go
//      ↓
//   (Initialize Logger)
//      ↓
//   (Load env config, apply flag overrides)
//      ↓
//   (Connect Redis with retry)
//      ↓
//   (Wire telemetry → monitor → tracker → balancer → daemon)
//      ↓
//   (--once: one monitor pass + one balance cycle, exit 0/1)
//      ↓
//   (default: monitor loop + balance loop until SIGINT/SIGTERM)

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Yijuehen/gpubalance/pkg/balancer"
	"github.com/Yijuehen/gpubalance/pkg/common"
	"github.com/Yijuehen/gpubalance/pkg/config"
	"github.com/Yijuehen/gpubalance/pkg/daemon"
	"github.com/Yijuehen/gpubalance/pkg/history"
	"github.com/Yijuehen/gpubalance/pkg/logger"
	"github.com/Yijuehen/gpubalance/pkg/monitor"
	"github.com/Yijuehen/gpubalance/pkg/storage/redis"
	"github.com/Yijuehen/gpubalance/pkg/telemetry"
	"github.com/Yijuehen/gpubalance/pkg/tracker"
)

// ============================================================================
// COMMAND-LINE FLAGS
// ============================================================================

var (
	runOnce = flag.Bool(
		"once",
		false,
		"Run one balance cycle and exit (exit 0 when balanced)",
	)
	interval = flag.Duration(
		"interval",
		0,
		"Balance interval (default: BALANCE_INTERVAL env or 60s)",
	)
	strategyFlag = flag.String(
		"strategy",
		string(common.StrategyNoMigration),
		"Balance strategy (no-migration, process-migration)",
	)
	enableMigration = flag.Bool(
		"enable-migration",
		false,
		"Allow process migration actions (use with care)",
	)
	redisAddr = flag.String(
		"redis.addr",
		"",
		"Redis address (default: REDIS_ADDR env or localhost:6379)",
	)
	metricsAddr = flag.String(
		"metrics.addr",
		"",
		"Listen address for /metrics (empty disables the endpoint)",
	)
	logLevel = flag.String(
		"log.level",
		"",
		"Log level (debug, info, warn, error)",
	)
)

// ============================================================================
// MAIN ENTRY POINT
// ============================================================================

func main() {
	flag.Parse()

	cfg := config.Load()
	applyOverrides(cfg)

	log := logger.Get()
	log.SetLevelStr(cfg.LogLevel)
	defer log.Sync()

	if err := config.Validate(cfg); err != nil {
		log.Error("Invalid configuration: %v", err)
		os.Exit(1)
	}

	strategy := common.Strategy(*strategyFlag)
	if strategy != common.StrategyNoMigration && strategy != common.StrategyProcessMigration {
		log.Error("Unknown strategy: %s", *strategyFlag)
		os.Exit(1)
	}

	log.Info("GPU balance daemon starting")
	log.Info("  Redis: %s", cfg.RedisAddr)
	log.Info("  Strategy: %s", strategy)
	log.Info("  Interval: %s", cfg.BalanceInterval)
	log.Info("  Migration: %v", cfg.EnableMigration)

	store := connectStore(cfg, log)
	defer store.Close()

	// Wire the components
	querier := telemetry.New(cfg)
	hist := history.New(store)
	thresholds := history.NewThresholdManager(cfg, store, hist, querier)
	mon := monitor.New(cfg, store, querier, thresholds)
	trk := tracker.New(cfg, store)
	bal := balancer.New(cfg, store, trk)
	bd := daemon.New(cfg, store, bal, strategy, cfg.BalanceInterval)

	if *runOnce {
		ctx := context.Background()
		mon.MonitorOnce(ctx)
		result := bd.RunOnce(ctx)
		log.Info("Balance result: balanced=%v actions=%d/%d",
			result.Balanced, result.ActionsTaken, result.ActionsTotal)
		if result.Balanced {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, log)
	}

	// ========================================================================
	// DAEMON MODE
	// ========================================================================

	ctx, cancel := context.WithCancel(context.Background())

	go mon.Run(ctx)

	daemonDone := make(chan error, 1)
	go func() {
		daemonDone <- bd.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal: %v, shutting down", sig)
		cancel()
	case err := <-daemonDone:
		if err != nil {
			log.Error("Balance daemon failed: %v", err)
			cancel()
			os.Exit(1)
		}
		return
	}

	select {
	case <-daemonDone:
	case <-time.After(cfg.ShutdownTimeout):
		log.Warn("Shutdown timed out after %s", cfg.ShutdownTimeout)
	}
	log.Info("Shutdown complete")
}

// ============================================================================
// HELPER FUNCTIONS
// ============================================================================

// applyOverrides: Flags win over environment configuration
func applyOverrides(cfg *common.Config) {
	if *redisAddr != "" {
		cfg.RedisAddr = *redisAddr
	}
	if *interval > 0 {
		cfg.BalanceInterval = *interval
	}
	if *enableMigration {
		cfg.EnableMigration = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
}

// connectStore: Connect to Redis, retrying with exponential backoff so a
// restart race with the Redis container does not kill the daemon
func connectStore(cfg *common.Config, log *logger.Logger) *redis.Client {
	var client *redis.Client

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(func() error {
		var err error
		client, err = redis.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Warn("Redis not ready at %s: %v", cfg.RedisAddr, err)
		}
		return err
	}, policy)
	if err != nil {
		log.Error("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		os.Exit(1)
	}

	log.Info("Connected to Redis at %s", cfg.RedisAddr)
	return client
}

// serveMetrics: Expose Prometheus metrics
func serveMetrics(addr string, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	log.Info("Metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Metrics server failed: %v", err)
	}
}

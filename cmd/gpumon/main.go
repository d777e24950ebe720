// File: cmd/gpumon/main.go
// Entry point for the standalone GPU monitor
// Publishes GPU metrics and the availability set to Redis
//
// Useful on hosts where balancing runs elsewhere but the local GPUs still
// need to be visible to the fleet.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Yijuehen/gpubalance/pkg/common"
	"github.com/Yijuehen/gpubalance/pkg/config"
	"github.com/Yijuehen/gpubalance/pkg/history"
	"github.com/Yijuehen/gpubalance/pkg/logger"
	"github.com/Yijuehen/gpubalance/pkg/monitor"
	"github.com/Yijuehen/gpubalance/pkg/storage/redis"
	"github.com/Yijuehen/gpubalance/pkg/telemetry"
)

// ============================================================================
// COMMAND-LINE FLAGS
// ============================================================================

var (
	daemonMode = flag.Bool(
		"daemon",
		false,
		"Run the monitor loop (default: one pass and exit)",
	)
	interval = flag.Duration(
		"interval",
		0,
		"Monitor interval (default: GPU_MONITOR_INTERVAL env or 5s)",
	)
	redisAddr = flag.String(
		"redis.addr",
		"",
		"Redis address (default: REDIS_ADDR env or localhost:6379)",
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
	if *redisAddr != "" {
		cfg.RedisAddr = *redisAddr
	}
	if *interval > 0 {
		cfg.MonitorInterval = *interval
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := logger.Get()
	log.SetName("gpumon")
	log.SetLevelStr(cfg.LogLevel)
	defer log.Sync()

	if err := config.Validate(cfg); err != nil {
		log.Error("Invalid configuration: %v", err)
		os.Exit(1)
	}

	store := connectStore(cfg, log)
	defer store.Close()

	querier := telemetry.New(cfg)
	hist := history.New(store)
	thresholds := history.NewThresholdManager(cfg, store, hist, querier)
	mon := monitor.New(cfg, store, querier, thresholds)

	if !*daemonMode {
		snapshot := mon.MonitorOnce(context.Background())
		printSnapshot(snapshot)
		if len(snapshot) == 0 {
			os.Exit(1)
		}
		return
	}

	// ========================================================================
	// DAEMON MODE
	// ========================================================================

	log.Info("GPU monitor starting: interval=%s backend=%s", cfg.MonitorInterval, cfg.TelemetryBackend)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.Run(ctx)
		close(done)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info("Received signal: %v, shutting down", sig)
	cancel()

	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		log.Warn("Shutdown timed out after %s", cfg.ShutdownTimeout)
	}
	log.Info("Shutdown complete")
}

// ============================================================================
// HELPER FUNCTIONS
// ============================================================================

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
	return client
}

// printSnapshot: Human-readable one-shot status
func printSnapshot(snapshot map[int]common.GPUMetrics) {
	if len(snapshot) == 0 {
		fmt.Println("No GPUs detected")
		return
	}

	ids := make([]int, 0, len(snapshot))
	for gpuID := range snapshot {
		ids = append(ids, gpuID)
	}
	sort.Ints(ids)

	fmt.Printf("Detected %d GPUs\n", len(ids))
	for _, gpuID := range ids {
		m := snapshot[gpuID]
		fmt.Printf("GPU %d (%s):\n", gpuID, m.Name)
		fmt.Printf("  Utilization: %.1f%%\n", m.Utilization)
		fmt.Printf("  Memory:      %d/%d MB (%d MB free)\n", m.MemoryUsedMB, m.MemoryTotalMB, m.MemoryFreeMB)
		if m.Temperature > 0 {
			fmt.Printf("  Temperature: %dC\n", m.Temperature)
		}
		fmt.Printf("  Processes:   %d\n", m.NumProcesses)
	}
}

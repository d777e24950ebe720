// Balance daemon: periodic balance cycles with liveness and history.
// The daemon advertises itself in the store so operators can see whether
// balancing is alive, which instance holds the role and what it has done.
package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/Yijuehen/gpubalance/pkg/balancer"
	"github.com/Yijuehen/gpubalance/pkg/common"
	"github.com/Yijuehen/gpubalance/pkg/logger"
	"github.com/Yijuehen/gpubalance/pkg/storage"
)

const (
	historyRetention = 7 * 24 * time.Hour

	// historyMaxEntries: Hard cap on the balance history index
	historyMaxEntries = 1000
)

// Daemon: Balance daemon component
type Daemon struct {
	cfg      *common.Config
	store    storage.Store
	balancer *balancer.Balancer
	strategy common.Strategy
	interval time.Duration
	log      *logger.Logger

	instanceID   string
	startTime    time.Time
	balanceCount int
}

// Status: Daemon state snapshot
type Status struct {
	Running       bool
	InstanceID    string
	UptimeSeconds float64
	Uptime        string
	BalanceCount  int
	Interval      time.Duration
	Strategy      common.Strategy
	StartTime     int64
}

// New: Create a balance daemon
func New(cfg *common.Config, store storage.Store, bal *balancer.Balancer, strategy common.Strategy, interval time.Duration) *Daemon {
	return &Daemon{
		cfg:        cfg,
		store:      store,
		balancer:   bal,
		strategy:   strategy,
		interval:   interval,
		log:        logger.Get(),
		instanceID: uuid.NewString(),
	}
}

// ============================================================================
// MAIN LOOP
// ============================================================================

// Run: Periodic balance loop until the context is cancelled.
// Liveness is written at startup and marked stopped on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	d.startTime = time.Now()

	d.log.Info("Balance daemon starting: interval=%s strategy=%s migration=%v",
		d.interval, d.strategy, d.cfg.EnableMigration)

	if err := d.writeStatus(ctx, "running"); err != nil {
		return fmt.Errorf("failed to advertise daemon: %w", err)
	}
	defer d.markStopped()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce: One balance cycle, recording history when actions executed
func (d *Daemon) RunOnce(ctx context.Context) balancer.Result {
	result := d.balancer.BalanceOnce(ctx, d.strategy)

	if result.Balanced && result.ActionsTaken > 0 {
		d.balanceCount++
		d.recordHistory(ctx, result)
	}
	return result
}

// ============================================================================
// HISTORY
// ============================================================================

// recordHistory: Persist one cycle's outcome and index it, keeping the
// index capped at historyMaxEntries
func (d *Daemon) recordHistory(ctx context.Context, result balancer.Result) {
	now := time.Now()
	key := common.BalanceHistoryKey(now.Unix())

	err := d.store.HSet(ctx, key, map[string]interface{}{
		"timestamp":       now.Unix(),
		"datetime":        now.Format(time.RFC3339),
		"instance_id":     d.instanceID,
		"strategy":        string(d.strategy),
		"actions_taken":   result.ActionsTaken,
		"actions_total":   result.ActionsTotal,
		"overloaded_gpus": fmt.Sprint(result.Imbalance.OverloadedGPUs),
		"idle_gpus":       fmt.Sprint(result.Imbalance.IdleGPUs),
		"load_variance":   result.Imbalance.LoadVariance,
	})
	if err != nil {
		d.log.Error("Failed to record balance history: %v", err)
		return
	}
	if err := d.store.Expire(ctx, key, historyRetention); err != nil {
		d.log.Warn("Failed to set TTL on %s: %v", key, err)
	}

	if err := d.store.ZAdd(ctx, common.BalanceIndexKey, float64(now.Unix()), key); err != nil {
		d.log.Error("Failed to index balance history: %v", err)
		return
	}
	if _, err := d.store.ZRemRangeByRank(ctx, common.BalanceIndexKey, 0, int64(-historyMaxEntries-1)); err != nil {
		d.log.Warn("Failed to trim balance history index: %v", err)
	}

	d.log.Debug("Recorded balance history: %s", key)
}

// ============================================================================
// LIVENESS & STATUS
// ============================================================================

func (d *Daemon) writeStatus(ctx context.Context, state string) error {
	return d.store.HSet(ctx, common.DaemonStatusKey, map[string]interface{}{
		"pid":         os.Getpid(),
		"instance_id": d.instanceID,
		"start_time":  d.startTime.Unix(),
		"strategy":    string(d.strategy),
		"interval":    d.interval.Seconds(),
		"status":      state,
	})
}

// markStopped: Best effort, the process is on its way out
func (d *Daemon) markStopped() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := d.store.HSet(ctx, common.DaemonStatusKey, map[string]interface{}{
		"status":    "stopped",
		"stop_time": time.Now().Unix(),
	})
	if err != nil {
		d.log.Error("Failed to mark daemon stopped: %v", err)
	}

	uptime := time.Since(d.startTime)
	d.log.Info("Balance daemon stopped: uptime=%s cycles_with_actions=%d",
		FormatUptime(uptime), d.balanceCount)
}

// Status: In-process daemon snapshot
func (d *Daemon) Status() Status {
	uptime := time.Since(d.startTime)
	return Status{
		Running:       true,
		InstanceID:    d.instanceID,
		UptimeSeconds: uptime.Seconds(),
		Uptime:        FormatUptime(uptime),
		BalanceCount:  d.balanceCount,
		Interval:      d.interval,
		Strategy:      d.strategy,
		StartTime:     d.startTime.Unix(),
	}
}

// FormatUptime: Compact human form, largest unit first
func FormatUptime(d time.Duration) string {
	total := int(d.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	secs := total % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, secs)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// File: pkg/daemon/daemon_test.go
// Tests for the balance loop's history and liveness records

package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yijuehen/gpubalance/pkg/balancer"
	"github.com/Yijuehen/gpubalance/pkg/common"
	"github.com/Yijuehen/gpubalance/pkg/storage/redis"
	"github.com/Yijuehen/gpubalance/pkg/tracker"
)

func newTestDaemon(t *testing.T) (*Daemon, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client, err := redis.NewClient(s.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	cfg := &common.Config{
		BalanceInterval: 50 * time.Millisecond,
		ShutdownTimeout: time.Second,
	}
	trk := tracker.New(cfg, client)
	bal := balancer.New(cfg, client, trk)
	d := New(cfg, client, bal, common.StrategyNoMigration, cfg.BalanceInterval)
	return d, client, s
}

func publishImbalance(t *testing.T, client *redis.Client) {
	t.Helper()
	ctx := context.Background()
	overloaded := common.GPUMetrics{
		GPUID: 0, Utilization: 95.0,
		MemoryUsedMB: 30000, MemoryTotalMB: 32000, MemoryFreeMB: 2000,
	}
	idle := common.GPUMetrics{
		GPUID: 1, Utilization: 10.0,
		MemoryUsedMB: 4000, MemoryTotalMB: 32000, MemoryFreeMB: 28000,
	}
	require.NoError(t, client.HSet(ctx, common.MetricsKey(0), overloaded.Fields()))
	require.NoError(t, client.HSet(ctx, common.MetricsKey(1), idle.Fields()))
}

func TestRunOnceRecordsHistory(t *testing.T) {
	d, client, _ := newTestDaemon(t)
	ctx := context.Background()

	publishImbalance(t, client)
	result := d.RunOnce(ctx)
	require.True(t, result.Balanced)
	require.Equal(t, 2, result.ActionsTaken)

	keys, err := client.Keys(ctx, "balance:history:*")
	require.NoError(t, err)
	// One entry hash plus the index zset
	assert.Len(t, keys, 2)

	card, err := client.ZCard(ctx, common.BalanceIndexKey)
	require.NoError(t, err)
	require.Equal(t, int64(1), card)

	entries, err := client.ZRangeByScore(ctx, common.BalanceIndexKey, 0, float64(time.Now().Unix()+1), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	fields, err := client.HGetAll(ctx, entries[0])
	require.NoError(t, err)
	assert.Equal(t, "2", fields["actions_taken"])
	assert.Equal(t, "2", fields["actions_total"])
	assert.Equal(t, string(common.StrategyNoMigration), fields["strategy"])
	assert.NotEmpty(t, fields["instance_id"])

	ttl, err := client.TTL(ctx, entries[0])
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRunOnceBalancedFleetRecordsNothing(t *testing.T) {
	d, client, _ := newTestDaemon(t)
	ctx := context.Background()

	result := d.RunOnce(ctx)
	assert.True(t, result.Balanced)
	assert.Zero(t, result.ActionsTaken)

	card, err := client.ZCard(ctx, common.BalanceIndexKey)
	require.NoError(t, err)
	assert.Zero(t, card)
}

func TestHistoryIndexCapped(t *testing.T) {
	d, client, _ := newTestDaemon(t)
	ctx := context.Background()

	// Drive recordHistory directly past the cap
	result := balancer.Result{Balanced: true, ActionsTaken: 1, ActionsTotal: 1}
	for i := 0; i < historyMaxEntries+25; i++ {
		require.NoError(t, client.ZAdd(ctx, common.BalanceIndexKey,
			float64(i), common.BalanceHistoryKey(int64(i))))
	}
	d.recordHistory(ctx, result)

	card, err := client.ZCard(ctx, common.BalanceIndexKey)
	require.NoError(t, err)
	assert.LessOrEqual(t, card, int64(historyMaxEntries))
}

func TestRunWritesAndClearsLiveness(t *testing.T) {
	d, client, _ := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx)
	}()

	// The daemon advertises itself shortly after starting
	require.Eventually(t, func() bool {
		fields, err := client.HGetAll(context.Background(), common.DaemonStatusKey)
		return err == nil && fields["status"] == "running"
	}, 2*time.Second, 10*time.Millisecond)

	fields, err := client.HGetAll(context.Background(), common.DaemonStatusKey)
	require.NoError(t, err)
	assert.NotEmpty(t, fields["pid"])
	assert.NotEmpty(t, fields["instance_id"])
	assert.Equal(t, string(common.StrategyNoMigration), fields["strategy"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop after cancellation")
	}

	fields, err = client.HGetAll(context.Background(), common.DaemonStatusKey)
	require.NoError(t, err)
	assert.Equal(t, "stopped", fields["status"])
	assert.NotEmpty(t, fields["stop_time"])
}

func TestStatusSnapshot(t *testing.T) {
	d, client, _ := newTestDaemon(t)
	ctx := context.Background()

	publishImbalance(t, client)
	d.startTime = time.Now().Add(-90 * time.Second)
	d.RunOnce(ctx)

	status := d.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.InstanceID)
	assert.Equal(t, 1, status.BalanceCount)
	assert.Equal(t, common.StrategyNoMigration, status.Strategy)
	assert.GreaterOrEqual(t, status.UptimeSeconds, 90.0)
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "5s", FormatUptime(5*time.Second))
	assert.Equal(t, "2m 10s", FormatUptime(130*time.Second))
	assert.Equal(t, "1h 1m 5s", FormatUptime(3665*time.Second))
}

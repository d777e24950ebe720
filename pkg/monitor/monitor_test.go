// File: pkg/monitor/monitor_test.go
// Tests for metric publication and availability derivation

package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yijuehen/gpubalance/pkg/common"
	"github.com/Yijuehen/gpubalance/pkg/storage/redis"
	"github.com/Yijuehen/gpubalance/pkg/telemetry"
)

type staticThresholds struct {
	th common.ThresholdConfig
}

func (s staticThresholds) Current(ctx context.Context) common.ThresholdConfig {
	return s.th
}

func testConfig() *common.Config {
	return &common.Config{
		MonitorInterval:   10 * time.Second,
		MetricsTTL:        30 * time.Second,
		EnableTemperature: true,
		MinMemoryMB:       2000,
		MaxUtilization:    90.0,
		MaxTemperature:    85,
	}
}

func newTestMonitor(t *testing.T) (*Monitor, *telemetry.Mock, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client, err := redis.NewClient(s.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	mock := telemetry.NewMock(2)
	thresholds := staticThresholds{th: common.ThresholdConfig{
		MinMemoryMB:    2000,
		MaxUtilization: 90.0,
	}}
	return New(testConfig(), client, mock, thresholds), mock, client, s
}

func TestCollectAll(t *testing.T) {
	mon, mock, _, _ := newTestMonitor(t)
	ctx := context.Background()

	mock.SetReading(1, telemetry.Reading{
		Name:          "Tesla V100",
		Utilization:   73.5,
		MemoryUsedMB:  20000,
		MemoryTotalMB: 32510,
		MemoryFreeMB:  12510,
		Temperature:   61,
	})

	snapshot := mon.CollectAll(ctx)
	require.Len(t, snapshot, 2)
	assert.Equal(t, 73.5, snapshot[1].Utilization)
	assert.Equal(t, 12510, snapshot[1].MemoryFreeMB)
	assert.NotZero(t, snapshot[1].Timestamp)
}

func TestPublishSetsTTL(t *testing.T) {
	mon, _, client, s := newTestMonitor(t)
	ctx := context.Background()

	snapshot := mon.CollectAll(ctx)
	require.True(t, mon.Publish(ctx, snapshot))

	fields, err := client.HGetAll(ctx, common.MetricsKey(0))
	require.NoError(t, err)
	assert.NotEmpty(t, fields)
	assert.Equal(t, "Tesla V100", fields["name"])

	ttl, err := client.TTL(ctx, common.MetricsKey(0))
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	// Metrics must vanish once the TTL elapses: absent metrics mean
	// unknown, never available
	s.FastForward(31 * time.Second)
	fields, err = client.HGetAll(ctx, common.MetricsKey(0))
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestUpdateAvailable(t *testing.T) {
	mon, mock, client, _ := newTestMonitor(t)
	ctx := context.Background()

	t.Run("FiltersByThresholds", func(t *testing.T) {
		// GPU 0 busy, GPU 1 idle
		mock.SetReading(0, telemetry.Reading{
			Utilization:   95.0,
			MemoryUsedMB:  30000,
			MemoryTotalMB: 32510,
			MemoryFreeMB:  2510,
		})

		snapshot := mon.CollectAll(ctx)
		available := mon.UpdateAvailable(ctx, snapshot)
		assert.Equal(t, []int{1}, available)

		members, err := client.SMembers(ctx, common.AvailableKey)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"1"}, members)
	})

	t.Run("RewriteDropsStaleMembers", func(t *testing.T) {
		// GPU 1 becomes busy too; the published set must not keep it
		mock.SetReading(1, telemetry.Reading{
			Utilization:   99.0,
			MemoryUsedMB:  32000,
			MemoryTotalMB: 32510,
			MemoryFreeMB:  510,
		})

		snapshot := mon.CollectAll(ctx)
		available := mon.UpdateAvailable(ctx, snapshot)
		assert.Empty(t, available)

		members, err := client.SMembers(ctx, common.AvailableKey)
		require.NoError(t, err)
		assert.Empty(t, members)
	})
}

func TestAvailableSetExpires(t *testing.T) {
	mon, _, client, s := newTestMonitor(t)
	ctx := context.Background()

	snapshot := mon.CollectAll(ctx)
	available := mon.UpdateAvailable(ctx, snapshot)
	require.NotEmpty(t, available)

	// A dead monitor must not leave a convincing availability set behind
	s.FastForward(16 * time.Second)
	members, err := client.SMembers(ctx, common.AvailableKey)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMonitorOnceEmptyFleet(t *testing.T) {
	s := miniredis.RunT(t)
	client, err := redis.NewClient(s.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	mon := New(testConfig(), client, telemetry.NewMock(0), staticThresholds{})
	snapshot := mon.MonitorOnce(context.Background())
	assert.Empty(t, snapshot)

	keys, err := client.Keys(context.Background(), common.MetricsKeyPattern)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRunStopsOnCancel(t *testing.T) {
	mon, _, _, _ := newTestMonitor(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after cancellation")
	}
}

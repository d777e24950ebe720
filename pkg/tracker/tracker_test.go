// File: pkg/tracker/tracker_test.go
// Tests for process registration, heartbeats and reaping

package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yijuehen/gpubalance/pkg/common"
	"github.com/Yijuehen/gpubalance/pkg/storage/redis"
)

func newTestTracker(t *testing.T) (*Tracker, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	client, err := redis.NewClient(s.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	cfg := &common.Config{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  120 * time.Second,
	}
	return New(cfg, client), client
}

// ageHeartbeat: Push a record's heartbeat into the past
func ageHeartbeat(t *testing.T, client *redis.Client, pid int, age time.Duration) {
	t.Helper()
	err := client.HSet(context.Background(), common.ProcessKey(pid), map[string]interface{}{
		"last_heartbeat": time.Now().Add(-age).Unix(),
	})
	require.NoError(t, err)
}

func TestRegisterWritesAllIndices(t *testing.T) {
	trk, client := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, trk.Register(ctx, 1234, 0, common.ProcCollect, 5))

	record, ok := trk.GetProcess(ctx, 1234)
	require.True(t, ok)
	assert.Equal(t, 1234, record.PID)
	assert.Equal(t, 0, record.GPUID)
	assert.Equal(t, common.ProcCollect, record.ProcType)
	assert.Equal(t, common.StatusRunning, record.Status)
	assert.Equal(t, 5, record.Priority)

	members, err := client.SMembers(ctx, common.GPUProcessesKey(0))
	require.NoError(t, err)
	assert.Contains(t, members, "1234")

	registry, err := client.HGetAll(ctx, common.RegistryKey)
	require.NoError(t, err)
	assert.Equal(t, "collect", registry["1234"])
}

func TestHeartbeat(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, trk.Register(ctx, 100, 1, common.ProcTrain, 8))

	t.Run("UpdatesCounters", func(t *testing.T) {
		ok := trk.Heartbeat(ctx, 100, map[string]interface{}{"iteration": 42})
		require.True(t, ok)

		record, found := trk.GetProcess(ctx, 100)
		require.True(t, found)
		assert.Equal(t, 42, record.Iteration)
	})

	t.Run("UnknownPIDNeverResurrects", func(t *testing.T) {
		ok := trk.Heartbeat(ctx, 9999, nil)
		assert.False(t, ok)

		_, found := trk.GetProcess(ctx, 9999)
		assert.False(t, found)
	})
}

func TestScanHeartbeats(t *testing.T) {
	trk, client := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, trk.Register(ctx, 10, 0, common.ProcCollect, 3))
	require.NoError(t, trk.Register(ctx, 20, 0, common.ProcCollect, 3))
	ageHeartbeat(t, client, 20, 5*time.Minute)

	stale := trk.ScanHeartbeats(ctx, 2*time.Minute)
	assert.Equal(t, []int{20}, stale)

	record, ok := trk.GetProcess(ctx, 20)
	require.True(t, ok)
	assert.Equal(t, common.StatusStuck, record.Status)

	fresh, ok := trk.GetProcess(ctx, 10)
	require.True(t, ok)
	assert.Equal(t, common.StatusRunning, fresh.Status)

	t.Run("Idempotent", func(t *testing.T) {
		again := trk.ScanHeartbeats(ctx, 2*time.Minute)
		assert.Equal(t, []int{20}, again)

		record, ok := trk.GetProcess(ctx, 20)
		require.True(t, ok)
		assert.Equal(t, common.StatusStuck, record.Status)
	})
}

func TestReap(t *testing.T) {
	trk, client := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, trk.Register(ctx, 1, 0, common.ProcCollect, 3))
	require.NoError(t, trk.Register(ctx, 2, 0, common.ProcTrain, 8))
	require.NoError(t, trk.Register(ctx, 3, 1, common.ProcCollect, 3))

	ageHeartbeat(t, client, 1, 10*time.Minute)
	ageHeartbeat(t, client, 3, 10*time.Minute)
	trk.ScanHeartbeats(ctx, 2*time.Minute)

	reaped := trk.Reap(ctx)
	assert.Equal(t, 2, reaped)

	// Stuck records gone from every index
	_, ok := trk.GetProcess(ctx, 1)
	assert.False(t, ok)
	_, ok = trk.GetProcess(ctx, 3)
	assert.False(t, ok)

	members, err := client.SMembers(ctx, common.GPUProcessesKey(0))
	require.NoError(t, err)
	assert.NotContains(t, members, "1")
	assert.Contains(t, members, "2")

	registry, err := client.HGetAll(ctx, common.RegistryKey)
	require.NoError(t, err)
	assert.NotContains(t, registry, "1")
	assert.NotContains(t, registry, "3")

	// The healthy process survives untouched
	record, ok := trk.GetProcess(ctx, 2)
	require.True(t, ok)
	assert.Equal(t, common.StatusRunning, record.Status)

	t.Run("SafeToRepeat", func(t *testing.T) {
		assert.Equal(t, 0, trk.Reap(ctx))
	})
}

func TestReapRepairsOrphanedIndices(t *testing.T) {
	trk, client := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, trk.Register(ctx, 55, 2, common.ProcEval, 4))

	// Simulate a crash between deleting the record and cleaning the indices
	require.NoError(t, client.Del(ctx, common.ProcessKey(55)))

	trk.Reap(ctx)

	registry, err := client.HGetAll(ctx, common.RegistryKey)
	require.NoError(t, err)
	assert.NotContains(t, registry, "55")

	members, err := client.SMembers(ctx, common.GPUProcessesKey(2))
	require.NoError(t, err)
	assert.NotContains(t, members, "55")
}

func TestUnregister(t *testing.T) {
	trk, client := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, trk.Register(ctx, 777, 1, common.ProcCollect, 5))
	assert.True(t, trk.Unregister(ctx, 777))

	_, ok := trk.GetProcess(ctx, 777)
	assert.False(t, ok)

	members, err := client.SMembers(ctx, common.GPUProcessesKey(1))
	require.NoError(t, err)
	assert.NotContains(t, members, "777")

	t.Run("MissingPID", func(t *testing.T) {
		assert.False(t, trk.Unregister(ctx, 777))
	})
}

func TestAggregation(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, trk.Register(ctx, 1, 0, common.ProcCollect, 3))
	require.NoError(t, trk.Register(ctx, 2, 0, common.ProcCollect, 3))
	require.NoError(t, trk.Register(ctx, 3, 1, common.ProcTrain, 8))

	t.Run("CountByGPU", func(t *testing.T) {
		counts := trk.CountByGPU(ctx)
		assert.Equal(t, map[int]int{0: 2, 1: 1}, counts)
	})

	t.Run("CountByType", func(t *testing.T) {
		counts := trk.CountByType(ctx)
		assert.Equal(t, 2, counts[common.ProcCollect])
		assert.Equal(t, 1, counts[common.ProcTrain])
	})

	t.Run("StatusSummary", func(t *testing.T) {
		summary := trk.StatusSummary(ctx)
		assert.Equal(t, 3, summary.Total)
		assert.Equal(t, 3, summary.Running)
		assert.Equal(t, 0, summary.Stuck)
	})
}

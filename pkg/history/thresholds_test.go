// File: pkg/history/thresholds_test.go
// Tests for threshold resolution, pattern analysis and adaptive tuning

package history

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

func thresholdConfig() *common.Config {
	return &common.Config{
		MinMemoryMB:        2000,
		MaxUtilization:     90.0,
		UtilHighThreshold:  85.0,
		UtilLowThreshold:   50.0,
		AdaptiveThresholds: true,
	}
}

func newTestManager(t *testing.T, gpuCount int) (*ThresholdManager, *History, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	client, err := redis.NewClient(s.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	hist := New(client)
	tm := NewThresholdManager(thresholdConfig(), client, hist, telemetry.NewMock(gpuCount))
	return tm, hist, client
}

// seedBase: An instant clear of the local hour boundary, so a burst of
// backdated samples stays in one bucket
func seedBase() time.Time {
	base := time.Now()
	if base.Minute() == 0 {
		base = base.Add(-time.Minute)
	}
	return base
}

// seedHour: Write count samples for one GPU, stamped just before base.
// Raw sample keys have one-second resolution, so seeding the same store
// twice needs bases far enough apart that the ranges do not overlap.
func seedHour(t *testing.T, hist *History, gpuID, count int, util float64, usedMB int, base time.Time) {
	t.Helper()
	for i := 0; i < count; i++ {
		ts := base.Add(-time.Duration(i+1) * time.Second)
		m := common.GPUMetrics{
			GPUID:         gpuID,
			Utilization:   util,
			MemoryUsedMB:  usedMB,
			MemoryTotalMB: 32510,
			MemoryFreeMB:  32510 - usedMB,
			Timestamp:     ts.Unix(),
		}
		require.NoError(t, hist.Record(context.Background(), gpuID, m, ts))
	}
}

func TestCurrentFallsBackToConfig(t *testing.T) {
	tm, _, _ := newTestManager(t, 1)

	th := tm.Current(context.Background())
	assert.Equal(t, 2000, th.MinMemoryMB)
	assert.Equal(t, 90.0, th.MaxUtilization)
	assert.Equal(t, 85.0, th.UtilHighThreshold)
	assert.Equal(t, 50.0, th.UtilLowThreshold)
	assert.True(t, th.Adaptive)
	assert.Equal(t, "default configuration", th.Reason)
}

func TestCurrentReadsPersisted(t *testing.T) {
	tm, _, client := newTestManager(t, 1)
	ctx := context.Background()

	persisted := common.ThresholdConfig{
		MinMemoryMB:       3000,
		MaxUtilization:    95.0,
		UtilHighThreshold: 80.0,
		UtilLowThreshold:  45.0,
		Adaptive:          false,
		LastAdjusted:      time.Now().Unix(),
		Reason:            "manual tune",
	}
	require.NoError(t, client.HSet(ctx, common.ThresholdsKey, persisted.Fields()))

	th := tm.Current(ctx)
	assert.Equal(t, persisted.MinMemoryMB, th.MinMemoryMB)
	assert.Equal(t, persisted.Reason, th.Reason)
	assert.False(t, th.Adaptive)
}

func TestAnalyzePatterns(t *testing.T) {
	tm, hist, _ := newTestManager(t, 1)
	ctx := context.Background()
	base := seedBase()

	t.Run("BucketNeedsMinSamples", func(t *testing.T) {
		seedHour(t, hist, 0, patternMinSamples-1, 60, 5000, base)
		patterns := tm.AnalyzePatterns(ctx, 0, 7)
		assert.Empty(t, patterns)
	})

	t.Run("BucketFormsAtMinSamples", func(t *testing.T) {
		// Distinct timestamp range so the key does not collide with the
		// samples already seeded above, same hour bucket
		seedHour(t, hist, 0, 1, 60, 5000, base.Add(-10*time.Second))
		patterns := tm.AnalyzePatterns(ctx, 0, 7)
		require.Len(t, patterns, 1)

		p, ok := patterns[base.Hour()]
		require.True(t, ok)
		assert.Equal(t, patternMinSamples, p.SampleCount)
		assert.InDelta(t, 60.0, p.AvgUtilization, 0.001)
		assert.InDelta(t, 60.0, p.PeakUtilization, 0.001)
		assert.Equal(t, 5000, p.AvgMemoryUsedMB)
	})
}

func TestPredictPeakHoursOrdering(t *testing.T) {
	tm, hist, _ := newTestManager(t, 1)
	seedHour(t, hist, 0, patternMinSamples, 75, 8000, seedBase())

	peaks := tm.PredictPeakHours(context.Background(), 0, 7)
	require.Len(t, peaks, 1)
	assert.InDelta(t, 75.0, peaks[0].AvgUtilization, 0.001)
}

func TestAdaptive(t *testing.T) {
	t.Run("DisabledReturnsCurrent", func(t *testing.T) {
		tm, hist, client := newTestManager(t, 1)
		ctx := context.Background()

		require.NoError(t, tm.SetAdaptive(ctx, false))
		seedHour(t, hist, 0, patternMinSamples, 50, 5000, seedBase())

		before, err := client.HGetAll(ctx, common.ThresholdsKey)
		require.NoError(t, err)

		th := tm.Adaptive(ctx)
		assert.False(t, th.Adaptive)

		after, err := client.HGetAll(ctx, common.ThresholdsKey)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("NoPatternsReturnsCurrent", func(t *testing.T) {
		tm, _, _ := newTestManager(t, 1)
		ctx := context.Background()

		th := tm.Adaptive(ctx)
		assert.Equal(t, tm.Current(ctx).UtilHighThreshold, th.UtilHighThreshold)
		assert.Zero(t, th.LastAdjusted)
	})

	t.Run("TunesAndPersists", func(t *testing.T) {
		tm, hist, client := newTestManager(t, 1)
		ctx := context.Background()

		// Average utilization 50 lands the overload cutoff on the lower
		// clamp bound in both the daytime and night regimes
		seedHour(t, hist, 0, patternMinSamples, 50, 5000, seedBase())

		th := tm.Adaptive(ctx)
		assert.Equal(t, 70.0, th.UtilHighThreshold)
		assert.GreaterOrEqual(t, th.UtilLowThreshold, 40.0)
		assert.LessOrEqual(t, th.UtilLowThreshold, 50.0)
		assert.GreaterOrEqual(t, th.MinMemoryMB, 1500)
		assert.LessOrEqual(t, th.MinMemoryMB, 2000)
		assert.Equal(t, 95.0, th.MaxUtilization)
		assert.NotZero(t, th.LastAdjusted)
		assert.NotEmpty(t, th.Reason)

		fields, err := client.HGetAll(ctx, common.ThresholdsKey)
		require.NoError(t, err)
		assert.NotEmpty(t, fields)
		persisted := common.ParseThresholdConfig(fields)
		assert.Equal(t, th.UtilHighThreshold, persisted.UtilHighThreshold)
	})

	t.Run("ClampInvariants", func(t *testing.T) {
		tm, hist, _ := newTestManager(t, 1)
		ctx := context.Background()

		// Extreme load must still produce thresholds inside the clamps
		seedHour(t, hist, 0, patternMinSamples, 99, 31000, seedBase())

		th := tm.Adaptive(ctx)
		assert.GreaterOrEqual(t, th.UtilHighThreshold, 70.0)
		assert.LessOrEqual(t, th.UtilHighThreshold, 95.0)
		assert.GreaterOrEqual(t, th.UtilLowThreshold, 30.0)
		assert.LessOrEqual(t, th.UtilLowThreshold, 60.0)
		assert.GreaterOrEqual(t, th.MinMemoryMB, 1000)
		assert.LessOrEqual(t, th.MinMemoryMB, 4000)
	})
}

func TestAdjust(t *testing.T) {
	tm, _, _ := newTestManager(t, 1)
	ctx := context.Background()

	require.NoError(t, tm.Adjust(ctx, 3500, -1, 80.0, -1, "capacity planning"))

	th := tm.Current(ctx)
	assert.Equal(t, 3500, th.MinMemoryMB)
	assert.Equal(t, 80.0, th.UtilHighThreshold)
	// Untouched values carry over
	assert.Equal(t, 90.0, th.MaxUtilization)
	assert.Equal(t, 50.0, th.UtilLowThreshold)
	assert.Equal(t, "capacity planning", th.Reason)
}

func TestSetAdaptiveTogglesOnlyTheFlag(t *testing.T) {
	tm, _, _ := newTestManager(t, 1)
	ctx := context.Background()

	require.NoError(t, tm.SetAdaptive(ctx, false))
	th := tm.Current(ctx)
	assert.False(t, th.Adaptive)
	assert.Equal(t, 2000, th.MinMemoryMB)

	require.NoError(t, tm.SetAdaptive(ctx, true))
	assert.True(t, tm.Current(ctx).Adaptive)
}

func TestStatusSummary(t *testing.T) {
	tm, hist, _ := newTestManager(t, 2)
	ctx := context.Background()

	base := seedBase()
	seedHour(t, hist, 0, patternMinSamples, 65, 6000, base)

	status := tm.StatusSummary(ctx)
	assert.Equal(t, 2, status.GPUsTracked)
	assert.Equal(t, int64(patternMinSamples), status.TotalSamples)
	assert.Equal(t, time.Now().Hour(), status.CurrentHour)
	assert.Equal(t, base.Hour(), status.PeakHour)
	assert.InDelta(t, 65.0, status.PeakUtil, 0.001)
}

// Threshold manager: adjusts allocation thresholds from observed load.
// Patterns are bucketed by hour of day over the recent timeline; a bucket
// needs a minimum number of samples before it influences anything.
// Day of week is deliberately ignored, hour of day dominates in practice.
package history

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Yijuehen/gpubalance/pkg/common"
	"github.com/Yijuehen/gpubalance/pkg/logger"
	"github.com/Yijuehen/gpubalance/pkg/storage"
	"github.com/Yijuehen/gpubalance/pkg/telemetry"
)

const (
	// patternMinSamples: An hour bucket below this is noise, not a pattern
	patternMinSamples = 5

	patternRangeLimit = 10000
)

// ThresholdManager: Adaptive threshold component
type ThresholdManager struct {
	cfg     *common.Config
	store   storage.Store
	history *History
	querier telemetry.Querier
	log     *logger.Logger
}

// ThresholdStatus: Manager state snapshot for status surfaces
type ThresholdStatus struct {
	Current      common.ThresholdConfig
	TotalSamples int64
	GPUsTracked  int
	PeakHour     int // -1 when no prediction available
	PeakUtil     float64
	CurrentHour  int
}

// NewThresholdManager: Create a threshold manager
func NewThresholdManager(cfg *common.Config, store storage.Store, hist *History, querier telemetry.Querier) *ThresholdManager {
	return &ThresholdManager{
		cfg:     cfg,
		store:   store,
		history: hist,
		querier: querier,
		log:     logger.Get(),
	}
}

// ============================================================================
// CURRENT THRESHOLDS
// ============================================================================

// Current: Active thresholds from the store, falling back to the static
// configuration when nothing has been persisted yet
func (tm *ThresholdManager) Current(ctx context.Context) common.ThresholdConfig {
	fields, err := tm.store.HGetAll(ctx, common.ThresholdsKey)
	if err != nil || len(fields) == 0 {
		return tm.defaults()
	}
	return common.ParseThresholdConfig(fields)
}

func (tm *ThresholdManager) defaults() common.ThresholdConfig {
	return common.ThresholdConfig{
		MinMemoryMB:       tm.cfg.MinMemoryMB,
		MaxUtilization:    tm.cfg.MaxUtilization,
		UtilHighThreshold: tm.cfg.UtilHighThreshold,
		UtilLowThreshold:  tm.cfg.UtilLowThreshold,
		Adaptive:          tm.cfg.AdaptiveThresholds,
		LastAdjusted:      0,
		Reason:            "default configuration",
	}
}

// ============================================================================
// PATTERN ANALYSIS
// ============================================================================

// AnalyzePatterns: Hour-of-day load profiles for one GPU over the last N
// days. Buckets with fewer than patternMinSamples samples are dropped.
func (tm *ThresholdManager) AnalyzePatterns(ctx context.Context, gpuID, days int) map[int]common.LoadPattern {
	now := time.Now()
	samples := tm.history.Range(ctx, gpuID, now.AddDate(0, 0, -days), now, patternRangeLimit)

	type bucket struct {
		utils   []float64
		memUsed []int
	}
	buckets := make(map[int]*bucket)

	for _, s := range samples {
		hour := time.Unix(s.Timestamp, 0).Hour()
		b, ok := buckets[hour]
		if !ok {
			b = &bucket{}
			buckets[hour] = b
		}
		b.utils = append(b.utils, s.Utilization)
		b.memUsed = append(b.memUsed, s.MemoryUsedMB)
	}

	patterns := make(map[int]common.LoadPattern)
	for hour, b := range buckets {
		if len(b.utils) < patternMinSamples {
			continue
		}
		memSum := 0
		for _, m := range b.memUsed {
			memSum += m
		}
		patterns[hour] = common.LoadPattern{
			Hour:            hour,
			AvgUtilization:  mean(b.utils),
			AvgMemoryUsedMB: memSum / len(b.memUsed),
			PeakUtilization: maxOf(b.utils),
			SampleCount:     len(b.utils),
			LastUpdated:     now.Unix(),
		}
	}
	return patterns
}

// PredictPeakHours: Hour buckets ranked by average utilization, highest first
func (tm *ThresholdManager) PredictPeakHours(ctx context.Context, gpuID, days int) []common.LoadPattern {
	patterns := tm.AnalyzePatterns(ctx, gpuID, days)

	ranked := make([]common.LoadPattern, 0, len(patterns))
	for _, p := range patterns {
		ranked = append(ranked, p)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].AvgUtilization > ranked[j].AvgUtilization
	})
	return ranked
}

// ============================================================================
// ADAPTIVE ADJUSTMENT
// ============================================================================

// Adaptive: Thresholds tuned to the current hour's historical load.
// When adaptive mode is off or no GPU has a pattern for this hour, the
// current thresholds are returned unchanged and nothing is persisted.
func (tm *ThresholdManager) Adaptive(ctx context.Context) common.ThresholdConfig {
	current := tm.Current(ctx)
	if !current.Adaptive {
		return current
	}

	now := time.Now()
	hour := now.Hour()
	gpuCount := tm.querier.Count(ctx)

	var avgUtils, peakUtils, avgMems []float64
	for gpuID := 0; gpuID < gpuCount; gpuID++ {
		patterns := tm.AnalyzePatterns(ctx, gpuID, 7)
		p, ok := patterns[hour]
		if !ok {
			continue
		}
		avgUtils = append(avgUtils, p.AvgUtilization)
		peakUtils = append(peakUtils, p.PeakUtilization)
		avgMems = append(avgMems, float64(p.AvgMemoryUsedMB))
	}

	if len(avgUtils) == 0 {
		return current
	}

	avgUtil := mean(avgUtils)
	avgMem := mean(avgMems)

	var utilHigh, utilLow float64
	var minMemory int
	var reason string

	// Daytime tolerates higher load, night stays conservative
	if hour >= 8 && hour <= 20 {
		utilHigh = math.Min(95.0, avgUtil+15.0)
		utilLow = math.Max(40.0, avgUtil-20.0)
		minMemory = int(math.Max(1500, avgMem*0.2))
		reason = fmt.Sprintf("daytime hour %d, tuned to historical load %.1f%%", hour, avgUtil)
	} else {
		utilHigh = math.Min(90.0, avgUtil+10.0)
		utilLow = math.Max(50.0, avgUtil-15.0)
		minMemory = int(math.Max(2000, avgMem*0.3))
		reason = fmt.Sprintf("night hour %d, tuned to historical load %.1f%%", hour, avgUtil)
	}

	utilHigh = clamp(utilHigh, 70.0, 95.0)
	utilLow = clamp(utilLow, 30.0, 60.0)
	minMemory = int(clamp(float64(minMemory), 1000, 4000))

	adjusted := common.ThresholdConfig{
		MinMemoryMB:       minMemory,
		MaxUtilization:    95.0,
		UtilHighThreshold: utilHigh,
		UtilLowThreshold:  utilLow,
		Adaptive:          true,
		LastAdjusted:      now.Unix(),
		Reason:            reason,
	}

	if err := tm.save(ctx, adjusted); err != nil {
		tm.log.Error("Failed to persist adaptive thresholds: %v", err)
		return current
	}

	tm.log.Info("Adaptive thresholds: %s", reason)
	tm.log.Info("  high=%.1f%% low=%.1f%% min_memory=%dMB", utilHigh, utilLow, minMemory)
	return adjusted
}

// Adjust: Manual threshold override. Negative numeric arguments keep the
// current value so callers can change a subset.
func (tm *ThresholdManager) Adjust(ctx context.Context, minMemoryMB int, maxUtil, utilHigh, utilLow float64, reason string) error {
	current := tm.Current(ctx)

	next := current
	if minMemoryMB >= 0 {
		next.MinMemoryMB = minMemoryMB
	}
	if maxUtil >= 0 {
		next.MaxUtilization = maxUtil
	}
	if utilHigh >= 0 {
		next.UtilHighThreshold = utilHigh
	}
	if utilLow >= 0 {
		next.UtilLowThreshold = utilLow
	}
	next.LastAdjusted = time.Now().Unix()
	next.Reason = reason

	return tm.save(ctx, next)
}

// SetAdaptive: Toggle adaptive mode, keeping every other threshold value
func (tm *ThresholdManager) SetAdaptive(ctx context.Context, enabled bool) error {
	next := tm.Current(ctx)
	next.Adaptive = enabled
	next.LastAdjusted = time.Now().Unix()
	if enabled {
		next.Reason = "adaptive thresholds enabled"
	} else {
		next.Reason = "adaptive thresholds disabled"
	}
	return tm.save(ctx, next)
}

func (tm *ThresholdManager) save(ctx context.Context, t common.ThresholdConfig) error {
	return tm.store.HSet(ctx, common.ThresholdsKey, t.Fields())
}

// ============================================================================
// STATUS
// ============================================================================

// StatusSummary: Thresholds, sample counts and the predicted peak hour
func (tm *ThresholdManager) StatusSummary(ctx context.Context) ThresholdStatus {
	gpuCount := tm.querier.Count(ctx)

	var totalSamples int64
	for gpuID := 0; gpuID < gpuCount; gpuID++ {
		card, err := tm.store.ZCard(ctx, common.TimelineKey(gpuID))
		if err != nil {
			continue
		}
		totalSamples += card
	}

	status := ThresholdStatus{
		Current:      tm.Current(ctx),
		TotalSamples: totalSamples,
		GPUsTracked:  gpuCount,
		PeakHour:     -1,
		CurrentHour:  time.Now().Hour(),
	}

	if gpuCount > 0 {
		if peaks := tm.PredictPeakHours(ctx, 0, 7); len(peaks) > 0 {
			status.PeakHour = peaks[0].Hour
			status.PeakUtil = peaks[0].AvgUtilization
		}
	}
	return status
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

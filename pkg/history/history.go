// Load history: storage, aggregation and analysis of GPU load samples.
// Raw samples live 7 days, hourly aggregates 30 days. A per-GPU sorted-set
// timeline indexes raw sample keys by timestamp and is capped so one noisy
// GPU cannot grow the index without bound.
package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Yijuehen/gpubalance/pkg/common"
	"github.com/Yijuehen/gpubalance/pkg/logger"
	"github.com/Yijuehen/gpubalance/pkg/storage"
)

const (
	rawRetention    = 7 * 24 * time.Hour
	hourlyRetention = 30 * 24 * time.Hour

	// timelineMaxEntries: Hard cap on timeline index size per GPU
	timelineMaxEntries = 10000

	hourFormat = "2006-01-02-15"
	dateFormat = "2006-01-02"
)

// History: Load history component
type History struct {
	store storage.Store
	log   *logger.Logger
}

// PeakHour: One high-load hour bucket
type PeakHour struct {
	Hour           string
	AvgUtilization float64
}

// DaySummary: One day of aggregated load
type DaySummary struct {
	Date            string
	AvgUtilization  float64
	MaxUtilization  float64
	MinUtilization  float64
	AvgMemoryUsedMB float64
	DataPoints      int
}

// New: Create a load history manager
func New(store storage.Store) *History {
	return &History{store: store, log: logger.Get()}
}

// ============================================================================
// RECORDING
// ============================================================================

// Record: Store one raw sample and index it on the timeline
func (h *History) Record(ctx context.Context, gpuID int, m common.GPUMetrics, ts time.Time) error {
	unix := ts.Unix()
	fields := m.Fields()
	fields["datetime"] = ts.Format(time.RFC3339)
	fields["date"] = ts.Format(dateFormat)
	fields["hour"] = ts.Format(hourFormat)

	rawKey := common.RawSampleKey(gpuID, unix)
	if err := h.store.HSet(ctx, rawKey, fields); err != nil {
		return err
	}
	if err := h.store.Expire(ctx, rawKey, rawRetention); err != nil {
		return err
	}

	timelineKey := common.TimelineKey(gpuID)
	if err := h.store.ZAdd(ctx, timelineKey, float64(unix), rawKey); err != nil {
		return err
	}
	// Keep only the newest timelineMaxEntries members
	if _, err := h.store.ZRemRangeByRank(ctx, timelineKey, 0, int64(-timelineMaxEntries-1)); err != nil {
		h.log.Warn("Failed to trim timeline for GPU %d: %v", gpuID, err)
	}
	return h.store.Expire(ctx, timelineKey, rawRetention)
}

// ============================================================================
// QUERIES
// ============================================================================

// Range: Raw samples whose timestamps fall within [start, end], oldest first
func (h *History) Range(ctx context.Context, gpuID int, start, end time.Time, limit int) []common.GPUMetrics {
	rawKeys, err := h.store.ZRangeByScore(ctx, common.TimelineKey(gpuID),
		float64(start.Unix()), float64(end.Unix()), limit)
	if err != nil {
		h.log.Error("Failed to read timeline for GPU %d: %v", gpuID, err)
		return nil
	}

	var samples []common.GPUMetrics
	for _, key := range rawKeys {
		fields, err := h.store.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			// Sample expired out from under the index
			continue
		}
		samples = append(samples, common.ParseGPUMetrics(fields))
	}
	return samples
}

// AggregateHour: Fold every raw sample tagged with the given hour bucket
// into one hourly aggregate hash. Reports false when no samples matched,
// in which case nothing is written.
func (h *History) AggregateHour(ctx context.Context, gpuID int, hour string) (common.HourlyAggregate, bool) {
	keys, err := h.store.Keys(ctx, common.RawSamplePattern(gpuID))
	if err != nil {
		h.log.Error("Failed to scan raw samples for GPU %d: %v", gpuID, err)
		return common.HourlyAggregate{}, false
	}

	var utils, memUsed, memFree []float64
	for _, key := range keys {
		fields, err := h.store.HGetAll(ctx, key)
		if err != nil || fields["hour"] != hour {
			continue
		}
		utils = append(utils, common.SafeFloat(fields["utilization"], 0))
		memUsed = append(memUsed, common.SafeFloat(fields["memory_used_mb"], 0))
		memFree = append(memFree, common.SafeFloat(fields["memory_free_mb"], 0))
	}

	if len(utils) == 0 {
		return common.HourlyAggregate{}, false
	}

	agg := common.HourlyAggregate{
		GPUID:           gpuID,
		Hour:            hour,
		Count:           len(utils),
		AvgUtilization:  mean(utils),
		MaxUtilization:  maxOf(utils),
		MinUtilization:  minOf(utils),
		AvgMemoryUsedMB: mean(memUsed),
		AvgMemoryFreeMB: mean(memFree),
	}

	aggKey := common.HourlyKey(gpuID, hour)
	err = h.store.HSet(ctx, aggKey, map[string]interface{}{
		"count":              agg.Count,
		"avg_utilization":    agg.AvgUtilization,
		"max_utilization":    agg.MaxUtilization,
		"min_utilization":    agg.MinUtilization,
		"avg_memory_used_mb": agg.AvgMemoryUsedMB,
		"avg_memory_free_mb": agg.AvgMemoryFreeMB,
	})
	if err != nil {
		h.log.Error("Failed to write hourly aggregate for GPU %d: %v", gpuID, err)
		return agg, false
	}
	if err := h.store.Expire(ctx, aggKey, hourlyRetention); err != nil {
		h.log.Warn("Failed to set TTL on hourly aggregate %s: %v", aggKey, err)
	}
	return agg, true
}

// HourlyStats: Aggregates for the most recent N hour buckets, newest first.
// Hours with no aggregate are skipped.
func (h *History) HourlyStats(ctx context.Context, gpuID int, hours int) []common.HourlyAggregate {
	var stats []common.HourlyAggregate
	now := time.Now()

	for i := 0; i < hours; i++ {
		hour := now.Add(-time.Duration(i) * time.Hour).Format(hourFormat)
		fields, err := h.store.HGetAll(ctx, common.HourlyKey(gpuID, hour))
		if err != nil || len(fields) == 0 {
			continue
		}
		stats = append(stats, common.HourlyAggregate{
			GPUID:           gpuID,
			Hour:            hour,
			Count:           common.SafeInt(fields["count"], 0),
			AvgUtilization:  common.SafeFloat(fields["avg_utilization"], 0),
			MaxUtilization:  common.SafeFloat(fields["max_utilization"], 0),
			MinUtilization:  common.SafeFloat(fields["min_utilization"], 0),
			AvgMemoryUsedMB: common.SafeFloat(fields["avg_memory_used_mb"], 0),
			AvgMemoryFreeMB: common.SafeFloat(fields["avg_memory_free_mb"], 0),
		})
	}
	return stats
}

// DailySummary: Per-day load summaries for the most recent N days,
// built from hourly aggregates. Days with no aggregates are skipped.
func (h *History) DailySummary(ctx context.Context, gpuID int, days int) []DaySummary {
	var summaries []DaySummary
	now := time.Now()

	for i := 0; i < days; i++ {
		date := now.AddDate(0, 0, -i).Format(dateFormat)

		var utils, mems []float64
		for hour := 0; hour < 24; hour++ {
			hourStr := fmt.Sprintf("%s-%02d", date, hour)
			fields, err := h.store.HGetAll(ctx, common.HourlyKey(gpuID, hourStr))
			if err != nil || len(fields) == 0 {
				continue
			}
			utils = append(utils, common.SafeFloat(fields["avg_utilization"], 0))
			mems = append(mems, common.SafeFloat(fields["avg_memory_used_mb"], 0))
		}

		if len(utils) == 0 {
			continue
		}
		summaries = append(summaries, DaySummary{
			Date:            date,
			AvgUtilization:  mean(utils),
			MaxUtilization:  maxOf(utils),
			MinUtilization:  minOf(utils),
			AvgMemoryUsedMB: mean(mems),
			DataPoints:      len(utils),
		})
	}
	return summaries
}

// PeakHours: The topN hour buckets with the highest average utilization
// over the last N days
func (h *History) PeakHours(ctx context.Context, gpuID int, days, topN int) []PeakHour {
	stats := h.HourlyStats(ctx, gpuID, days*24)

	peaks := make([]PeakHour, 0, len(stats))
	for _, s := range stats {
		peaks = append(peaks, PeakHour{Hour: s.Hour, AvgUtilization: s.AvgUtilization})
	}
	sort.SliceStable(peaks, func(i, j int) bool {
		return peaks[i].AvgUtilization > peaks[j].AvgUtilization
	})

	if len(peaks) > topN {
		peaks = peaks[:topN]
	}
	return peaks
}

// ============================================================================
// MAINTENANCE
// ============================================================================

// CleanupOldData: Repair raw samples missing a TTL and drop timeline index
// entries older than the raw retention window. Returns the number of
// timeline entries removed.
func (h *History) CleanupOldData(ctx context.Context, gpuCount int) int {
	rawKeys, err := h.store.Keys(ctx, "load:raw:*")
	if err == nil {
		for _, key := range rawKeys {
			ttl, err := h.store.TTL(ctx, key)
			if err != nil {
				continue
			}
			if ttl < 0 {
				_ = h.store.Expire(ctx, key, rawRetention)
			}
		}
	}

	cleaned := int64(0)
	cutoff := float64(time.Now().Add(-rawRetention).Unix())
	for gpuID := 0; gpuID < gpuCount; gpuID++ {
		removed, err := h.store.ZRemRangeByScore(ctx, common.TimelineKey(gpuID), 0, cutoff)
		if err != nil {
			h.log.Error("Failed to trim timeline for GPU %d: %v", gpuID, err)
			continue
		}
		cleaned += removed
	}

	if cleaned > 0 {
		h.log.Info("Cleaned %d expired history entries", cleaned)
	}
	return int(cleaned)
}

// ============================================================================
// HELPERS
// ============================================================================

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func maxOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

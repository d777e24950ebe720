// GPU Monitor: polls device telemetry, publishes per-GPU metrics with a
// freshness TTL, and derives the published available-GPU set.
// A GPU with no fresh metrics is unknown, never idle.
package monitor

import (
	"context"
	"strconv"
	"time"

	"github.com/Yijuehen/gpubalance/pkg/common"
	"github.com/Yijuehen/gpubalance/pkg/logger"
	"github.com/Yijuehen/gpubalance/pkg/metrics"
	"github.com/Yijuehen/gpubalance/pkg/storage"
	"github.com/Yijuehen/gpubalance/pkg/telemetry"
)

// availableTTL: Lifetime of the published available-GPU set
const availableTTL = 15 * time.Second

// errorBackoff: Pause after a failed tick before the loop resumes
const errorBackoff = 5 * time.Second

// ThresholdSource: Where the monitor reads the active availability cutoffs
type ThresholdSource interface {
	Current(ctx context.Context) common.ThresholdConfig
}

// Monitor: GPU monitor component
type Monitor struct {
	cfg        *common.Config
	store      storage.Store
	querier    telemetry.Querier
	thresholds ThresholdSource
	log        *logger.Logger
}

// New: Create a GPU monitor
func New(cfg *common.Config, store storage.Store, querier telemetry.Querier, thresholds ThresholdSource) *Monitor {
	return &Monitor{
		cfg:        cfg,
		store:      store,
		querier:    querier,
		thresholds: thresholds,
		log:        logger.Get(),
	}
}

// Collect: Build a metrics snapshot for one GPU
func (m *Monitor) Collect(ctx context.Context, gpuID int) (common.GPUMetrics, error) {
	reading, err := m.querier.Query(ctx, gpuID)
	if err != nil {
		return common.GPUMetrics{}, err
	}

	return common.GPUMetrics{
		GPUID:         gpuID,
		Name:          reading.Name,
		Utilization:   reading.Utilization,
		MemoryUsedMB:  reading.MemoryUsedMB,
		MemoryTotalMB: reading.MemoryTotalMB,
		MemoryFreeMB:  reading.MemoryFreeMB,
		Temperature:   reading.Temperature,
		PowerUsage:    reading.PowerUsage,
		NumProcesses:  len(reading.Processes),
		Timestamp:     time.Now().Unix(),
	}, nil
}

// CollectAll: Snapshot every GPU on the system
// One GPU failing to answer does not abort the tick.
func (m *Monitor) CollectAll(ctx context.Context) map[int]common.GPUMetrics {
	snapshot := make(map[int]common.GPUMetrics)

	count := m.querier.Count(ctx)
	if count == 0 {
		m.log.Warn("No GPUs detected")
		return snapshot
	}

	for gpuID := 0; gpuID < count; gpuID++ {
		gm, err := m.Collect(ctx, gpuID)
		if err != nil {
			m.log.Warn("Failed to collect GPU %d metrics: %v", gpuID, err)
			continue
		}
		snapshot[gpuID] = gm
	}

	return snapshot
}

// Publish: Write every snapshot to the store under its metrics key with TTL
func (m *Monitor) Publish(ctx context.Context, snapshot map[int]common.GPUMetrics) bool {
	allOK := true

	for gpuID, gm := range snapshot {
		key := common.MetricsKey(gpuID)
		if err := m.store.HSet(ctx, key, gm.Fields()); err != nil {
			allOK = false
			continue
		}
		if err := m.store.Expire(ctx, key, m.cfg.MetricsTTL); err != nil {
			allOK = false
		}
	}

	return allOK
}

// UpdateAvailable: Derive and publish the available-GPU set
// Delete-then-rewrite so a stale set never lingers past its TTL.
func (m *Monitor) UpdateAvailable(ctx context.Context, snapshot map[int]common.GPUMetrics) []int {
	th := m.thresholds.Current(ctx)

	var available []int
	for gpuID, gm := range snapshot {
		if gm.MemoryFreeMB >= th.MinMemoryMB && gm.Utilization <= th.MaxUtilization {
			available = append(available, gpuID)
		}
	}

	if err := m.store.Del(ctx, common.AvailableKey); err != nil {
		m.log.Error("Failed to clear available-GPU set: %v", err)
		return available
	}

	if len(available) > 0 {
		members := make([]string, len(available))
		for i, gpuID := range available {
			members[i] = strconv.Itoa(gpuID)
		}
		if err := m.store.SAdd(ctx, common.AvailableKey, members...); err != nil {
			m.log.Error("Failed to publish available-GPU set: %v", err)
			return available
		}
		if err := m.store.Expire(ctx, common.AvailableKey, availableTTL); err != nil {
			m.log.Error("Failed to set TTL on available-GPU set: %v", err)
		}
	}

	m.log.Debug("Available GPUs: %v", available)
	return available
}

// MonitorOnce: One full tick: collect, publish, derive availability
func (m *Monitor) MonitorOnce(ctx context.Context) map[int]common.GPUMetrics {
	m.log.Debug("Running GPU monitor tick...")

	snapshot := m.CollectAll(ctx)
	if len(snapshot) == 0 {
		m.log.Warn("No GPU metrics collected this tick")
		metrics.GPUsAvailable.Set(0)
		return snapshot
	}

	m.Publish(ctx, snapshot)
	available := m.UpdateAvailable(ctx, snapshot)

	metrics.GPUsAvailable.Set(float64(len(available)))
	for gpuID, gm := range snapshot {
		metrics.GPUUtilization.WithLabelValues(strconv.Itoa(gpuID)).Set(gm.Utilization)
	}

	m.logSummary(snapshot)
	return snapshot
}

// logSummary: One info line per tick with fleet-level numbers
func (m *Monitor) logSummary(snapshot map[int]common.GPUMetrics) {
	if len(snapshot) == 0 {
		return
	}

	var totalUtil float64
	var totalFree, totalProcs int
	for _, gm := range snapshot {
		totalUtil += gm.Utilization
		totalFree += gm.MemoryFreeMB
		totalProcs += gm.NumProcesses
	}

	m.log.Info("GPU monitor: %d GPUs, avg util %.1f%%, total free %dMB, %d processes",
		len(snapshot), totalUtil/float64(len(snapshot)), totalFree, totalProcs)

	for gpuID, gm := range snapshot {
		m.log.Debug("  GPU %d: %s - %.1f%%, %dMB/%dMB, %d procs",
			gpuID, gm.Name, gm.Utilization, gm.MemoryUsedMB, gm.MemoryTotalMB, gm.NumProcesses)
	}
}

// Run: Periodic loop around MonitorOnce
// Cancellation is cooperative, checked once per tick.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("GPU monitor started (interval: %v)", m.cfg.MonitorInterval)

	for {
		snapshot := m.MonitorOnce(ctx)

		wait := m.cfg.MonitorInterval
		if len(snapshot) == 0 {
			wait = errorBackoff
		}

		select {
		case <-ctx.Done():
			m.log.Info("GPU monitor stopped")
			return
		case <-time.After(wait):
		}
	}
}

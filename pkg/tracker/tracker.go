// Process Tracker: registry of worker processes with heartbeats.
// The per-pid record hash is the source of truth; the per-GPU pid sets and
// the global registry hash are derived indices. Nothing here is transactional,
// so every cleanup path reconciles from the record and tolerates partially
// applied prior writes.
package tracker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Yijuehen/gpubalance/pkg/common"
	"github.com/Yijuehen/gpubalance/pkg/logger"
	"github.com/Yijuehen/gpubalance/pkg/metrics"
	"github.com/Yijuehen/gpubalance/pkg/storage"
)

// gpuProcessesPattern: Scan pattern over all per-GPU pid sets
const gpuProcessesPattern = "gpu:*:processes"

// Tracker: Process tracker component
type Tracker struct {
	cfg   *common.Config
	store storage.Store
	log   *logger.Logger
}

// Summary: Fleet-wide process accounting
type Summary struct {
	Total     int
	Running   int
	Stuck     int
	ByGPU     map[int]int
	ByType    map[common.ProcType]int
	Timestamp int64
}

// New: Create a process tracker
func New(cfg *common.Config, store storage.Store) *Tracker {
	return &Tracker{cfg: cfg, store: store, log: logger.Get()}
}

// ============================================================================
// REGISTRATION & HEARTBEATS
// ============================================================================

// Register: Create a running record and write all three indices
func (t *Tracker) Register(ctx context.Context, pid, gpuID int, procType common.ProcType, priority int) error {
	now := time.Now().Unix()
	record := common.ProcessRecord{
		PID:           pid,
		GPUID:         gpuID,
		ProcType:      procType,
		Status:        common.StatusRunning,
		Priority:      priority,
		StartTime:     now,
		LastHeartbeat: now,
	}

	if err := t.store.HSet(ctx, common.ProcessKey(pid), record.Fields()); err != nil {
		return err
	}
	if err := t.store.SAdd(ctx, common.GPUProcessesKey(gpuID), strconv.Itoa(pid)); err != nil {
		return err
	}
	if err := t.store.HSet(ctx, common.RegistryKey, map[string]interface{}{
		strconv.Itoa(pid): string(procType),
	}); err != nil {
		return err
	}

	t.log.Info("Registered process: pid=%d gpu=%d type=%s priority=%d", pid, gpuID, procType, priority)
	return nil
}

// Heartbeat: Refresh last_heartbeat and any supplied counters
// Reports false when the record does not exist (unknown pids never
// resurrect a record).
func (t *Tracker) Heartbeat(ctx context.Context, pid int, counters map[string]interface{}) bool {
	record, ok := t.GetProcess(ctx, pid)
	if !ok {
		t.log.Warn("Heartbeat from unregistered pid %d", pid)
		return false
	}

	fields := map[string]interface{}{
		"last_heartbeat": time.Now().Unix(),
	}
	for k, v := range counters {
		fields[k] = v
	}

	if err := t.store.HSet(ctx, common.ProcessKey(record.PID), fields); err != nil {
		t.log.Error("Failed to update heartbeat for pid %d: %v", pid, err)
		return false
	}
	return true
}

// ============================================================================
// QUERIES
// ============================================================================

// GetProcess: Load one record; false when it does not exist
func (t *Tracker) GetProcess(ctx context.Context, pid int) (common.ProcessRecord, bool) {
	fields, err := t.store.HGetAll(ctx, common.ProcessKey(pid))
	if err != nil || len(fields) == 0 {
		return common.ProcessRecord{}, false
	}
	return common.ParseProcessRecord(fields), true
}

// ProcessesByGPU: Records for every pid indexed on one GPU
func (t *Tracker) ProcessesByGPU(ctx context.Context, gpuID int) []common.ProcessRecord {
	pids, err := t.store.SMembers(ctx, common.GPUProcessesKey(gpuID))
	if err != nil {
		t.log.Error("Failed to read GPU %d pid set: %v", gpuID, err)
		return nil
	}

	var records []common.ProcessRecord
	for _, pidStr := range pids {
		if record, ok := t.GetProcess(ctx, common.SafeInt(pidStr, 0)); ok {
			records = append(records, record)
		}
	}
	return records
}

// AllProcesses: Records for every pid in the global registry
func (t *Tracker) AllProcesses(ctx context.Context) []common.ProcessRecord {
	registry, err := t.store.HGetAll(ctx, common.RegistryKey)
	if err != nil {
		t.log.Error("Failed to read process registry: %v", err)
		return nil
	}

	var records []common.ProcessRecord
	for pidStr := range registry {
		if record, ok := t.GetProcess(ctx, common.SafeInt(pidStr, 0)); ok {
			records = append(records, record)
		}
	}
	return records
}

// ============================================================================
// HEARTBEAT SCAN & REAPER
// ============================================================================

// ScanHeartbeats: Mark every record whose heartbeat is older than timeout
// as stuck, in place. Idempotent: re-marking a stuck record is a no-op.
// Returns the pids found stale this scan.
func (t *Tracker) ScanHeartbeats(ctx context.Context, timeout time.Duration) []int {
	now := time.Now()
	var stale []int

	for _, record := range t.AllProcesses(ctx) {
		age := record.HeartbeatAge(now)
		if age <= timeout.Seconds() {
			continue
		}

		t.log.Warn("Process %d heartbeat timed out (last heartbeat %.1fs ago)", record.PID, age)
		if err := t.store.HSet(ctx, common.ProcessKey(record.PID), map[string]interface{}{
			"status": string(common.StatusStuck),
		}); err != nil {
			t.log.Error("Failed to mark pid %d stuck: %v", record.PID, err)
			continue
		}
		stale = append(stale, record.PID)
	}

	return stale
}

// Reap: Remove every currently stuck record from all three indices, and
// opportunistically repair index entries whose record is already gone.
// Safe to call repeatedly.
func (t *Tracker) Reap(ctx context.Context) int {
	reaped := 0

	registry, err := t.store.HGetAll(ctx, common.RegistryKey)
	if err != nil {
		t.log.Error("Failed to read process registry: %v", err)
		return 0
	}

	for pidStr := range registry {
		pid := common.SafeInt(pidStr, 0)
		record, ok := t.GetProcess(ctx, pid)
		if !ok {
			// Record already gone; the registry entry is an orphan
			t.removeIndices(ctx, pid, -1)
			continue
		}
		if record.Status != common.StatusStuck {
			continue
		}

		t.removeIndices(ctx, pid, record.GPUID)
		if err := t.store.Del(ctx, common.ProcessKey(pid)); err != nil {
			t.log.Error("Failed to delete record for pid %d: %v", pid, err)
			continue
		}
		t.log.Info("Reaped stuck process: pid=%d gpu=%d", pid, record.GPUID)
		reaped++
	}

	if reaped > 0 {
		metrics.ProcessesReapedTotal.Add(float64(reaped))
	}
	return reaped
}

// Unregister: Remove one process from all three indices unconditionally
func (t *Tracker) Unregister(ctx context.Context, pid int) bool {
	record, ok := t.GetProcess(ctx, pid)
	gpuID := -1
	if ok {
		gpuID = record.GPUID
	}

	t.removeIndices(ctx, pid, gpuID)
	if err := t.store.Del(ctx, common.ProcessKey(pid)); err != nil {
		t.log.Error("Failed to delete record for pid %d: %v", pid, err)
		return false
	}

	if ok {
		t.log.Info("Unregistered process: pid=%d gpu=%d type=%s", pid, gpuID, record.ProcType)
	}
	return ok
}

// removeIndices: Drop pid from the registry hash and the per-GPU pid sets.
// gpuID < 0 means the owning GPU is unknown, so every GPU set is swept.
func (t *Tracker) removeIndices(ctx context.Context, pid int, gpuID int) {
	pidStr := strconv.Itoa(pid)

	if err := t.store.HDel(ctx, common.RegistryKey, pidStr); err != nil {
		t.log.Error("Failed to remove pid %d from registry: %v", pid, err)
	}

	if gpuID >= 0 {
		if err := t.store.SRem(ctx, common.GPUProcessesKey(gpuID), pidStr); err != nil {
			t.log.Error("Failed to remove pid %d from GPU %d set: %v", pid, gpuID, err)
		}
		return
	}

	keys, err := t.store.Keys(ctx, gpuProcessesPattern)
	if err != nil {
		return
	}
	for _, key := range keys {
		_ = t.store.SRem(ctx, key, pidStr)
	}
}

// ============================================================================
// AGGREGATION
// ============================================================================

// CountByGPU: Live pid-set cardinality per GPU, scanned, not cached
func (t *Tracker) CountByGPU(ctx context.Context) map[int]int {
	keys, err := t.store.Keys(ctx, gpuProcessesPattern)
	if err != nil {
		t.log.Error("Failed to scan GPU pid sets: %v", err)
		return map[int]int{}
	}

	counts := make(map[int]int)
	for _, key := range keys {
		gpuID, err := parseGPUKey(key)
		if err != nil {
			continue
		}
		card, err := t.store.SCard(ctx, key)
		if err != nil {
			continue
		}
		counts[gpuID] = int(card)
	}
	return counts
}

// CountByType: Process counts grouped by type, scanned from the registry
func (t *Tracker) CountByType(ctx context.Context) map[common.ProcType]int {
	counts := make(map[common.ProcType]int)
	for _, record := range t.AllProcesses(ctx) {
		counts[record.ProcType]++
	}
	return counts
}

// StatusSummary: Fleet-wide accounting snapshot
func (t *Tracker) StatusSummary(ctx context.Context) Summary {
	all := t.AllProcesses(ctx)

	summary := Summary{
		Total:     len(all),
		ByGPU:     t.CountByGPU(ctx),
		ByType:    make(map[common.ProcType]int),
		Timestamp: time.Now().Unix(),
	}

	for _, record := range all {
		summary.ByType[record.ProcType]++
		switch record.Status {
		case common.StatusRunning:
			summary.Running++
		case common.StatusStuck:
			summary.Stuck++
		}
	}

	return summary
}

// parseGPUKey: Extract the GPU id from a gpu:<id>:processes key
func parseGPUKey(key string) (int, error) {
	var gpuID int
	_, err := fmt.Sscanf(key, "gpu:%d:processes", &gpuID)
	return gpuID, err
}

// Load balancer: detects uneven GPU load and plans corrective actions.
// Two strategies. The no-migration strategy only steers NEW work by marking
// GPUs paused or preferred. The process-migration strategy plans moves but
// executes them extremely conservatively, a running process is never killed.
// Detection reads the published metrics hashes, never the hardware, so the
// balancer and the monitor can run in different processes.
package balancer

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/Yijuehen/gpubalance/pkg/common"
	"github.com/Yijuehen/gpubalance/pkg/logger"
	"github.com/Yijuehen/gpubalance/pkg/metrics"
	"github.com/Yijuehen/gpubalance/pkg/storage"
	"github.com/Yijuehen/gpubalance/pkg/tracker"
)

const (
	overloadUtil     = 85.0
	overloadMemRatio = 0.9
	idleUtil         = 50.0
	idleFreeMemMB    = 2000
)

// ExecResult: Outcome of one action execution
type ExecResult int

const (
	ExecDone ExecResult = iota
	ExecRefused
	ExecFailed
)

// GPUStatus: One GPU's load picture at detection time
type GPUStatus struct {
	GPUID        int
	Metrics      common.GPUMetrics
	NumProcesses int
}

// Imbalance: Fleet-wide load assessment
type Imbalance struct {
	Imbalanced     bool
	OverloadedGPUs []int
	IdleGPUs       []int
	LoadVariance   float64
	AvgLoad        float64
	Statuses       map[int]GPUStatus
}

// Result: Outcome of one balance cycle
type Result struct {
	Balanced     bool
	ActionsTaken int
	ActionsTotal int
	Imbalance    Imbalance
}

// Balancer: Load balancer component
type Balancer struct {
	cfg     *common.Config
	store   storage.Store
	tracker *tracker.Tracker
	log     *logger.Logger
}

// New: Create a load balancer
func New(cfg *common.Config, store storage.Store, trk *tracker.Tracker) *Balancer {
	return &Balancer{cfg: cfg, store: store, tracker: trk, log: logger.Get()}
}

// ============================================================================
// LOAD CLASSIFICATION
// ============================================================================

// LoadScore: Combined load of one GPU, 0-100, higher is busier
func LoadScore(m common.GPUMetrics) float64 {
	memRatio := 0.0
	if m.MemoryTotalMB > 0 {
		memRatio = float64(m.MemoryUsedMB) / float64(m.MemoryTotalMB)
	}
	return (m.Utilization + memRatio*100) / 2
}

// IsOverloaded: High compute utilization or nearly full memory
func IsOverloaded(m common.GPUMetrics) bool {
	memRatio := 0.0
	if m.MemoryTotalMB > 0 {
		memRatio = float64(m.MemoryUsedMB) / float64(m.MemoryTotalMB)
	}
	return m.Utilization > overloadUtil || memRatio > overloadMemRatio
}

// IsIdle: Low utilization with meaningful free memory
func IsIdle(m common.GPUMetrics) bool {
	return m.Utilization < idleUtil && m.MemoryFreeMB > idleFreeMemMB
}

// ============================================================================
// DETECTION
// ============================================================================

// Detect: Classify every GPU with published metrics as overloaded, idle or
// neither. The fleet is imbalanced only when both extremes exist at once.
// Variance is computed for observability, it does not drive the decision.
func (b *Balancer) Detect(ctx context.Context) Imbalance {
	keys, err := b.store.Keys(ctx, common.MetricsKeyPattern)
	if err != nil {
		b.log.Error("Failed to scan GPU metrics: %v", err)
		return Imbalance{Statuses: map[int]GPUStatus{}}
	}

	statuses := make(map[int]GPUStatus)
	var loadScores []float64
	var overloaded, idle []int

	for _, key := range keys {
		var gpuID int
		if _, err := fmt.Sscanf(key, "gpu:metrics:%d", &gpuID); err != nil {
			continue
		}
		fields, err := b.store.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		m := common.ParseGPUMetrics(fields)

		statuses[gpuID] = GPUStatus{
			GPUID:        gpuID,
			Metrics:      m,
			NumProcesses: len(b.tracker.ProcessesByGPU(ctx, gpuID)),
		}
		loadScores = append(loadScores, LoadScore(m))

		if IsOverloaded(m) {
			overloaded = append(overloaded, gpuID)
		}
		if IsIdle(m) {
			idle = append(idle, gpuID)
		}
	}
	sort.Ints(overloaded)
	sort.Ints(idle)

	avgLoad, variance := 0.0, 0.0
	if len(loadScores) > 0 {
		for _, s := range loadScores {
			avgLoad += s
		}
		avgLoad /= float64(len(loadScores))
	}
	if len(loadScores) > 1 {
		for _, s := range loadScores {
			variance += (s - avgLoad) * (s - avgLoad)
		}
		variance /= float64(len(loadScores))
	}

	imbalanced := len(overloaded) > 0 && len(idle) > 0
	if imbalanced {
		b.log.Warn("Load imbalance: overloaded=%v idle=%v variance=%.2f", overloaded, idle, variance)
		metrics.ImbalanceDetectedTotal.Inc()
	}
	metrics.LoadVariance.Set(variance)

	return Imbalance{
		Imbalanced:     imbalanced,
		OverloadedGPUs: overloaded,
		IdleGPUs:       idle,
		LoadVariance:   variance,
		AvgLoad:        avgLoad,
		Statuses:       statuses,
	}
}

// ============================================================================
// PLANNING
// ============================================================================

// Plan: Corrective actions for an imbalance, highest priority first.
// Returns nothing when either extreme is empty.
func (b *Balancer) Plan(ctx context.Context, imb Imbalance, strategy common.Strategy) []common.RebalanceAction {
	if len(imb.OverloadedGPUs) == 0 || len(imb.IdleGPUs) == 0 {
		b.log.Info("Load is balanced, no plan needed")
		return nil
	}

	var actions []common.RebalanceAction
	b.log.Info("Creating rebalance plan: strategy=%s", strategy)

	switch strategy {
	case common.StrategyNoMigration:
		for _, gpuID := range imb.OverloadedGPUs {
			actions = append(actions, common.RebalanceAction{
				Type:      common.ActionPauseNewTasks,
				SourceGPU: gpuID,
				TargetGPU: -1,
				ProcessID: -1,
				Reason:    fmt.Sprintf("GPU %d overloaded, pause new task placement", gpuID),
				Priority:  7,
			})
		}
		for _, gpuID := range imb.IdleGPUs {
			actions = append(actions, common.RebalanceAction{
				Type:      common.ActionEncourageNewTasks,
				SourceGPU: -1,
				TargetGPU: gpuID,
				ProcessID: -1,
				Reason:    fmt.Sprintf("GPU %d idle, encourage new task placement", gpuID),
				Priority:  5,
			})
		}

	case common.StrategyProcessMigration:
		overloaded := append([]int(nil), imb.OverloadedGPUs...)
		for _, idleGPU := range imb.IdleGPUs {
			if len(overloaded) == 0 {
				break
			}

			// Drain the busiest source first
			source := overloaded[0]
			for _, gpuID := range overloaded {
				if LoadScore(imb.Statuses[gpuID].Metrics) > LoadScore(imb.Statuses[source].Metrics) {
					source = gpuID
				}
			}

			procs := b.tracker.ProcessesByGPU(ctx, source)
			if len(procs) == 0 {
				overloaded = removeGPU(overloaded, source)
				continue
			}
			victim := procs[0]
			for _, p := range procs[1:] {
				if p.Priority < victim.Priority {
					victim = p
				}
			}

			actions = append(actions, common.RebalanceAction{
				Type:      common.ActionMigrateProcess,
				SourceGPU: source,
				TargetGPU: idleGPU,
				ProcessID: victim.PID,
				Reason: fmt.Sprintf("migrate process %d from overloaded GPU %d to idle GPU %d",
					victim.PID, source, idleGPU),
				Priority: 8,
			})

			// One migration per source per cycle
			overloaded = removeGPU(overloaded, source)
		}
	}

	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Priority > actions[j].Priority
	})

	b.log.Info("Planned %d rebalance actions", len(actions))
	for _, a := range actions {
		b.log.Info("  - %s: %s", a.Type, a.Reason)
	}
	return actions
}

func removeGPU(gpus []int, gpuID int) []int {
	out := gpus[:0]
	for _, g := range gpus {
		if g != gpuID {
			out = append(out, g)
		}
	}
	return out
}

// ============================================================================
// EXECUTION
// ============================================================================

// Execute: Apply one action. Marker actions write the paused/preferred
// sets. Migration never touches a live process, it either refuses with an
// advisory or fails.
func (b *Balancer) Execute(ctx context.Context, action common.RebalanceAction) ExecResult {
	switch action.Type {
	case common.ActionPauseNewTasks:
		if err := b.store.SAdd(ctx, common.PausedTasksKey, strconv.Itoa(action.SourceGPU)); err != nil {
			b.log.Error("Failed to pause GPU %d: %v", action.SourceGPU, err)
			return ExecFailed
		}
		b.log.Info("Paused new task placement on GPU %d", action.SourceGPU)
		return ExecDone

	case common.ActionEncourageNewTasks:
		if err := b.store.SAdd(ctx, common.PreferredTasksKey, strconv.Itoa(action.TargetGPU)); err != nil {
			b.log.Error("Failed to mark GPU %d preferred: %v", action.TargetGPU, err)
			return ExecFailed
		}
		b.log.Info("Marked GPU %d preferred for new tasks", action.TargetGPU)
		return ExecDone

	case common.ActionMigrateProcess:
		if !b.cfg.EnableMigration {
			b.log.Warn("Process migration disabled, skipping migration of pid %d", action.ProcessID)
			return ExecRefused
		}
		return b.migrate(ctx, action)

	default:
		b.log.Warn("Unknown action type: %s", action.Type)
		return ExecFailed
	}
}

// migrate: Advisory-only migration. Collect workers should move between
// units of work, train workers carry too much state to move at all.
func (b *Balancer) migrate(ctx context.Context, action common.RebalanceAction) ExecResult {
	record, ok := b.tracker.GetProcess(ctx, action.ProcessID)
	if !ok {
		b.log.Warn("Cannot migrate pid %d: process not found", action.ProcessID)
		return ExecFailed
	}

	switch record.ProcType {
	case common.ProcCollect:
		b.log.Info("Recommend migrating pid %d from GPU %d to GPU %d after its current unit of work",
			record.PID, action.SourceGPU, action.TargetGPU)
		return ExecRefused
	case common.ProcTrain:
		b.log.Warn("Refusing to migrate train process %d", record.PID)
		return ExecRefused
	default:
		b.log.Warn("Cannot migrate pid %d: unsupported process type %s", record.PID, record.ProcType)
		return ExecFailed
	}
}

// ============================================================================
// BALANCE CYCLE
// ============================================================================

// BalanceOnce: One full detect/plan/execute cycle.
// A fleet that was never imbalanced reports Balanced with zero actions.
// An imbalanced fleet reports Balanced only when at least one action
// actually executed.
func (b *Balancer) BalanceOnce(ctx context.Context, strategy common.Strategy) Result {
	metrics.BalanceRunsTotal.Inc()

	imb := b.Detect(ctx)
	if !imb.Imbalanced {
		b.log.Info("Load is balanced, nothing to do")
		return Result{Balanced: true, Imbalance: imb}
	}

	actions := b.Plan(ctx, imb, strategy)
	if len(actions) == 0 {
		b.log.Warn("Imbalance detected but no viable plan")
		return Result{Balanced: false, Imbalance: imb}
	}

	executed := 0
	for _, action := range actions {
		if b.Execute(ctx, action) == ExecDone {
			executed++
			metrics.ActionsExecutedTotal.WithLabelValues(string(action.Type)).Inc()
		}
	}

	b.log.Info("Balance cycle complete: executed %d/%d actions", executed, len(actions))
	return Result{
		Balanced:     executed > 0,
		ActionsTaken: executed,
		ActionsTotal: len(actions),
		Imbalance:    imb,
	}
}

// ClearFlags: Drop the paused/preferred marker sets, restoring neutral
// placement
func (b *Balancer) ClearFlags(ctx context.Context) error {
	if err := b.store.Del(ctx, common.PausedTasksKey, common.PreferredTasksKey); err != nil {
		return err
	}
	b.log.Info("Cleared balance marker sets")
	return nil
}

// Task scheduler: picks the best GPUs for new collect/train/eval work.
// Candidates are recomputed from the live metrics hashes on every call so
// a stale published availability set can never hand out a bad GPU. Collect
// and train tasks are scored identically.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Yijuehen/gpubalance/pkg/common"
	"github.com/Yijuehen/gpubalance/pkg/history"
	"github.com/Yijuehen/gpubalance/pkg/logger"
	"github.com/Yijuehen/gpubalance/pkg/storage"
	"github.com/Yijuehen/gpubalance/pkg/tracker"
)

// fullLoadProcs: Process count treated as a fully loaded GPU when scoring
const fullLoadProcs = 5

// memoryHeadroomMB: Free memory above the floor that earns the full
// memory score
const memoryHeadroomMB = 8000

// Scheduler: Task scheduler component
type Scheduler struct {
	cfg        *common.Config
	store      storage.Store
	tracker    *tracker.Tracker
	thresholds *history.ThresholdManager
	log        *logger.Logger
}

// Constraints: Per-allocation overrides. Zero values mean "use the active
// thresholds"; SpecificGPU is -1 when no GPU is pinned.
type Constraints struct {
	MinMemoryMB    int
	MaxUtilization float64
	SpecificGPU    int
}

// DefaultConstraints: No overrides, no pinned GPU
func DefaultConstraints() Constraints {
	return Constraints{SpecificGPU: -1}
}

// PlacementStrategy: How a batch of tasks should be laid out
type PlacementStrategy string

const (
	StrategySpread      PlacementStrategy = "spread"
	StrategyBalanced    PlacementStrategy = "balanced"
	StrategyConcentrate PlacementStrategy = "concentrate"
	StrategyNone        PlacementStrategy = "none"
)

// Recommendation: Suggested placement for a batch of tasks
type Recommendation struct {
	Strategy PlacementStrategy
	GPUIDs   []int
	Reasons  []string
}

// AllocationStatus: Fleet allocation snapshot
type AllocationStatus struct {
	TotalProcesses int
	ByType         map[common.ProcType]int
	ByGPU          map[int]int
	AvailableGPUs  []int
	Timestamp      int64
}

// New: Create a task scheduler
func New(cfg *common.Config, store storage.Store, trk *tracker.Tracker, thresholds *history.ThresholdManager) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		tracker:    trk,
		thresholds: thresholds,
		log:        logger.Get(),
	}
}

// ============================================================================
// SCORING
// ============================================================================

// Score: Suitability of one GPU for new work, 0-100.
// Utilization contributes up to 40 points, free memory up to 30, process
// count up to 20 and temperature up to 10. A GPU with no metrics hash
// scores zero and reports itself fully loaded.
func (s *Scheduler) Score(ctx context.Context, gpuID int, thresholds common.ThresholdConfig) common.AllocationScore {
	fields, err := s.store.HGetAll(ctx, common.MetricsKey(gpuID))
	if err != nil || len(fields) == 0 {
		return common.AllocationScore{
			GPUID:        gpuID,
			Score:        0,
			Utilization:  100.0,
			MemoryFreeMB: 0,
			NumProcesses: 999,
			Reasons:      []string{"no metrics for GPU"},
		}
	}
	m := common.ParseGPUMetrics(fields)

	var reasons []string
	score := 0.0
	minMemory := thresholds.MinMemoryMB

	utilScore := math.Max(0, 40*(1-m.Utilization/100))
	score += utilScore
	reasons = append(reasons, fmt.Sprintf("utilization %.1f%%: +%.1f", m.Utilization, utilScore))

	if m.MemoryFreeMB >= minMemory {
		// With the floor at or above the headroom ceiling, any GPU that
		// clears the floor earns the full memory score
		memScore := 30.0
		if minMemory < memoryHeadroomMB {
			memScore = math.Min(30, 30*float64(m.MemoryFreeMB-minMemory)/float64(memoryHeadroomMB-minMemory))
		}
		score += memScore
		reasons = append(reasons, fmt.Sprintf("free memory %dMB: +%.1f", m.MemoryFreeMB, memScore))
	} else {
		reasons = append(reasons, fmt.Sprintf("free memory %dMB below %dMB", m.MemoryFreeMB, minMemory))
	}

	procScore := math.Max(0, 20*(1-float64(m.NumProcesses)/fullLoadProcs))
	score += procScore
	reasons = append(reasons, fmt.Sprintf("%d processes: +%.1f", m.NumProcesses, procScore))

	if s.cfg.EnableTemperature && m.Temperature > 0 {
		tempScore := math.Max(0, 10*(1-float64(m.Temperature)/float64(s.cfg.MaxTemperature)))
		score += tempScore
		reasons = append(reasons, fmt.Sprintf("temperature %dC: +%.1f", m.Temperature, tempScore))
	}

	return common.AllocationScore{
		GPUID:        gpuID,
		Score:        score,
		Utilization:  m.Utilization,
		MemoryFreeMB: m.MemoryFreeMB,
		NumProcesses: m.NumProcesses,
		Reasons:      reasons,
	}
}

// ============================================================================
// CANDIDATES
// ============================================================================

// candidates: GPUs whose live metrics satisfy the memory and utilization
// cutoffs, ascending by id
func (s *Scheduler) candidates(ctx context.Context, minMemoryMB int, maxUtil float64) []int {
	keys, err := s.store.Keys(ctx, common.MetricsKeyPattern)
	if err != nil {
		s.log.Error("Failed to scan GPU metrics: %v", err)
		return nil
	}

	var gpus []int
	for _, key := range keys {
		var gpuID int
		if _, err := fmt.Sscanf(key, "gpu:metrics:%d", &gpuID); err != nil {
			continue
		}
		fields, err := s.store.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		m := common.ParseGPUMetrics(fields)
		if m.MemoryFreeMB >= minMemoryMB && m.Utilization <= maxUtil {
			gpus = append(gpus, gpuID)
		}
	}
	sort.Ints(gpus)
	return gpus
}

// resolveCutoffs: Active thresholds with any constraint overrides applied
func (s *Scheduler) resolveCutoffs(ctx context.Context, c Constraints) (common.ThresholdConfig, int, float64) {
	thresholds := s.thresholds.Adaptive(ctx)

	minMemory := thresholds.MinMemoryMB
	if c.MinMemoryMB > 0 {
		minMemory = c.MinMemoryMB
	}
	maxUtil := thresholds.MaxUtilization
	if c.MaxUtilization > 0 {
		maxUtil = c.MaxUtilization
	}
	return thresholds, minMemory, maxUtil
}

// ============================================================================
// ALLOCATION
// ============================================================================

// Allocate: Best GPU for one task. Reports false when no GPU qualifies.
// A pinned GPU wins whenever it is among the candidates.
func (s *Scheduler) Allocate(ctx context.Context, taskType common.ProcType, c Constraints) (int, bool) {
	thresholds, minMemory, maxUtil := s.resolveCutoffs(ctx, c)
	gpus := s.candidates(ctx, minMemory, maxUtil)
	if len(gpus) == 0 {
		s.log.Warn("No GPU available for %s task", taskType)
		return -1, false
	}

	if c.SpecificGPU >= 0 {
		for _, gpuID := range gpus {
			if gpuID == c.SpecificGPU {
				s.log.Info("Allocated pinned GPU %d to %s task", gpuID, taskType)
				return gpuID, true
			}
		}
	}

	scores := s.scoreAll(ctx, gpus, thresholds)
	best := scores[0]

	s.log.Info("Allocated GPU %d to %s task (score %.1f, util %.1f%%, free %dMB)",
		best.GPUID, taskType, best.Score, best.Utilization, best.MemoryFreeMB)
	s.log.Debug("Score detail: %v", best.Reasons)
	return best.GPUID, true
}

// AllocateMany: Best N GPUs for a batch of tasks, best first.
// count = -1 allocates every qualifying GPU.
func (s *Scheduler) AllocateMany(ctx context.Context, taskType common.ProcType, count int, c Constraints) []int {
	thresholds, minMemory, maxUtil := s.resolveCutoffs(ctx, c)
	gpus := s.candidates(ctx, minMemory, maxUtil)
	if len(gpus) == 0 {
		s.log.Warn("No GPU available for %s task", taskType)
		return nil
	}

	if count == -1 || count > len(gpus) {
		count = len(gpus)
	}

	scores := s.scoreAll(ctx, gpus, thresholds)
	allocated := make([]int, 0, count)
	for _, sc := range scores[:count] {
		allocated = append(allocated, sc.GPUID)
	}

	s.log.Info("Allocated %d GPUs to %s tasks: %v", len(allocated), taskType, allocated)
	return allocated
}

// scoreAll: Score every candidate, descending by score.
// Ties fall back to ascending GPU id so allocation is deterministic.
func (s *Scheduler) scoreAll(ctx context.Context, gpus []int, thresholds common.ThresholdConfig) []common.AllocationScore {
	scores := make([]common.AllocationScore, 0, len(gpus))
	for _, gpuID := range gpus {
		scores = append(scores, s.Score(ctx, gpuID, thresholds))
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Score > scores[j].Score
	})
	return scores
}

// ============================================================================
// RECOMMENDATIONS
// ============================================================================

// Recommend: Placement strategy for a batch of tasks.
// Few tasks spread across GPUs, moderate batches balance over all of them,
// large batches concentrate on the best half.
func (s *Scheduler) Recommend(ctx context.Context, taskType common.ProcType, numTasks int) Recommendation {
	thresholds := s.thresholds.Current(ctx)
	gpus := s.candidates(ctx, thresholds.MinMemoryMB, thresholds.MaxUtilization)

	if len(gpus) == 0 {
		return Recommendation{
			Strategy: StrategyNone,
			Reasons:  []string{"no GPU available"},
		}
	}

	n := len(gpus)
	switch {
	case numTasks <= n:
		return Recommendation{
			Strategy: StrategySpread,
			GPUIDs:   gpus[:numTasks],
			Reasons:  []string{fmt.Sprintf("%d tasks fit across %d available GPUs", numTasks, n)},
		}
	case numTasks <= n*2:
		return Recommendation{
			Strategy: StrategyBalanced,
			GPUIDs:   gpus,
			Reasons:  []string{fmt.Sprintf("%d tasks balance over all %d GPUs", numTasks, n)},
		}
	default:
		scores := s.scoreAll(ctx, gpus, thresholds)
		top := n / 2
		if top < 1 {
			top = 1
		}
		ids := make([]int, 0, top)
		for _, sc := range scores[:top] {
			ids = append(ids, sc.GPUID)
		}
		return Recommendation{
			Strategy: StrategyConcentrate,
			GPUIDs:   ids,
			Reasons:  []string{fmt.Sprintf("%d tasks concentrate on the best %d GPUs", numTasks, top)},
		}
	}
}

// ============================================================================
// STATUS
// ============================================================================

// Status: Current allocation snapshot from the registry and the published
// availability set
func (s *Scheduler) Status(ctx context.Context) AllocationStatus {
	summary := s.tracker.StatusSummary(ctx)

	members, err := s.store.SMembers(ctx, common.AvailableKey)
	if err != nil {
		s.log.Error("Failed to read available set: %v", err)
	}
	available := make([]int, 0, len(members))
	for _, m := range members {
		available = append(available, common.SafeInt(m, 0))
	}
	sort.Ints(available)

	return AllocationStatus{
		TotalProcesses: summary.Total,
		ByType:         summary.ByType,
		ByGPU:          summary.ByGPU,
		AvailableGPUs:  available,
		Timestamp:      time.Now().Unix(),
	}
}

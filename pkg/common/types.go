// File: pkg/common/types.go
// Shared configuration and data model for the GPU fleet coordination subsystem
// Every component receives *Config by reference at construction (no global state)

package common

import (
	"time"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config: All tunables, loaded once at startup by pkg/config
type Config struct {
	// Feature switch
	Enabled bool

	// Monitoring
	MonitorInterval   time.Duration
	MetricsTTL        time.Duration
	EnableTemperature bool
	EnablePower       bool
	TelemetryBackend  string // "smi" (nvidia-smi exec) or "nvml"
	MockGPU           bool

	// Balancing
	BalanceInterval time.Duration
	EnableMigration bool

	// Static thresholds (starting point when adaptive is off or has no data)
	MinMemoryMB        int
	MaxUtilization     float64
	MaxTemperature     int
	UtilLowThreshold   float64
	UtilHighThreshold  float64
	AdaptiveThresholds bool

	// Process management
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	AutoRestart        bool
	MaxRestartAttempts int
	ShutdownTimeout    time.Duration

	// Redis configuration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Logging
	LogLevel string
}

// ============================================================================
// ENUMS
// ============================================================================

// ProcType: Kind of worker process
type ProcType string

const (
	ProcCollect ProcType = "collect"
	ProcTrain   ProcType = "train"
	ProcEval    ProcType = "eval"
)

// ProcStatus: Lifecycle state of a tracked process
type ProcStatus string

const (
	StatusRunning ProcStatus = "running"
	StatusStuck   ProcStatus = "stuck"
)

// ActionType: Kind of rebalancing action
type ActionType string

const (
	ActionPauseNewTasks     ActionType = "pause_new_tasks"
	ActionEncourageNewTasks ActionType = "encourage_new_tasks"
	ActionMigrateProcess    ActionType = "migrate_process"
)

// Strategy: Load balancing strategy
type Strategy string

const (
	StrategyNoMigration      Strategy = "no-migration"
	StrategyProcessMigration Strategy = "process-migration"
)

// ============================================================================
// GPU METRICS (ephemeral, TTL-published, replaced each monitor tick)
// ============================================================================

// GPUMetrics: Point-in-time facts about one GPU
type GPUMetrics struct {
	GPUID         int
	Name          string
	Utilization   float64 // 0-100
	MemoryUsedMB  int
	MemoryTotalMB int
	MemoryFreeMB  int
	Temperature   int
	PowerUsage    int
	NumProcesses  int
	Timestamp     int64 // unix seconds
}

// Fields: Hash representation for the coordination store
func (m GPUMetrics) Fields() map[string]interface{} {
	return map[string]interface{}{
		"gpu_id":          m.GPUID,
		"name":            m.Name,
		"utilization":     m.Utilization,
		"memory_used_mb":  m.MemoryUsedMB,
		"memory_total_mb": m.MemoryTotalMB,
		"memory_free_mb":  m.MemoryFreeMB,
		"temperature":     m.Temperature,
		"power_usage":     m.PowerUsage,
		"num_processes":   m.NumProcesses,
		"timestamp":       m.Timestamp,
	}
}

// ParseGPUMetrics: Rebuild metrics from a store hash
func ParseGPUMetrics(fields map[string]string) GPUMetrics {
	return GPUMetrics{
		GPUID:         SafeInt(fields["gpu_id"], 0),
		Name:          fields["name"],
		Utilization:   SafeFloat(fields["utilization"], 0),
		MemoryUsedMB:  SafeInt(fields["memory_used_mb"], 0),
		MemoryTotalMB: SafeInt(fields["memory_total_mb"], 0),
		MemoryFreeMB:  SafeInt(fields["memory_free_mb"], 0),
		Temperature:   SafeInt(fields["temperature"], 0),
		PowerUsage:    SafeInt(fields["power_usage"], 0),
		NumProcesses:  SafeInt(fields["num_processes"], 0),
		Timestamp:     SafeInt64(fields["timestamp"], 0),
	}
}

// ============================================================================
// PROCESS RECORD (explicit lifecycle, the source of truth for the registry)
// ============================================================================

// ProcessRecord: One registered worker process
type ProcessRecord struct {
	PID            int
	GPUID          int
	ProcType       ProcType
	Status         ProcStatus
	Priority       int // 0-10
	StartTime      int64
	LastHeartbeat  int64
	GamesCompleted int // collect workers
	Iteration      int // train workers
}

// Age: Seconds since the process registered
func (p ProcessRecord) Age(now time.Time) float64 {
	return now.Sub(time.Unix(p.StartTime, 0)).Seconds()
}

// HeartbeatAge: Seconds since the last heartbeat
func (p ProcessRecord) HeartbeatAge(now time.Time) float64 {
	return now.Sub(time.Unix(p.LastHeartbeat, 0)).Seconds()
}

// Fields: Hash representation for the coordination store
func (p ProcessRecord) Fields() map[string]interface{} {
	return map[string]interface{}{
		"pid":             p.PID,
		"gpu_id":          p.GPUID,
		"proc_type":       string(p.ProcType),
		"status":          string(p.Status),
		"priority":        p.Priority,
		"start_time":      p.StartTime,
		"last_heartbeat":  p.LastHeartbeat,
		"games_completed": p.GamesCompleted,
		"iteration":       p.Iteration,
	}
}

// ParseProcessRecord: Rebuild a record from a store hash
func ParseProcessRecord(fields map[string]string) ProcessRecord {
	return ProcessRecord{
		PID:            SafeInt(fields["pid"], 0),
		GPUID:          SafeInt(fields["gpu_id"], 0),
		ProcType:       ProcType(fields["proc_type"]),
		Status:         ProcStatus(fields["status"]),
		Priority:       SafeInt(fields["priority"], 0),
		StartTime:      SafeInt64(fields["start_time"], 0),
		LastHeartbeat:  SafeInt64(fields["last_heartbeat"], 0),
		GamesCompleted: SafeInt(fields["games_completed"], 0),
		Iteration:      SafeInt(fields["iteration"], 0),
	}
}

// ============================================================================
// THRESHOLD CONFIGURATION (singleton hash in the store)
// ============================================================================

// ThresholdConfig: Active allocation thresholds
type ThresholdConfig struct {
	MinMemoryMB       int
	MaxUtilization    float64
	UtilHighThreshold float64 // overload cutoff
	UtilLowThreshold  float64 // idle cutoff
	Adaptive          bool
	LastAdjusted      int64
	Reason            string
}

// Fields: Hash representation for the coordination store
func (t ThresholdConfig) Fields() map[string]interface{} {
	return map[string]interface{}{
		"min_memory_mb":       t.MinMemoryMB,
		"max_utilization":     t.MaxUtilization,
		"util_high_threshold": t.UtilHighThreshold,
		"util_low_threshold":  t.UtilLowThreshold,
		"adaptive":            t.Adaptive,
		"last_adjusted":       t.LastAdjusted,
		"reason":              t.Reason,
	}
}

// ParseThresholdConfig: Rebuild thresholds from a store hash
func ParseThresholdConfig(fields map[string]string) ThresholdConfig {
	return ThresholdConfig{
		MinMemoryMB:       SafeInt(fields["min_memory_mb"], 0),
		MaxUtilization:    SafeFloat(fields["max_utilization"], 0),
		UtilHighThreshold: SafeFloat(fields["util_high_threshold"], 0),
		UtilLowThreshold:  SafeFloat(fields["util_low_threshold"], 0),
		Adaptive:          SafeBool(fields["adaptive"], false),
		LastAdjusted:      SafeInt64(fields["last_adjusted"], 0),
		Reason:            fields["reason"],
	}
}

// ============================================================================
// LOAD HISTORY
// ============================================================================

// LoadPattern: Per-hour-of-day load profile derived from raw samples
type LoadPattern struct {
	Hour            int // 0-23
	AvgUtilization  float64
	AvgMemoryUsedMB int
	PeakUtilization float64
	SampleCount     int
	LastUpdated     int64
}

// HourlyAggregate: One hour bucket of aggregated samples (30-day retention)
type HourlyAggregate struct {
	GPUID           int
	Hour            string // YYYY-MM-DD-HH
	Count           int
	AvgUtilization  float64
	MaxUtilization  float64
	MinUtilization  float64
	AvgMemoryUsedMB float64
	AvgMemoryFreeMB float64
}

// ============================================================================
// ALLOCATION & REBALANCING (derived, transient, never persisted)
// ============================================================================

// AllocationScore: Suitability of one GPU for new work
type AllocationScore struct {
	GPUID        int
	Score        float64 // 0-100, higher is better
	Utilization  float64
	MemoryFreeMB int
	NumProcesses int
	Reasons      []string
}

// RebalanceAction: One planned corrective step, consumed once by the executor
type RebalanceAction struct {
	Type      ActionType
	SourceGPU int // -1 when not applicable
	TargetGPU int // -1 when not applicable
	ProcessID int // -1 when not applicable
	Reason    string
	Priority  int // 0-10, higher runs first
}

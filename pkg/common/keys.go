// File: pkg/common/keys.go
// Coordination store keyspace shared by all components

package common

import "fmt"

const (
	// Published by the monitor
	AvailableKey = "gpu:available"

	// Process registry
	RegistryKey = "process:registry"

	// Thresholds singleton
	ThresholdsKey = "thresholds:current"

	// Balance daemon
	BalanceIndexKey   = "balance:history:index"
	DaemonStatusKey   = "balance:daemon:status"
	PausedTasksKey    = "gpu:paused_new_tasks"
	PreferredTasksKey = "gpu:preferred_for_new_tasks"

	// Key patterns for scans
	MetricsKeyPattern = "gpu:metrics:*"
)

// MetricsKey: Per-GPU metrics hash (TTL = metrics_ttl)
func MetricsKey(gpuID int) string {
	return fmt.Sprintf("gpu:metrics:%d", gpuID)
}

// ProcessKey: Per-process record hash (explicit lifecycle)
func ProcessKey(pid int) string {
	return fmt.Sprintf("process:%d", pid)
}

// GPUProcessesKey: Set of pids resident on one GPU
func GPUProcessesKey(gpuID int) string {
	return fmt.Sprintf("gpu:%d:processes", gpuID)
}

// RawSampleKey: One raw load sample (7-day TTL)
func RawSampleKey(gpuID int, unixTS int64) string {
	return fmt.Sprintf("load:raw:%d:%d", gpuID, unixTS)
}

// RawSamplePattern: Scan pattern for one GPU's raw samples
func RawSamplePattern(gpuID int) string {
	return fmt.Sprintf("load:raw:%d:*", gpuID)
}

// TimelineKey: Time-ordered index of raw sample keys for one GPU
func TimelineKey(gpuID int) string {
	return fmt.Sprintf("load:timeline:%d", gpuID)
}

// HourlyKey: Hourly aggregate hash (30-day TTL); hour is YYYY-MM-DD-HH
func HourlyKey(gpuID int, hour string) string {
	return fmt.Sprintf("load:hourly:%d:%s", gpuID, hour)
}

// BalanceHistoryKey: One balance-cycle history entry (7-day TTL)
func BalanceHistoryKey(unixTS int64) string {
	return fmt.Sprintf("balance:history:%d", unixTS)
}

// Device telemetry boundary. A Querier answers "how many GPUs" and
// "what is GPU n doing right now"; failures degrade to errors the caller
// logs and skips, never to a blocked or crashed poll loop.
package telemetry

import (
	"context"

	"github.com/Yijuehen/gpubalance/pkg/common"
)

// DeviceProcess: One process resident on a GPU as reported by the device tool
type DeviceProcess struct {
	Name         string
	PID          int
	MemoryUsedMB int
}

// Reading: Point-in-time facts about one GPU
type Reading struct {
	Name           string
	Utilization    float64 // 0-100
	MemoryUsedMB   int
	MemoryTotalMB  int
	MemoryFreeMB   int
	Temperature    int
	PowerUsage     int
	Processes      []DeviceProcess
}

// Querier: Device query contract
// Count returns 0 when no GPUs are detectable. Query returns an error when
// the device cannot be read this instant; the next poll cycle retries naturally.
type Querier interface {
	Count(ctx context.Context) int
	Query(ctx context.Context, gpuID int) (Reading, error)
}

// New: Pick the telemetry backend from configuration
func New(cfg *common.Config) Querier {
	if cfg.MockGPU {
		return NewMock(4)
	}
	if cfg.TelemetryBackend == "nvml" {
		return NewNVML(cfg)
	}
	return NewSMI(cfg)
}

// Mock querier for development hosts without GPUs and for tests.
// Enabled with GPUBALANCE_MOCK_GPU=true.
package telemetry

import (
	"context"
	"fmt"
	"sync"
)

// Mock: Fixed fleet of fake GPUs with mutable readings
type Mock struct {
	mu       sync.Mutex
	readings []Reading
}

// Compile-time interface check
var _ Querier = (*Mock)(nil)

// NewMock: Create count fake idle Tesla V100s
func NewMock(count int) *Mock {
	m := &Mock{}
	for i := 0; i < count; i++ {
		m.readings = append(m.readings, Reading{
			Name:          "Tesla V100",
			Utilization:   0,
			MemoryUsedMB:  510,
			MemoryTotalMB: 32510,
			MemoryFreeMB:  32000,
			Temperature:   35,
		})
	}
	return m
}

func (m *Mock) Count(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.readings)
}

func (m *Mock) Query(ctx context.Context, gpuID int) (Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gpuID < 0 || gpuID >= len(m.readings) {
		return Reading{}, fmt.Errorf("gpu %d: no such device", gpuID)
	}
	return m.readings[gpuID], nil
}

// SetReading: Replace one fake GPU's reading (tests drive load shapes with this)
func (m *Mock) SetReading(gpuID int, r Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gpuID >= 0 && gpuID < len(m.readings) {
		m.readings[gpuID] = r
	}
}

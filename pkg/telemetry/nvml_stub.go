//go:build nonvml

// Stub for builds without the NVIDIA management library.
package telemetry

import (
	"context"
	"fmt"

	"github.com/Yijuehen/gpubalance/pkg/common"
	"github.com/Yijuehen/gpubalance/pkg/logger"
)

// NVML: Placeholder querier for nonvml builds
type NVML struct{}

// Compile-time interface check
var _ Querier = (*NVML)(nil)

// NewNVML: NVML support compiled out; every call degrades to empty
func NewNVML(cfg *common.Config) *NVML {
	logger.Get().Warn("NVML backend requested but compiled out (nonvml build tag)")
	return &NVML{}
}

func (n *NVML) Count(ctx context.Context) int {
	return 0
}

func (n *NVML) Query(ctx context.Context, gpuID int) (Reading, error) {
	return Reading{}, fmt.Errorf("NVML support not compiled in")
}

//go:build !nonvml

// NVML backend: in-process driver library instead of shelling out.
// Selected with GPU_TELEMETRY_BACKEND=nvml.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/Yijuehen/gpubalance/pkg/common"
	"github.com/Yijuehen/gpubalance/pkg/logger"
)

// NVML: Querier backed by the NVIDIA management library
type NVML struct {
	cfg *common.Config
	log *logger.Logger

	initOnce sync.Once
	initErr  error
}

// Compile-time interface check
var _ Querier = (*NVML)(nil)

// NewNVML: Create the NVML-backed querier (library init is lazy)
func NewNVML(cfg *common.Config) *NVML {
	return &NVML{cfg: cfg, log: logger.Get()}
}

// ensureInit: Initialize the library once; failure makes every call degrade
func (n *NVML) ensureInit() error {
	n.initOnce.Do(func() {
		if ret := nvml.Init(); ret != nvml.SUCCESS {
			n.initErr = fmt.Errorf("NVML init failed: %v", nvml.ErrorString(ret))
			n.log.Warn("%v", n.initErr)
		}
	})
	return n.initErr
}

// Count: Number of GPUs, 0 when the library is unavailable
func (n *NVML) Count(ctx context.Context) int {
	if err := n.ensureInit(); err != nil {
		return 0
	}
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		n.log.Warn("NVML device count failed: %v", nvml.ErrorString(ret))
		return 0
	}
	return count
}

// Query: All facts about one GPU
func (n *NVML) Query(ctx context.Context, gpuID int) (Reading, error) {
	if err := n.ensureInit(); err != nil {
		return Reading{}, err
	}

	device, ret := nvml.DeviceGetHandleByIndex(gpuID)
	if ret != nvml.SUCCESS {
		return Reading{}, fmt.Errorf("gpu %d: %v", gpuID, nvml.ErrorString(ret))
	}

	name, _ := device.GetName()
	memInfo, _ := device.GetMemoryInfo()
	util, _ := device.GetUtilizationRates()

	r := Reading{
		Name:          name,
		Utilization:   float64(util.Gpu),
		MemoryUsedMB:  int(memInfo.Used / (1024 * 1024)),
		MemoryTotalMB: int(memInfo.Total / (1024 * 1024)),
		MemoryFreeMB:  int(memInfo.Free / (1024 * 1024)),
	}

	if n.cfg.EnableTemperature {
		temp, _ := device.GetTemperature(nvml.TEMPERATURE_GPU)
		r.Temperature = int(temp)
	}
	if n.cfg.EnablePower {
		mw, _ := device.GetPowerUsage()
		r.PowerUsage = int(mw / 1000)
	}

	procs, ret := device.GetComputeRunningProcesses()
	if ret == nvml.SUCCESS {
		for _, p := range procs {
			r.Processes = append(r.Processes, DeviceProcess{
				PID:          int(p.Pid),
				MemoryUsedMB: int(p.UsedGpuMemory / (1024 * 1024)),
			})
		}
	}

	return r, nil
}

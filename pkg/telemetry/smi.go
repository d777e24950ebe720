// nvidia-smi backend: one external process invocation per metric query,
// fixed timeout, empty output on any failure. No retries here; the poll
// loop is the retry.
package telemetry

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Yijuehen/gpubalance/pkg/common"
	"github.com/Yijuehen/gpubalance/pkg/logger"
)

const smiTimeout = 10 * time.Second

// SMI: Querier backed by the nvidia-smi command-line tool
type SMI struct {
	cfg *common.Config
	log *logger.Logger
}

// Compile-time interface check
var _ Querier = (*SMI)(nil)

// NewSMI: Create the nvidia-smi backed querier
func NewSMI(cfg *common.Config) *SMI {
	return &SMI{cfg: cfg, log: logger.Get()}
}

// Count: Number of GPUs on the system, 0 when undetectable
func (s *SMI) Count(ctx context.Context) int {
	out := s.run(ctx, "count", -1)
	if out == "" {
		return 0
	}
	// Multi-GPU systems repeat the count once per device
	first := strings.SplitN(out, "\n", 2)[0]
	n, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		s.log.Warn("Unparseable GPU count %q", out)
		return 0
	}
	return n
}

// Query: All facts about one GPU, one tool invocation per metric
func (s *SMI) Query(ctx context.Context, gpuID int) (Reading, error) {
	usedStr := s.run(ctx, "memory.used", gpuID)
	totalStr := s.run(ctx, "memory.total", gpuID)
	if usedStr == "" && totalStr == "" {
		return Reading{}, fmt.Errorf("gpu %d: no memory reading", gpuID)
	}

	used := common.SafeInt(usedStr, 0)
	total := common.SafeInt(totalStr, 0)

	r := Reading{
		Name:          s.name(ctx, gpuID),
		Utilization:   common.SafeFloat(s.run(ctx, "utilization.gpu", gpuID), 0),
		MemoryUsedMB:  used,
		MemoryTotalMB: total,
		MemoryFreeMB:  total - used,
	}

	if s.cfg.EnableTemperature {
		r.Temperature = common.SafeInt(s.run(ctx, "temperature.gpu", gpuID), 0)
	}
	if s.cfg.EnablePower {
		r.PowerUsage = common.SafeInt(s.run(ctx, "power.draw", gpuID), 0)
	}

	r.Processes = s.processes(ctx, gpuID)

	return r, nil
}

// name: GPU product name, with a stable fallback
func (s *SMI) name(ctx context.Context, gpuID int) string {
	if n := s.run(ctx, "name", gpuID); n != "" {
		return n
	}
	return fmt.Sprintf("GPU %d", gpuID)
}

// processes: Resident processes as reported by the tool
func (s *SMI) processes(ctx context.Context, gpuID int) []DeviceProcess {
	out := s.run(ctx, "processes.name,processes.pid,processes.used_memory", gpuID)
	if out == "" {
		return nil
	}

	var procs []DeviceProcess
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			continue
		}
		procs = append(procs, DeviceProcess{
			Name:         strings.TrimSpace(parts[0]),
			PID:          common.SafeInt(strings.TrimSpace(parts[1]), 0),
			MemoryUsedMB: common.SafeInt(strings.TrimSpace(parts[2]), 0),
		})
	}
	return procs
}

// run: Invoke nvidia-smi with a fixed timeout
// gpuID < 0 queries all GPUs. Returns "" on timeout or non-zero exit.
func (s *SMI) run(ctx context.Context, query string, gpuID int) string {
	ctx, cancel := context.WithTimeout(ctx, smiTimeout)
	defer cancel()

	args := []string{"--query-gpu=" + query, "--format=csv,noheader,nounits"}
	if gpuID >= 0 {
		args = append(args, "-i", strconv.Itoa(gpuID))
	}

	cmd := exec.CommandContext(ctx, "nvidia-smi", args...)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			s.log.Warn("nvidia-smi timed out (query=%s)", query)
		} else {
			s.log.Warn("nvidia-smi failed (query=%s): %v", query, err)
		}
		return ""
	}

	return strings.TrimSpace(string(output))
}

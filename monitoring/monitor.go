package monitoring

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// MaxDefaultWorkers caps the CPU derived pool size.
const MaxDefaultWorkers = 16

type ResourceUsage struct {
	CPUPercent    float64
	MemoryUsedMB  float64
	MemoryTotalMB float64
	MemoryPercent float64
	NumGoroutines int
}

// DefaultWorkers is one less than the logical CPU count, at least 1 and at
// most MaxDefaultWorkers.
func DefaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		n = runtime.NumCPU()
	}
	return clampWorkers(n - 1)
}

func clampWorkers(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxDefaultWorkers {
		return MaxDefaultWorkers
	}
	return n
}

// WorkersOr returns configured when positive, otherwise DefaultWorkers.
func WorkersOr(configured int) int {
	if configured > 0 {
		return configured
	}
	return DefaultWorkers()
}

// StartMonitoring logs process resource usage every interval until ctx is
// done.
func StartMonitoring(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	go func() {
		proc, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			logger.Error().Err(err).Msg("error getting process")
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			usage, err := getResourceUsage(proc)
			if err != nil {
				logger.Warn().Err(err).Msg("error getting resource usage")
				continue
			}
			logger.Info().
				Float64("cpu_percent", usage.CPUPercent).
				Float64("memory_used_mb", usage.MemoryUsedMB).
				Float64("memory_total_mb", usage.MemoryTotalMB).
				Float64("memory_percent", usage.MemoryPercent).
				Int("goroutines", usage.NumGoroutines).
				Msg("resource usage")
		}
	}()
}

func getResourceUsage(proc *process.Process) (ResourceUsage, error) {
	var usage ResourceUsage

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		return usage, fmt.Errorf("error getting CPU usage: %w", err)
	}
	usage.CPUPercent = cpuPercent

	virtualMem, err := mem.VirtualMemory()
	if err != nil {
		return usage, fmt.Errorf("error getting memory info: %w", err)
	}
	procMem, err := proc.MemoryInfo()
	if err != nil {
		return usage, fmt.Errorf("error getting process memory: %w", err)
	}

	usage.MemoryUsedMB = float64(procMem.RSS) / 1024 / 1024
	usage.MemoryTotalMB = float64(virtualMem.Total) / 1024 / 1024
	usage.MemoryPercent = float64(procMem.RSS) / float64(virtualMem.Total) * 100
	usage.NumGoroutines = runtime.NumGoroutine()

	return usage, nil
}

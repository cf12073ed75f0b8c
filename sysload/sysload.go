// Package sysload turns host load readings into worker pool limits and
// guards against running the output volume out of space.
package sysload

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// ErrLowDisk is returned by DiskGuard when free space drops below the floor.
var ErrLowDisk = errors.New("not enough free disk space")

// JobTarget scales cores by the idle share of the CPU. A negative usage
// means no reading is available and yields one job per core.
func JobTarget(usagePercent float64, cores, minJobs, maxJobs int) int {
	if cores <= 0 {
		cores = 4
	}
	target := cores
	if usagePercent >= 0 {
		headroom := math.Max(0, 100-usagePercent)
		target = int(math.Round(headroom / 100 * float64(cores)))
	}
	if target < minJobs {
		target = minJobs
	}
	if target > maxJobs {
		target = maxJobs
	}
	return target
}

// Sampler reads CPU and memory usage between calls.
type Sampler struct {
	MinJobs     int
	MaxJobs     int
	MinFreeMem  uint64
	ReserveIdle float64

	mu     sync.Mutex
	cores  int
	last   float64
	logger *slog.Logger
}

// NewSampler keeps reserveIdle percent of the CPU unused and drops to a
// single job while available memory is below minFreeMem.
func NewSampler(reserveIdle float64, minFreeMem int64, maxJobs int, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	cores, err := cpu.Counts(true)
	if err != nil || cores <= 0 {
		cores = runtime.NumCPU()
	}
	s := &Sampler{
		MinJobs:     1,
		MaxJobs:     maxJobs,
		MinFreeMem:  uint64(max(minFreeMem, 0)),
		ReserveIdle: reserveIdle,
		cores:       cores,
		last:        -1,
		logger:      logger,
	}
	// Prime the counters; the first non-blocking reading has no baseline.
	_, _ = cpu.Percent(0, false)
	return s
}

// Jobs is a concurrency supplier for the worker pool.
func (s *Sampler) Jobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := cpu.Percent(0, false)
	if err != nil {
		s.logger.Debug("could not get CPU usage", "error", err)
	} else if len(p) > 0 {
		s.last = math.Min(100, p[0]+s.ReserveIdle)
	}

	if s.MinFreeMem > 0 {
		if vm, err := mem.VirtualMemory(); err == nil && vm.Available < s.MinFreeMem {
			return s.MinJobs
		}
	}
	return JobTarget(s.last, s.cores, s.MinJobs, s.MaxJobs)
}

// DiskGuard refuses new writes when the output volume is nearly full.
type DiskGuard struct {
	Dir     string
	MinFree uint64
}

func (g DiskGuard) Check() error {
	if g.MinFree == 0 {
		return nil
	}
	d, err := disk.Usage(g.Dir)
	if err != nil {
		// No reading, no verdict; real write errors still surface.
		return nil
	}
	if d.Free < g.MinFree {
		return fmt.Errorf("%w: available %d, required %d", ErrLowDisk, d.Free, g.MinFree)
	}
	return nil
}

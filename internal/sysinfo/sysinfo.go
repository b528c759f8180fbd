// Package sysinfo supplies the memory-stats snapshot master renders on an
// INFO/USR1 signal, plus per-pid RSS lookups for the master and its
// listener generations. The original object-count dump relies on a managed
// runtime's introspection and has no analogue here; spec.md §9 names a
// memory-stats snapshot as the documented substitute.
package sysinfo

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is the diagnostic payload rendered for an INFO dump.
type Snapshot struct {
	Timestamp         time.Time `yaml:"timestamp"`
	MemoryTotalMB     uint64    `yaml:"memory_total_mb"`
	MemoryUsedMB      uint64    `yaml:"memory_used_mb"`
	MemoryAvailableMB uint64    `yaml:"memory_available_mb"`
	MemoryPercent     float64   `yaml:"memory_percent"`
}

// Sample reads current host memory stats.
func Sample(ctx context.Context) (Snapshot, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Timestamp:         time.Now().UTC(),
		MemoryTotalMB:     vm.Total / 1024 / 1024,
		MemoryUsedMB:      vm.Used / 1024 / 1024,
		MemoryAvailableMB: vm.Available / 1024 / 1024,
		MemoryPercent:     vm.UsedPercent,
	}, nil
}

// Delta describes the change between two snapshots, the "deltas vs
// previous" spec.md's INFO handler calls for.
type Delta struct {
	MemoryUsedMBDelta  int64   `yaml:"memory_used_mb_delta"`
	MemoryPercentDelta float64 `yaml:"memory_percent_delta"`
}

func (s Snapshot) Diff(prev Snapshot) Delta {
	return Delta{
		MemoryUsedMBDelta:  int64(s.MemoryUsedMB) - int64(prev.MemoryUsedMB),
		MemoryPercentDelta: s.MemoryPercent - prev.MemoryPercent,
	}
}

// ProcessRSSMB reports one process's resident set size in MB, so an INFO
// dump can show per-listener memory alongside the host-wide snapshot.
func ProcessRSSMB(ctx context.Context, pid int32) (uint64, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return 0, err
	}
	info, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return info.RSS / 1024 / 1024, nil
}

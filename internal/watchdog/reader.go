package watchdog

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one reading of process and system memory.
type Sample struct {
	RSS       uint64    `json:"rss"`
	VMS       uint64    `json:"vms"`
	Percent   float64   `json:"percent"`
	Available uint64    `json:"available"`
	Timestamp time.Time `json:"timestamp"`
}

// Reader takes memory readings.
type Reader interface {
	Read(ctx context.Context) (Sample, error)
}

// ProcessReader reads the current process through gopsutil.
type ProcessReader struct {
	proc *process.Process
}

// NewProcessReader returns a reader for this process.
func NewProcessReader(ctx context.Context) (*ProcessReader, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("opening process %d: %w", os.Getpid(), err)
	}
	return &ProcessReader{proc: p}, nil
}

// Read implements Reader. Timestamp is left for the caller to set.
func (r *ProcessReader) Read(ctx context.Context) (Sample, error) {
	info, err := r.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("reading process memory: %w", err)
	}
	pct, err := r.proc.MemoryPercentWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("reading memory percent: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("reading system memory: %w", err)
	}
	return Sample{
		RSS:       info.RSS,
		VMS:       info.VMS,
		Percent:   float64(pct),
		Available: vm.Available,
	}, nil
}

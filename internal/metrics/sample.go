package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// WorkerSample is a point-in-time resource reading of a worker process.
type WorkerSample struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SampleWorker reads CPU and memory usage of pid.
func SampleWorker(ctx context.Context, pid int) (WorkerSample, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return WorkerSample{}, fmt.Errorf("metrics: open process %d: %w", pid, err)
	}
	s := WorkerSample{PID: pid, Timestamp: time.Now()}
	if s.CPUPercent, err = p.CPUPercentWithContext(ctx); err != nil {
		return WorkerSample{}, fmt.Errorf("metrics: cpu of %d: %w", pid, err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return WorkerSample{}, fmt.Errorf("metrics: memory of %d: %w", pid, err)
	}
	s.RSSBytes = mem.RSS
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		s.NumThreads = n
	}
	return s, nil
}

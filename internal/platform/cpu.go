package platform

import (
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// CPUMonitor samples host-wide CPU usage (all CPUs combined, not just this
// process) on an interval and exposes the last
// sample without blocking callers. It is container-aware only in the sense
// that gopsutil itself reads from the container's own /proc view; there is
// no cgroup CPU quota file read here, matching the teacher's fallback when
// a precise cgroup.v2 cpu.max reading isn't available.
type CPUMonitor struct {
	interval time.Duration
	percent  atomic.Value // float64
	stop     chan struct{}
}

// NewCPUMonitor constructs a monitor but does not start sampling.
func NewCPUMonitor(interval time.Duration) *CPUMonitor {
	m := &CPUMonitor{interval: interval, stop: make(chan struct{})}
	m.percent.Store(float64(0))
	return m
}

// Start launches the sampling loop. Call Stop to release it.
func (m *CPUMonitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				percents, err := cpu.Percent(0, false)
				if err == nil && len(percents) > 0 {
					m.percent.Store(percents[0])
				}
			}
		}
	}()
}

// Stop halts sampling.
func (m *CPUMonitor) Stop() {
	close(m.stop)
}

// Percent returns the last sampled CPU usage percentage (0-100, combined
// across all CPUs), or 0 before the first sample.
func (m *CPUMonitor) Percent() float64 {
	return m.percent.Load().(float64)
}

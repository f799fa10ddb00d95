package monitor

import (
	"context"
	"log"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// DefaultSampleInterval is how often the host sampler polls gopsutil.
const DefaultSampleInterval = 5 * time.Second

// Sampler polls host CPU and memory utilization and feeds the threshold
// monitor. It is the in-process stand-in for external sensors; anything else
// can publish raw resource events on the bus instead.
type Sampler struct {
	monitor  *ThresholdMonitor
	interval time.Duration

	// Overridable for tests; default to gopsutil.
	cpuPercent func() (float64, error)
	memPercent func() (float64, error)
}

// NewSampler builds a host sampler. A non-positive interval uses the default.
func NewSampler(m *ThresholdMonitor, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Sampler{
		monitor:  m,
		interval: interval,
		cpuPercent: func() (float64, error) {
			vals, err := cpu.Percent(0, false)
			if err != nil || len(vals) == 0 {
				return 0, err
			}
			return vals[0], nil
		},
		memPercent: func() (float64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.UsedPercent, nil
		},
	}
}

// Run samples until the context is cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Sampler) sampleOnce() {
	if v, err := s.cpuPercent(); err != nil {
		log.Printf("[monitor] cpu sample: %v", err)
	} else {
		s.monitor.Observe("cpu", v)
	}
	if v, err := s.memPercent(); err != nil {
		log.Printf("[monitor] mem sample: %v", err)
	} else {
		s.monitor.Observe("mem", v)
	}
}

package monitoring

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"
)

const bytesPerGB = 1024 * 1024 * 1024

// CpuMemoryCollector measures host CPU utilization over Window and the
// current virtual memory usage.
type CpuMemoryCollector struct {
	Window time.Duration

	// probes, replaceable in tests
	CpuPercent    func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error)
	VirtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

func NewCpuMemoryCollector(window time.Duration) *CpuMemoryCollector {
	return &CpuMemoryCollector{
		Window:        window,
		CpuPercent:    cpu.PercentWithContext,
		VirtualMemory: mem.VirtualMemoryWithContext,
	}
}

func (r *CpuMemoryCollector) Start() {
	if r.Window <= 0 {
		r.Window = time.Second
	}
	log.Debugf("cpu collector window %s", r.Window)
}

func (r *CpuMemoryCollector) Stop() {}

func (r *CpuMemoryCollector) Fetch(ctx context.Context) ResourceCollectorResult {
	result := ResourceCollectorResult{Type: RESULT_CPU}

	percentages, err := r.CpuPercent(ctx, r.Window, false)
	if err != nil || len(percentages) == 0 {
		log.Debugf("cpu.Percent() unavailable: %v", err)
	} else {
		result.Utilization = Float(percentages[0])
	}

	vmem, err := r.VirtualMemory(ctx)
	if err != nil || vmem == nil {
		log.Debugf("mem.VirtualMemory() unavailable: %v", err)
	} else {
		result.MemoryPercent = Float(vmem.UsedPercent)
		result.MemoryAvailableGB = Float(float64(vmem.Available) / bytesPerGB)
	}

	return result
}

package monitoring

import (
	"context"

	"github.com/mindprince/gonvml"
	log "github.com/sirupsen/logrus"
)

// GpuMemoryCollector reads per-device memory usage through NVML. Hosts without
// the NVML library or without devices leave Available false.
type GpuMemoryCollector struct {
	Available  bool
	NumDevices int
	Devices    []GPUSpec
}

func (g *GpuMemoryCollector) Start() {
	err := gonvml.Initialize()
	g.Available = false
	g.Devices = make([]GPUSpec, 0)

	if err != nil {
		log.Warnf("nvml unavailable, gpu metrics disabled: %v", err)
		return
	}

	numDevices, err := gonvml.DeviceCount()
	if err != nil {
		log.Warnf("DeviceCount() error: %v", err)
		gonvml.Shutdown()
		return
	}
	log.Infof("Get %d gpu-devices", numDevices)

	if numDevices == 0 {
		gonvml.Shutdown()
		return
	}

	g.NumDevices = int(numDevices)
	g.Devices = make([]GPUSpec, numDevices)
	for i := 0; i < g.NumDevices; i++ {
		dev, err := gonvml.DeviceHandleByIndex(uint(i))
		if err != nil {
			log.Warn(err)
			continue
		}
		deviceIndex, _ := dev.MinorNumber()
		total, _, _ := dev.MemoryInfo()

		g.Devices[i].Index = int(deviceIndex)
		g.Devices[i].MemoryTotal = int64(total)
		log.Infof("Set device[%d] Index=%d, Memory=%d", i, deviceIndex, g.Devices[i].MemoryTotal)
	}
	g.Available = true
}

func (g *GpuMemoryCollector) Stop() {
	if g.Available {
		gonvml.Shutdown()
		g.Available = false
	}
}

// Fetch reports memory usage per device. MemoryPercent holds the fullest
// device, which is what GPU_MEMORY thresholds are evaluated against.
func (g *GpuMemoryCollector) Fetch(ctx context.Context) ResourceCollectorResult {
	if !g.Available {
		return ResourceCollectorResult{Type: RESULT_NONE}
	}

	records := make([]GPURecord, 0, g.NumDevices)
	for i := 0; i < g.NumDevices; i++ {
		if ctx.Err() != nil {
			break
		}
		dev, err := gonvml.DeviceHandleByIndex(uint(i))
		if err != nil {
			log.Debugf("DeviceHandleByIndex() error: %v", err)
			continue
		}

		minorNumber, err := dev.MinorNumber()
		if err != nil {
			log.Debugf("dev.MinorNumber() error: %v", err)
			continue
		}

		gpuUtilization, _, err := dev.UtilizationRates()
		if err != nil {
			log.Debugf("dev.UtilizationRates() error: %v", err)
			continue
		}

		total, used, err := dev.MemoryInfo()
		if err != nil {
			log.Debugf("dev.MemoryInfo() error: %v", err)
			continue
		}

		records = append(records, GPURecord{
			Index:          int(minorNumber),
			GPUUtilization: int(gpuUtilization),
			MemoryUsed:     int64(used),
			MemoryTotal:    int64(total),
			MemoryPercent:  memoryPercent(used, total),
		})

		log.Debugf("GPU::device [%d], Utilization: %d, Memory: %d/%d",
			minorNumber, gpuUtilization, used, total)
	}

	return MergeGPURecords(records)
}

// MergeGPURecords builds a GPU result from device records, reporting the
// highest memory percentage across devices.
func MergeGPURecords(records []GPURecord) ResourceCollectorResult {
	result := ResourceCollectorResult{Type: RESULT_GPU, GPU: records}
	for _, r := range records {
		if result.MemoryPercent == nil || r.MemoryPercent > *result.MemoryPercent {
			result.MemoryPercent = Float(r.MemoryPercent)
		}
	}
	return result
}

func memoryPercent(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}

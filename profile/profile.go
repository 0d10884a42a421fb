// Package profile detects the static hardware capabilities of the host once
// at startup.
package profile

import (
	"context"
	"fmt"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"

	"remediation-agent/monitoring"
)

const bytesPerGB = 1024 * 1024 * 1024

// MachineProfile is immutable once detected.
type MachineProfile struct {
	CPUCount             int      `json:"cpu_count"`
	MemoryGB             float64  `json:"memory_gb"`
	GPUCount             int      `json:"gpu_count"`
	GPUMemoryGB          float64  `json:"gpu_memory_gb"`
	Platform             string   `json:"platform"`
	GoVersion            string   `json:"go_version"`
	NetworkBandwidthMbps *float64 `json:"network_bandwidth_mbps,omitempty"`
}

// Probes are the hardware readers used by Detect.
type Probes struct {
	CPUCount    func(ctx context.Context) (int, error)
	MemoryTotal func(ctx context.Context) (uint64, error)
	Platform    func(ctx context.Context) (string, error)
	// GPUs lists accelerator devices; nil means no accelerator support.
	GPUs func() []monitoring.GPUSpec
}

// DefaultProbes reads the host through gopsutil and the GPU collector's NVML
// device list. gpu may be nil.
func DefaultProbes(gpu *monitoring.GpuMemoryCollector) Probes {
	p := Probes{
		CPUCount: func(ctx context.Context) (int, error) {
			return cpu.CountsWithContext(ctx, true)
		},
		MemoryTotal: func(ctx context.Context) (uint64, error) {
			vmem, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return 0, err
			}
			return vmem.Total, nil
		},
		Platform: func(ctx context.Context) (string, error) {
			info, err := host.InfoWithContext(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s/%s %s", info.OS, info.Platform, info.PlatformVersion), nil
		},
	}
	if gpu != nil {
		p.GPUs = func() []monitoring.GPUSpec {
			if !gpu.Available {
				return nil
			}
			return gpu.Devices
		}
	}
	return p
}

// Detect never fails: a probe error leaves the safe minimum for its field
// (1 CPU, 0 GB, 0 GPUs, runtime.GOOS).
func Detect(ctx context.Context, probes Probes, networkBandwidthMbps *float64) MachineProfile {
	p := MachineProfile{
		CPUCount:             1,
		Platform:             runtime.GOOS,
		GoVersion:            runtime.Version(),
		NetworkBandwidthMbps: networkBandwidthMbps,
	}

	if probes.CPUCount != nil {
		if n, err := probes.CPUCount(ctx); err != nil || n < 1 {
			log.Warnf("cpu count unavailable (%v), assuming 1", err)
		} else {
			p.CPUCount = n
		}
	}

	if probes.MemoryTotal != nil {
		if total, err := probes.MemoryTotal(ctx); err != nil {
			log.Warnf("memory total unavailable: %v", err)
		} else {
			p.MemoryGB = float64(total) / bytesPerGB
			log.Infof("Detected memory %s", humanize.IBytes(total))
		}
	}

	if probes.Platform != nil {
		if platform, err := probes.Platform(ctx); err != nil {
			log.Warnf("platform unavailable: %v", err)
		} else {
			p.Platform = platform
		}
	}

	if probes.GPUs != nil {
		// the smallest device bounds what a per-GPU workload can assume
		for _, d := range probes.GPUs() {
			if d.MemoryTotal <= 0 {
				log.Warnf("gpu %d reported no memory, skipping", d.Index)
				continue
			}
			gb := float64(d.MemoryTotal) / bytesPerGB
			if p.GPUCount == 0 || gb < p.GPUMemoryGB {
				p.GPUMemoryGB = gb
			}
			p.GPUCount++
		}
	}

	log.WithFields(log.Fields{
		"cpus":      p.CPUCount,
		"memory_gb": fmt.Sprintf("%.1f", p.MemoryGB),
		"gpus":      p.GPUCount,
		"platform":  p.Platform,
	}).Info("machine profile detected")
	return p
}

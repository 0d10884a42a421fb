package monitoring

import "time"

// Metric names used in SystemState.Metrics, issue records and outcome reports.
const (
	MetricCPUPercent        = "cpu_percent"
	MetricMemoryPercent     = "memory_percent"
	MetricMemoryAvailableGB = "memory_available_gb"
	MetricGPUMemoryPercent  = "gpu_memory_percent"
	MetricLastAccuracy      = "last_accuracy"
	MetricSemanticDrift     = "semantic_drift"
)

type GPUSpec struct {
	Index       int   `json:"index"`
	MemoryTotal int64 `json:"mem_total"`
}

type GPURecord struct {
	Index          int     `json:"index"`
	MemoryUsed     int64   `json:"mem_used"`
	MemoryTotal    int64   `json:"mem_total"`
	GPUUtilization int     `json:"gpu_util"`
	MemoryPercent  float64 `json:"mem_percent"`
}

// SystemState is a point-in-time resource snapshot. A nil field means the
// probe for it was unavailable during the cycle.
type SystemState struct {
	CPUPercent        *float64    `json:"cpu_percent,omitempty"`
	MemoryPercent     *float64    `json:"memory_percent,omitempty"`
	MemoryAvailableGB *float64    `json:"memory_available_gb,omitempty"`
	GPUCount          int         `json:"gpu_count"`
	GPUMemoryPercent  *float64    `json:"gpu_memory_percent,omitempty"`
	LastAccuracy      *float64    `json:"last_accuracy,omitempty"`
	SemanticDrift     *float64    `json:"semantic_drift,omitempty"`
	GPURecords        []GPURecord `json:"GPU,omitempty"`
	Timestamp         time.Time   `json:"timestamp"`
}

// Metrics returns the metrics present in the state keyed by metric name.
func (s SystemState) Metrics() map[string]float64 {
	m := make(map[string]float64, 6)
	put := func(name string, v *float64) {
		if v != nil {
			m[name] = *v
		}
	}
	put(MetricCPUPercent, s.CPUPercent)
	put(MetricMemoryPercent, s.MemoryPercent)
	put(MetricMemoryAvailableGB, s.MemoryAvailableGB)
	put(MetricGPUMemoryPercent, s.GPUMemoryPercent)
	put(MetricLastAccuracy, s.LastAccuracy)
	put(MetricSemanticDrift, s.SemanticDrift)
	return m
}

// Metric looks up a single metric by name.
func (s SystemState) Metric(name string) (float64, bool) {
	v, ok := s.Metrics()[name]
	return v, ok
}

// Float returns a pointer to v, for building states by hand.
func Float(v float64) *float64 {
	return &v
}

// Status is the snapshot written on a manual flush.
type Status struct {
	State       string             `json:"state"`
	Profile     any                `json:"profile"`
	Config      map[string]any     `json:"running_config"`
	KnownGood   map[string]any     `json:"known_good,omitempty"`
	History     []SystemState      `json:"history"`
	Averages    map[string]float64 `json:"averages"`
	GeneratedAt time.Time          `json:"generated_at"`
}

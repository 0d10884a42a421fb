package monitoring

import "context"

const (
	RESULT_CPU     = "CPU"
	RESULT_GPU     = "GPU"
	RESULT_QUALITY = "QUALITY"
	RESULT_NONE    = "none"
)

// ResourceCollectorResult carries whatever a collector could measure. Fields
// left nil were not available.
type ResourceCollectorResult struct {
	Type              string
	Utilization       *float64
	MemoryPercent     *float64
	MemoryAvailableGB *float64
	GPU               []GPURecord
	Accuracy          *float64
	Drift             *float64
}

type ResourceCollector interface {
	Start()
	Stop()

	// Fetch may block up to the collector's sampling window; it must honour ctx.
	Fetch(ctx context.Context) ResourceCollectorResult
}

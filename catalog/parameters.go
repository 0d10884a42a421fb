package catalog

import (
	"math"
	"sort"
)

// Well-known parameter keys.
const (
	ModelSize          = "model_size"
	BatchSize          = "batch_size"
	UseGPU             = "use_gpu"
	CacheEnabled       = "cache_enabled"
	Distributed        = "distributed"
	ParallelStrategy   = "parallel_strategy"
	UseCPUOptimization = "use_cpu_optimization"
	CacheLocally       = "cache_locally"
	PrefetchData       = "prefetch_data"
)

// Parameters is a remediation's tunable parameter set. Values are the scalar
// shapes produced by YAML/JSON decoding.
type Parameters map[string]any

// Clone returns a deep copy.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return Parameters{}
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case Parameters:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	}
	return v
}

// Int reads an integral value. Floats are accepted when they hold a whole number.
func (p Parameters) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case uint:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		if v == math.Trunc(v) {
			return int(v), true
		}
	}
	return 0, false
}

func (p Parameters) Bool(key string) (bool, bool) {
	v, ok := p[key].(bool)
	return v, ok
}

func (p Parameters) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// Keys returns the parameter names in sorted order.
func (p Parameters) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var modelSizeRank = map[string]int{"small": 0, "medium": 1, "large": 2, "xlarge": 3}

// ModelSizeRank orders model sizes from small upwards; unknown sizes report false.
func ModelSizeRank(size string) (int, bool) {
	r, ok := modelSizeRank[size]
	return r, ok
}

// Package adapter tailors remediations to the host and owns the live
// running configuration they are applied to.
package adapter

import (
	"remediation-agent/catalog"
	"remediation-agent/profile"
)

const (
	RuleLowMemory   = "low_memory"
	RuleMultiGPU    = "multi_gpu"
	RuleCPUOnly     = "cpu_only"
	RuleSlowNetwork = "slow_network"
)

const (
	lowMemoryGB      = 8
	slowNetworkMbps  = 10
	smallBatchSize   = 4
	smallModelSize   = "small"
	multiGPUStrategy = "multi_gpu"
)

// Adapted is a remediation tailored to one machine profile.
type Adapted struct {
	Parameters catalog.Parameters
	// Rules lists the adaptation rules that fired, in order.
	Rules []string
}

// Adapt applies the hardware rules to a copy of params. Rules compound: a
// later rule may further constrain an earlier one's output. Adapt performs no
// I/O and never mutates its inputs.
func Adapt(params catalog.Parameters, p profile.MachineProfile) Adapted {
	out := params.Clone()
	var fired []string

	if p.MemoryGB < lowMemoryGB {
		out[catalog.ModelSize] = smallModelSize
		out[catalog.BatchSize] = smallBatchSize
		out[catalog.CacheEnabled] = false
		fired = append(fired, RuleLowMemory)
	}

	if p.GPUCount >= 2 {
		out[catalog.Distributed] = true
		out[catalog.ParallelStrategy] = multiGPUStrategy
		if batch, ok := out.Int(catalog.BatchSize); ok {
			out[catalog.BatchSize] = batch * p.GPUCount
		}
		fired = append(fired, RuleMultiGPU)
	}

	if p.GPUCount == 0 {
		out[catalog.UseGPU] = false
		out[catalog.UseCPUOptimization] = true
		batch, ok := out.Int(catalog.BatchSize)
		if !ok || batch > smallBatchSize {
			batch = smallBatchSize
		}
		out[catalog.BatchSize] = batch
		fired = append(fired, RuleCPUOnly)
	}

	if p.NetworkBandwidthMbps != nil && *p.NetworkBandwidthMbps < slowNetworkMbps {
		out[catalog.CacheLocally] = true
		out[catalog.PrefetchData] = true
		fired = append(fired, RuleSlowNetwork)
	}

	return Adapted{Parameters: out, Rules: fired}
}

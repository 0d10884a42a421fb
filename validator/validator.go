// Package validator gates adapted remediations before they reach the live
// configuration.
package validator

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"remediation-agent/adapter"
	"remediation-agent/catalog"
	"remediation-agent/detector"
)

const (
	GateSimulated = "simulated"
	GateShadow    = "shadow"
	GateRollback  = "rollback"

	MinShadowAccuracy = 0.95
)

// Verdict reports the first failing gate, or Passed.
type Verdict struct {
	Passed bool
	Gate   string
	Reason string
	// ShadowUnverified is set when the shadow estimate did not come from a
	// real trial.
	ShadowUnverified bool
}

// Estimate is a shadow estimate of post-change accuracy.
type Estimate struct {
	Accuracy   float64
	Unverified bool
}

// ShadowEstimator predicts the effect of a change without touching the live
// configuration.
type ShadowEstimator interface {
	Estimate(ctx context.Context, adapted adapter.Adapted, current catalog.Parameters) (Estimate, error)
}

// StaticEstimator reports a fixed accuracy and marks it unverified. It runs no
// trial: the shadow gate only rejects if Accuracy is configured below the
// minimum.
type StaticEstimator struct {
	Accuracy float64
}

func (s StaticEstimator) Estimate(ctx context.Context, adapted adapter.Adapted, current catalog.Parameters) (Estimate, error) {
	return Estimate{Accuracy: s.Accuracy, Unverified: true}, nil
}

// ConfigView is the read-only side of the running configuration.
type ConfigView interface {
	Get() catalog.Parameters
	KnownGood() (catalog.Parameters, bool)
}

type Validator struct {
	config    ConfigView
	estimator ShadowEstimator
}

// New returns a validator reading config. A nil estimator uses StaticEstimator{0.95}.
func New(config ConfigView, estimator ShadowEstimator) *Validator {
	if estimator == nil {
		estimator = StaticEstimator{Accuracy: MinShadowAccuracy}
	}
	return &Validator{config: config, estimator: estimator}
}

// Validate runs the simulated, shadow and rollback gates in order, stopping at
// the first failure.
func (v *Validator) Validate(ctx context.Context, adapted adapter.Adapted, issue detector.Issue) Verdict {
	current := v.config.Get()

	if ok, reason := simulate(adapted.Parameters, current, issue.Type); !ok {
		return v.reject(GateSimulated, reason, false, issue)
	}

	est, err := v.estimator.Estimate(ctx, adapted, current)
	if err != nil {
		return v.reject(GateShadow, fmt.Sprintf("shadow estimate failed: %v", err), false, issue)
	}
	if est.Unverified {
		log.Debugf("shadow estimate %.3f is unverified, no trial was run", est.Accuracy)
	}
	if est.Accuracy < MinShadowAccuracy && issue.Severity == detector.Critical {
		return v.reject(GateShadow,
			fmt.Sprintf("estimated accuracy %.3f below %.2f for a critical issue", est.Accuracy, MinShadowAccuracy),
			est.Unverified, issue)
	}

	if _, ok := v.config.KnownGood(); !ok {
		return v.reject(GateRollback, "no known-good configuration to roll back to", est.Unverified, issue)
	}

	return Verdict{Passed: true, ShadowUnverified: est.Unverified}
}

func (v *Validator) reject(gate, reason string, unverified bool, issue detector.Issue) Verdict {
	log.WithFields(log.Fields{
		"gate":  gate,
		"issue": issue.ID(),
	}).Warnf("remediation rejected: %s", reason)
	return Verdict{Gate: gate, Reason: reason, ShadowUnverified: unverified}
}

// simulate is a rule-based plausibility check of the change against the
// issue it is meant to fix.
func simulate(adapted, current catalog.Parameters, t detector.IssueType) (bool, string) {
	if len(adapted) == 0 {
		return false, "remediation changes no parameters"
	}

	switch t {
	case detector.Memory:
		if reducesBatch(adapted, current) || downgradesModel(adapted, current) {
			return true, ""
		}
		return false, "memory remediation neither reduces batch_size nor downgrades model_size"
	case detector.Performance:
		for _, key := range []string{catalog.UseGPU, catalog.UseCPUOptimization, catalog.Distributed} {
			if on, _ := adapted.Bool(key); on {
				return true, ""
			}
		}
		return false, "performance remediation enables no gpu, cpu optimization or distribution"
	case detector.GPUMemory, detector.Accuracy, detector.SemanticDrift:
		return true, ""
	}
	return false, fmt.Sprintf("unknown issue type %q", t)
}

func reducesBatch(adapted, current catalog.Parameters) bool {
	next, ok := adapted.Int(catalog.BatchSize)
	if !ok {
		return false
	}
	prior, ok := current.Int(catalog.BatchSize)
	return ok && next < prior
}

func downgradesModel(adapted, current catalog.Parameters) bool {
	next, _ := adapted.String(catalog.ModelSize)
	prior, _ := current.String(catalog.ModelSize)
	nextRank, ok := catalog.ModelSizeRank(next)
	if !ok {
		return false
	}
	priorRank, ok := catalog.ModelSizeRank(prior)
	return ok && nextRank < priorRank
}

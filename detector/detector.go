// Package detector samples live resource metrics and turns threshold
// crossings into a severity-ranked issue list.
package detector

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"remediation-agent/monitoring"
)

type level struct {
	severity    Severity
	limit       float64
	autoFixable bool
}

// rule evaluates one metric. Levels are ordered most severe first; the first
// level crossed wins. Comparisons are strict.
type rule struct {
	issueType IssueType
	metric    string
	below     bool
	levels    []level
	describe  string
}

var rules = []rule{
	{
		issueType: Performance,
		metric:    monitoring.MetricCPUPercent,
		levels:    []level{{Critical, 90, true}, {High, 85, true}},
		describe:  "high cpu usage %.1f%% above %g%% threshold",
	},
	{
		issueType: Memory,
		metric:    monitoring.MetricMemoryPercent,
		levels:    []level{{Critical, 95, true}, {High, 90, true}},
		describe:  "high memory usage %.1f%% above %g%% threshold",
	},
	{
		issueType: GPUMemory,
		metric:    monitoring.MetricGPUMemoryPercent,
		levels:    []level{{Critical, 95, true}},
		describe:  "high gpu memory usage %.1f%% above %g%% threshold",
	},
	{
		issueType: Accuracy,
		metric:    monitoring.MetricLastAccuracy,
		below:     true,
		levels:    []level{{Critical, 0.5, false}, {Medium, 0.75, false}},
		describe:  "low model accuracy %.3f below %g threshold",
	},
	{
		issueType: SemanticDrift,
		metric:    monitoring.MetricSemanticDrift,
		levels:    []level{{High, 0.5, true}, {Medium, 0.3, true}},
		describe:  "semantic drift %.3f above %g threshold",
	},
}

func (r rule) evaluate(value float64) (Issue, bool) {
	for _, l := range r.levels {
		crossed := value > l.limit
		if r.below {
			crossed = value < l.limit
		}
		if crossed {
			return Issue{
				Type:        r.issueType,
				Severity:    l.severity,
				Metric:      r.metric,
				Value:       value,
				Description: fmt.Sprintf(r.describe, value, l.limit),
				AutoFixable: l.autoFixable,
			}, true
		}
	}
	return Issue{}, false
}

// Detect evaluates every metric present in state and returns the issues
// sorted by severity. Ties keep detection order.
func Detect(state monitoring.SystemState) []Issue {
	metrics := state.Metrics()
	issues := make([]Issue, 0, len(rules))
	for _, r := range rules {
		value, ok := metrics[r.metric]
		if !ok {
			continue
		}
		if issue, crossed := r.evaluate(value); crossed {
			issues = append(issues, issue)
		}
	}
	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].Severity < issues[j].Severity
	})
	return issues
}

// Detector owns the telemetry collectors and the set of issue ids seen so far.
type Detector struct {
	collectors []monitoring.ResourceCollector
	seen       map[string]bool
	now        func() time.Time
}

func New(collectors ...monitoring.ResourceCollector) *Detector {
	return &Detector{
		collectors: collectors,
		seen:       make(map[string]bool),
		now:        time.Now,
	}
}

func (d *Detector) Start() {
	for _, c := range d.collectors {
		c.Start()
	}
}

func (d *Detector) Stop() {
	for _, c := range d.collectors {
		c.Stop()
	}
}

// Sample queries every collector in turn. Metrics a collector could not
// measure are left unset.
func (d *Detector) Sample(ctx context.Context) monitoring.SystemState {
	state := monitoring.SystemState{Timestamp: d.now()}
	for _, c := range d.collectors {
		if ctx.Err() != nil {
			log.Debugf("sampling interrupted: %v", ctx.Err())
			break
		}
		r := c.Fetch(ctx)
		switch r.Type {
		case monitoring.RESULT_CPU:
			state.CPUPercent = r.Utilization
			state.MemoryPercent = r.MemoryPercent
			state.MemoryAvailableGB = r.MemoryAvailableGB
		case monitoring.RESULT_GPU:
			state.GPUCount = len(r.GPU)
			state.GPURecords = r.GPU
			state.GPUMemoryPercent = r.MemoryPercent
		case monitoring.RESULT_QUALITY:
			state.LastAccuracy = r.Accuracy
			state.SemanticDrift = r.Drift
		}
	}
	return state
}

func (d *Detector) Detect(state monitoring.SystemState) []Issue {
	return Detect(state)
}

// Classify marks an issue as known when its id was classified before.
func (d *Detector) Classify(issue Issue) Classification {
	id := issue.ID()
	known := d.seen[id]
	d.seen[id] = true
	return Classification{
		ID:          id,
		Known:       known,
		Severity:    issue.Severity,
		AutoFixable: issue.AutoFixable,
	}
}

// Package controller runs the remediation loop: sample, detect, classify,
// search, adapt, validate, apply, measure and document, one step at a time.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"

	"remediation-agent/adapter"
	"remediation-agent/catalog"
	"remediation-agent/detector"
	"remediation-agent/monitoring"
	"remediation-agent/profile"
	"remediation-agent/recorder"
	"remediation-agent/validator"
)

type Detector interface {
	Sample(ctx context.Context) monitoring.SystemState
	Detect(state monitoring.SystemState) []detector.Issue
	Classify(issue detector.Issue) detector.Classification
}

type Catalog interface {
	Find(issue detector.Issue) catalog.Match
}

type Validator interface {
	Validate(ctx context.Context, adapted adapter.Adapted, issue detector.Issue) validator.Verdict
}

// Escalator is notified when consecutive failures open the circuit.
type Escalator interface {
	Escalate(failures int, err error)
}

// LogEscalator reports escalations on the error log.
type LogEscalator struct{}

func (LogEscalator) Escalate(failures int, err error) {
	log.WithFields(log.Fields{
		"channel":  "escalation",
		"failures": failures,
	}).Errorf("remediation controller needs attention: %v", err)
}

type Options struct {
	PollInterval     time.Duration
	ErrorBackoff     time.Duration
	MaxErrorBackoff  time.Duration
	FailureThreshold int
	StepTimeout      time.Duration
	MeasureDelay     time.Duration
	// RevertThresholdPercent is the improvement below which the change is
	// rolled back.
	RevertThresholdPercent float64
	HistorySize            int
	StatusPath             string
}

func DefaultOptions() Options {
	return Options{
		PollInterval:           10 * time.Second,
		ErrorBackoff:           60 * time.Second,
		MaxErrorBackoff:        10 * time.Minute,
		FailureThreshold:       5,
		StepTimeout:            30 * time.Second,
		RevertThresholdPercent: -10,
		HistorySize:            90,
	}
}

// Deps are the collaborators a controller drives. Config is the only live
// configuration; the controller is its sole writer.
type Deps struct {
	Profile   profile.MachineProfile
	Detector  Detector
	Catalog   Catalog
	Config    *adapter.RunningConfig
	Validator Validator
	Recorder  recorder.Recorder
	Escalator Escalator
	Metrics   *Metrics
}

type Controller struct {
	Deps
	opts Options

	state    atomic.Int32
	history  *monitoring.Buffer
	backoff  *backoff.ExponentialBackOff
	failures int
	flush    chan struct{}
}

func New(deps Deps, opts Options) *Controller {
	if deps.Escalator == nil {
		deps.Escalator = LogEscalator{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.ErrorBackoff
	b.MaxInterval = opts.MaxErrorBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	return &Controller{
		Deps:    deps,
		opts:    opts,
		history: monitoring.NewBuffer(opts.HistorySize),
		backoff: b,
		flush:   make(chan struct{}, 1),
	}
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.Metrics.state.Set(float64(s))
	log.Debugf("controller state %s", s)
}

// Flush asks the loop to write a status snapshot at its next idle point.
func (c *Controller) Flush() {
	select {
	case c.flush <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. Cycle errors never end the loop; they
// back off exponentially up to MaxErrorBackoff and open the circuit after
// FailureThreshold consecutive failures.
func (c *Controller) Run(ctx context.Context) error {
	log.Infof("controller started, poll interval %s", c.opts.PollInterval)
	for {
		outcome, err := c.RunCycle(ctx)
		if ctx.Err() != nil {
			c.setState(Idle)
			log.Info("controller stopped")
			return nil
		}

		wait := c.opts.PollInterval
		if err != nil {
			wait = c.onFailure(err)
		} else {
			c.onSuccess(outcome)
		}

		if !c.idle(ctx, wait) {
			log.Info("controller stopped")
			return nil
		}
	}
}

func (c *Controller) onFailure(err error) time.Duration {
	c.failures++
	wait := c.backoff.NextBackOff()
	c.Metrics.cycles.WithLabelValues(Failed.String()).Inc()
	c.Metrics.cycleErrors.Inc()
	c.Metrics.failures.Set(float64(c.failures))
	log.WithFields(log.Fields{
		"failures": c.failures,
		"backoff":  wait,
	}).Errorf("cycle failed: %v", err)

	if c.failures%c.opts.FailureThreshold == 0 {
		c.Escalator.Escalate(c.failures, err)
	}
	return wait
}

func (c *Controller) onSuccess(outcome Outcome) {
	if c.failures >= c.opts.FailureThreshold {
		log.Infof("controller recovered after %d failed cycles", c.failures)
	}
	c.failures = 0
	c.backoff.Reset()
	c.Metrics.failures.Set(0)
	c.Metrics.cycles.WithLabelValues(outcome.String()).Inc()
}

// idle waits for d, serving flush requests meanwhile. It reports false when
// ctx ends first.
func (c *Controller) idle(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-c.flush:
			if err := c.writeStatus(); err != nil {
				log.Warnf("status flush failed: %v", err)
			}
		}
	}
}

// RunCycle performs one full cycle. A returned error is an unhandled failure;
// every other way a cycle can end is reported as an Outcome.
func (c *Controller) RunCycle(ctx context.Context) (outcome Outcome, err error) {
	changed := false
	defer func() {
		if r := recover(); r != nil {
			outcome, err = Failed, fmt.Errorf("cycle panic: %v", r)
		}
		// an applied change that was never documented must not stay live
		if err != nil && changed {
			if _, rerr := c.Config.Revert(); rerr != nil {
				err = errors.Join(err, rerr)
			} else {
				log.Warnf("reverted undocumented remediation after: %v", err)
			}
		}
		c.setState(Idle)
	}()

	c.setState(Detecting)
	before, err := c.sample(ctx)
	if err != nil {
		return Failed, err
	}
	issues := c.Detector.Detect(before)
	for _, issue := range issues {
		c.Metrics.issues.WithLabelValues(string(issue.Type), issue.Severity.String()).Inc()
	}
	if len(issues) == 0 {
		log.Debug("no issues detected")
		return NoIssue, nil
	}
	issue := issues[0]
	logger := log.WithFields(log.Fields{
		"issue":    issue.ID(),
		"severity": issue.Severity.String(),
		"value":    issue.Value,
	})

	c.setState(Classifying)
	cls := c.Detector.Classify(issue)
	if !cls.AutoFixable {
		logger.WithField("known", cls.Known).Warnf("%s requires human judgment", issue.Description)
		return NotAutoFixable, nil
	}

	c.setState(Searching)
	match := c.Catalog.Find(issue)
	if match.ManualRequired() {
		logger.WithField("suggestions", match.Suggestions).Warn("no catalog remediation, manual action required")
		return ManualRequired, nil
	}

	c.setState(Adapting)
	adapted := adapter.Adapt(match.Parameters, c.Profile)
	logger = logger.WithFields(log.Fields{"source": match.Source, "rules": adapted.Rules})

	c.setState(Validating)
	stepCtx, cancel := context.WithTimeout(ctx, c.opts.StepTimeout)
	verdict := c.Validator.Validate(stepCtx, adapted, issue)
	cancel()
	if !verdict.Passed {
		logger.WithField("gate", verdict.Gate).Infof("remediation discarded: %s", verdict.Reason)
		return ValidationRejected, nil
	}

	c.setState(Applying)
	applied := c.Config.Apply(adapted)
	changed = true
	logger.WithField("config", applied).Info("remediation applied")

	c.setState(Measuring)
	if !sleep(ctx, c.opts.MeasureDelay) {
		return Failed, ctx.Err()
	}
	after, err := c.sample(ctx)
	if err != nil {
		return Failed, fmt.Errorf("measuring after apply: %w", err)
	}
	improvement := c.improvement(issue, after)
	c.Metrics.improvement.Set(improvement)

	outcome = Applied
	if improvement < c.opts.RevertThresholdPercent {
		reverted, err := c.Config.Revert()
		if err != nil {
			return Failed, fmt.Errorf("reverting regressed remediation: %w", err)
		}
		applied = reverted
		outcome = Reverted
		logger.Warnf("improvement %.1f%% below %.1f%%, reverted to known-good config",
			improvement, c.opts.RevertThresholdPercent)
	}

	c.setState(Documenting)
	rec := recorder.NewOutcomeRecord(issue)
	rec.Remediation = recorder.RemediationRecord{
		Source:      match.Source,
		Confidence:  match.Confidence,
		Description: match.Description,
		Rules:       adapted.Rules,
	}
	rec.Parameters = adapted.Parameters
	rec.MetricsBefore = before.Metrics()
	rec.MetricsAfter = after.Metrics()
	rec.ImprovementPercent = improvement
	rec.Reverted = outcome == Reverted
	rec.ConfigAfter = applied
	if err := c.Recorder.Record(rec); err != nil {
		return Failed, fmt.Errorf("documenting outcome: %w", err)
	}
	if outcome == Applied {
		c.Config.MarkKnownGood()
	}
	logger.Infof("remediation outcome %s, improvement %.1f%%", outcome, improvement)
	return outcome, nil
}

// sample bounds a telemetry read by the step timeout.
func (c *Controller) sample(ctx context.Context) (monitoring.SystemState, error) {
	stepCtx, cancel := context.WithTimeout(ctx, c.opts.StepTimeout)
	defer cancel()
	state := c.Detector.Sample(stepCtx)
	if err := ctx.Err(); err != nil {
		return state, err
	}
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return state, fmt.Errorf("sampling exceeded step timeout %s", c.opts.StepTimeout)
	}
	c.history.Add(state)
	return state, nil
}

func (c *Controller) improvement(issue detector.Issue, after monitoring.SystemState) float64 {
	value, ok := after.Metric(issue.Metric)
	if !ok {
		log.Warnf("%s missing from post-change sample, improvement unknown", issue.Metric)
		return 0
	}
	return recorder.Improvement(issue.Value, value, issue.LowerIsBetter())
}

// Status snapshots the controller for inspection.
func (c *Controller) Status() monitoring.Status {
	s := monitoring.Status{
		State:       c.State().String(),
		Profile:     c.Profile,
		Config:      c.Config.Get(),
		History:     c.history.LastAvailable(),
		Averages:    c.history.LastAverage(c.history.Max),
		GeneratedAt: time.Now().UTC(),
	}
	if good, ok := c.Config.KnownGood(); ok {
		s.KnownGood = good
	}
	return s
}

func (c *Controller) writeStatus() error {
	if c.opts.StatusPath == "" {
		return nil
	}
	log.Debugf("controller flush to path %s", c.opts.StatusPath)
	output, err := json.MarshalIndent(c.Status(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.opts.StatusPath, output, 0644)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package controller

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remediation-agent/adapter"
	"remediation-agent/catalog"
	"remediation-agent/detector"
	"remediation-agent/monitoring"
	"remediation-agent/profile"
	"remediation-agent/recorder"
	"remediation-agent/validator"
)

var f = monitoring.Float

// scriptedDetector replays states in order, repeating the last one.
type scriptedDetector struct {
	*detector.Detector
	states []monitoring.SystemState
	calls  int
	sample func(ctx context.Context) monitoring.SystemState
}

func newScripted(states ...monitoring.SystemState) *scriptedDetector {
	return &scriptedDetector{Detector: detector.New(), states: states}
}

func (d *scriptedDetector) Sample(ctx context.Context) monitoring.SystemState {
	if d.sample != nil {
		return d.sample(ctx)
	}
	i := d.calls
	if i >= len(d.states) {
		i = len(d.states) - 1
	}
	d.calls++
	return d.states[i]
}

type fixedCatalog struct {
	match catalog.Match
	calls int
}

func (c *fixedCatalog) Find(issue detector.Issue) catalog.Match {
	c.calls++
	return c.match
}

var host = profile.MachineProfile{CPUCount: 16, MemoryGB: 64, GPUCount: 1, GPUMemoryGB: 24}

func memoryCatalog() *catalog.Catalog {
	return catalog.New([]catalog.Record{{
		ID:       "shrink-batch",
		Problem:  catalog.Problem{Description: "high memory usage", Type: detector.Memory},
		Solution: catalog.Solution{Description: "smaller batches", Confidence: 0.9, Parameters: catalog.Parameters{catalog.BatchSize: 8}},
	}}, 0.5)
}

type fixture struct {
	ctrl     *Controller
	config   *adapter.RunningConfig
	recorder *recorder.MemoryRecorder
}

func newFixture(t *testing.T, det Detector, cat Catalog, opts Options) fixture {
	t.Helper()
	cfg := adapter.NewRunningConfig(adapter.DefaultParameters())
	cfg.MarkKnownGood()
	rec := &recorder.MemoryRecorder{}
	ctrl := New(Deps{
		Profile:   host,
		Detector:  det,
		Catalog:   cat,
		Config:    cfg,
		Validator: validator.New(cfg, nil),
		Recorder:  rec,
	}, opts)
	return fixture{ctrl: ctrl, config: cfg, recorder: rec}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.StepTimeout = time.Second
	return opts
}

func TestCycleNoIssue(t *testing.T) {
	fx := newFixture(t, newScripted(monitoring.SystemState{CPUPercent: f(20), MemoryPercent: f(30)}), memoryCatalog(), testOptions())

	outcome, err := fx.ctrl.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoIssue, outcome)
	assert.Equal(t, Idle, fx.ctrl.State())
	assert.Empty(t, fx.recorder.Records())
}

func TestCycleAppliesAndDocuments(t *testing.T) {
	det := newScripted(
		monitoring.SystemState{MemoryPercent: f(96), CPUPercent: f(40)},
		monitoring.SystemState{MemoryPercent: f(72), CPUPercent: f(38)},
	)
	fx := newFixture(t, det, memoryCatalog(), testOptions())

	outcome, err := fx.ctrl.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	assert.Equal(t, 8, fx.config.Get()[catalog.BatchSize])

	t.Log("the applied config becomes the new known-good")
	good, ok := fx.config.KnownGood()
	require.True(t, ok)
	assert.Equal(t, 8, good[catalog.BatchSize])

	records := fx.recorder.Records()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, detector.Memory, rec.Issue.Type)
	assert.Equal(t, detector.Critical, rec.Issue.Severity)
	assert.Equal(t, "knowledge_base:shrink-batch", rec.Remediation.Source)
	assert.InDelta(t, 0.9, rec.Remediation.Confidence, 1e-9)
	assert.Equal(t, 96.0, rec.MetricsBefore[monitoring.MetricMemoryPercent])
	assert.Equal(t, 72.0, rec.MetricsAfter[monitoring.MetricMemoryPercent])
	assert.InDelta(t, 25.0, rec.ImprovementPercent, 1e-9)
	assert.False(t, rec.Reverted)
	assert.NotEmpty(t, rec.ID)
}

func TestCycleNotAutoFixable(t *testing.T) {
	cat := &fixedCatalog{}
	fx := newFixture(t, newScripted(monitoring.SystemState{LastAccuracy: f(0.4)}), cat, testOptions())

	outcome, err := fx.ctrl.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NotAutoFixable, outcome)
	assert.Zero(t, cat.calls)
	assert.Empty(t, fx.recorder.Records())
}

func TestCycleManualRequired(t *testing.T) {
	fx := newFixture(t, newScripted(monitoring.SystemState{MemoryPercent: f(96)}), catalog.New(nil, 0), testOptions())
	before := fx.config.Get()

	outcome, err := fx.ctrl.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ManualRequired, outcome)
	assert.Equal(t, before, fx.config.Get())
	assert.Empty(t, fx.recorder.Records())
}

func TestCycleValidationRejectedDoesNotApply(t *testing.T) {
	cat := &fixedCatalog{match: catalog.Match{
		Source:     "knowledge_base:gpu",
		Confidence: 0.8,
		Parameters: catalog.Parameters{catalog.UseGPU: true},
	}}
	fx := newFixture(t, newScripted(monitoring.SystemState{MemoryPercent: f(96)}), cat, testOptions())
	before := fx.config.Get()

	outcome, err := fx.ctrl.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ValidationRejected, outcome)
	assert.Equal(t, before, fx.config.Get())
	assert.Empty(t, fx.recorder.Records())

	t.Log("the issue is retried next cycle")
	outcome, err = fx.ctrl.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ValidationRejected, outcome)
	assert.Equal(t, 2, cat.calls)
}

func TestCycleRevertsRegression(t *testing.T) {
	det := newScripted(
		monitoring.SystemState{MemoryPercent: f(96)},
		monitoring.SystemState{MemoryPercent: f(99)},
	)
	opts := testOptions()
	opts.RevertThresholdPercent = 0
	fx := newFixture(t, det, memoryCatalog(), opts)

	outcome, err := fx.ctrl.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Reverted, outcome)
	assert.Equal(t, adapter.DefaultParameters(), fx.config.Get())

	records := fx.recorder.Records()
	require.Len(t, records, 1)
	assert.True(t, records[0].Reverted)
	assert.Less(t, records[0].ImprovementPercent, 0.0)
	assert.Equal(t, 32, records[0].ConfigAfter[catalog.BatchSize])
}

func TestCycleWithoutKnownGoodIsRejected(t *testing.T) {
	cfg := adapter.NewRunningConfig(adapter.DefaultParameters())
	rec := &recorder.MemoryRecorder{}
	ctrl := New(Deps{
		Profile:   host,
		Detector:  newScripted(monitoring.SystemState{MemoryPercent: f(96)}),
		Catalog:   memoryCatalog(),
		Config:    cfg,
		Validator: validator.New(cfg, nil),
		Recorder:  rec,
	}, testOptions())

	outcome, err := ctrl.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ValidationRejected, outcome)
	assert.Equal(t, adapter.DefaultParameters(), cfg.Get())
}

func TestCycleSamplingTimeout(t *testing.T) {
	det := newScripted()
	det.sample = func(ctx context.Context) monitoring.SystemState {
		<-ctx.Done()
		return monitoring.SystemState{}
	}
	opts := testOptions()
	opts.StepTimeout = 10 * time.Millisecond
	fx := newFixture(t, det, memoryCatalog(), opts)

	outcome, err := fx.ctrl.RunCycle(context.Background())
	assert.Error(t, err)
	assert.Equal(t, Failed, outcome)
	assert.Equal(t, Idle, fx.ctrl.State())
}

func TestCycleRevertsWhenMeasurementTimesOut(t *testing.T) {
	det := newScripted()
	calls := 0
	det.sample = func(ctx context.Context) monitoring.SystemState {
		calls++
		if calls == 1 {
			return monitoring.SystemState{MemoryPercent: f(96)}
		}
		<-ctx.Done()
		return monitoring.SystemState{}
	}
	opts := testOptions()
	opts.StepTimeout = 20 * time.Millisecond
	fx := newFixture(t, det, memoryCatalog(), opts)

	outcome, err := fx.ctrl.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, outcome)
	assert.Equal(t, 2, calls)

	t.Log("the unmeasured change is rolled back and nothing is documented")
	assert.Equal(t, adapter.DefaultParameters(), fx.config.Get())
	good, ok := fx.config.KnownGood()
	require.True(t, ok)
	assert.Equal(t, adapter.DefaultParameters(), good)
	assert.Empty(t, fx.recorder.Records())
}

type failingRecorder struct{}

func (failingRecorder) Record(recorder.OutcomeRecord) error {
	return assert.AnError
}

func TestCycleRevertsWhenDocumentingFails(t *testing.T) {
	det := newScripted(
		monitoring.SystemState{MemoryPercent: f(96)},
		monitoring.SystemState{MemoryPercent: f(70)},
	)
	fx := newFixture(t, det, memoryCatalog(), testOptions())
	fx.ctrl.Recorder = failingRecorder{}

	outcome, err := fx.ctrl.RunCycle(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, Failed, outcome)

	t.Log("an improvement that could not be recorded is not promoted to known-good")
	assert.Equal(t, adapter.DefaultParameters(), fx.config.Get())
	good, ok := fx.config.KnownGood()
	require.True(t, ok)
	assert.Equal(t, 32, good[catalog.BatchSize])
}

func TestCycleRecoversPanic(t *testing.T) {
	det := newScripted()
	det.sample = func(ctx context.Context) monitoring.SystemState {
		panic("collector exploded")
	}
	fx := newFixture(t, det, memoryCatalog(), testOptions())

	outcome, err := fx.ctrl.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collector exploded")
	assert.Equal(t, Failed, outcome)
}

type countingEscalator struct {
	mu       sync.Mutex
	failures []int
	done     chan struct{}
	after    int
}

func (e *countingEscalator) Escalate(failures int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, failures)
	if len(e.failures) == e.after {
		close(e.done)
	}
}

func TestRunBacksOffAndEscalates(t *testing.T) {
	det := newScripted()
	det.sample = func(ctx context.Context) monitoring.SystemState {
		panic("telemetry down")
	}
	esc := &countingEscalator{done: make(chan struct{}), after: 2}
	opts := testOptions()
	opts.ErrorBackoff = time.Millisecond
	opts.MaxErrorBackoff = 4 * time.Millisecond
	opts.FailureThreshold = 2
	fx := newFixture(t, det, memoryCatalog(), opts)
	fx.ctrl.Escalator = esc

	t.Log("backoff doubles up to the ceiling")
	assert.Equal(t, time.Millisecond, fx.ctrl.backoff.NextBackOff())
	assert.Equal(t, 2*time.Millisecond, fx.ctrl.backoff.NextBackOff())
	assert.Equal(t, 4*time.Millisecond, fx.ctrl.backoff.NextBackOff())
	assert.Equal(t, 4*time.Millisecond, fx.ctrl.backoff.NextBackOff())
	fx.ctrl.backoff.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- fx.ctrl.Run(ctx) }()

	select {
	case <-esc.done:
	case <-time.After(5 * time.Second):
		t.Fatal("escalation never happened")
	}
	cancel()
	require.NoError(t, <-done)

	esc.mu.Lock()
	defer esc.mu.Unlock()
	require.GreaterOrEqual(t, len(esc.failures), 2)
	assert.Equal(t, []int{2, 4}, esc.failures[:2])
	assert.GreaterOrEqual(t, testutil.ToFloat64(fx.ctrl.Metrics.cycleErrors), 4.0)
}

func TestRunResetsAfterSuccess(t *testing.T) {
	fx := newFixture(t, newScripted(monitoring.SystemState{CPUPercent: f(10)}), memoryCatalog(), testOptions())
	fx.ctrl.onFailure(assert.AnError)
	fx.ctrl.onFailure(assert.AnError)
	assert.Equal(t, 2, fx.ctrl.failures)

	fx.ctrl.onSuccess(NoIssue)
	assert.Zero(t, fx.ctrl.failures)
	assert.Equal(t, fx.ctrl.opts.ErrorBackoff, fx.ctrl.backoff.NextBackOff())
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.ctrl.Metrics.cycles.WithLabelValues("no_issue")))
}

func TestRunStopsOnCancel(t *testing.T) {
	opts := testOptions()
	opts.PollInterval = time.Hour
	fx := newFixture(t, newScripted(monitoring.SystemState{CPUPercent: f(10)}), memoryCatalog(), opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- fx.ctrl.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestFlushWritesStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	opts := testOptions()
	opts.StatusPath = path
	fx := newFixture(t, newScripted(monitoring.SystemState{CPUPercent: f(10), MemoryPercent: f(20)}), memoryCatalog(), opts)

	_, err := fx.ctrl.RunCycle(context.Background())
	require.NoError(t, err)

	fx.ctrl.Flush()
	fx.ctrl.Flush()
	assert.True(t, fx.ctrl.idle(context.Background(), 20*time.Millisecond))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var status map[string]any
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, "IDLE", status["state"])
	assert.Len(t, status["history"], 1)
	assert.Contains(t, status, "known_good")
	assert.InDelta(t, 10.0, status["averages"].(map[string]any)["cpu_percent"], 1e-9)
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "DETECTING", Detecting.String())
	assert.Equal(t, "DOCUMENTING", Documenting.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.Equal(t, "validation_rejected", ValidationRejected.String())
}

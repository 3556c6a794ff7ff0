// Package engine runs one load test from a resolved configuration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/PoyrazK/cloudload/internal/performance"
	"github.com/PoyrazK/cloudload/internal/performance/bench"
	"github.com/PoyrazK/cloudload/internal/performance/config"
	"github.com/PoyrazK/cloudload/internal/performance/executor"
	"github.com/PoyrazK/cloudload/internal/performance/metrics"
	"github.com/PoyrazK/cloudload/internal/performance/threshold"
	"github.com/PoyrazK/cloudload/internal/tracing"
)

var errAlreadyRan = errors.New("engine already ran")

// Engine is the run controller.
//
// It coordinates:
//   - Scenario compilation and threshold validation (in New)
//   - The stage executor and its VU scheduler
//   - Advisory threshold polling while traffic flows
//   - The final snapshot and the authoritative verdicts
//
// Example usage:
//
//	tc, _ := config.LoadConfig("test.yaml")
//	rc, _ := config.Resolve(tc, config.Overrides{})
//	e, _ := engine.New(rc)
//	result, _ := e.Run(context.Background())
//	fmt.Printf("Test passed: %v\n", result.Passed)
type Engine struct {
	runID     string
	config    *config.RunConfig
	scenario  *performance.Scenario
	evaluator *threshold.Evaluator
	executor  *executor.RampingVUs

	logger        *logrus.Entry
	client        *http.Client
	tracer        *tracing.Provider
	limiter       *rate.Limiter
	onTick        func(Tick)
	metricsEngine *metrics.Engine

	// State
	mu        sync.RWMutex
	started   bool
	running   bool
	stopped   bool
	startTime time.Time
	live      *metrics.Engine
}

// Tick is delivered to the OnTick callback every poll interval.
type Tick struct {
	Elapsed  time.Duration
	Snapshot *metrics.Snapshot
	Stats    *executor.Stats

	// Verdicts are advisory; only the final verdicts decide the run
	Verdicts []threshold.Verdict
}

// Result contains the complete run results.
type Result struct {
	RunID       string        `json:"runId"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Profile     string        `json:"profile,omitempty"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	Duration    time.Duration `json:"duration"`

	// Interrupted is set when the run was cancelled before the plan ended
	Interrupted bool `json:"interrupted,omitempty"`

	Passed   bool                `json:"passed"`
	Verdicts []threshold.Verdict `json:"verdicts,omitempty"`

	Metrics      *metrics.Snapshot     `json:"metrics"`
	TimeSeries   []*metrics.TimeBucket `json:"timeSeries,omitempty"`
	Phases       []metrics.PhaseChange `json:"phases,omitempty"`
	Measurements []bench.Measurement   `json:"measurements,omitempty"`
}

// FailedVerdicts returns the verdicts that did not pass.
func (r *Result) FailedVerdicts() []threshold.Verdict {
	var failed []threshold.Verdict
	for _, v := range r.Verdicts {
		if !v.Passed {
			failed = append(failed, v)
		}
	}
	return failed
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for run lifecycle events.
func WithLogger(l *logrus.Entry) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHTTPClient shares client between all VUs instead of building one
// from the run's HTTP settings.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithTracerProvider starts a client span per request when p exports.
func WithTracerProvider(p *tracing.Provider) Option {
	return func(e *Engine) { e.tracer = p }
}

// WithLimiter replaces the limiter built from MaxRPS.
func WithLimiter(l *rate.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithOnTick registers fn to receive advisory progress every poll interval.
func WithOnTick(fn func(Tick)) Option {
	return func(e *Engine) { e.onTick = fn }
}

// WithMetricsEngine records into m, so callers can export it while the
// run is live. The caller stops m.
func WithMetricsEngine(m *metrics.Engine) Option {
	return func(e *Engine) { e.metricsEngine = m }
}

// New compiles rc into a runnable engine. Every configuration problem
// is reported here, before any traffic is sent.
func New(rc *config.RunConfig, opts ...Option) (*Engine, error) {
	if rc == nil {
		return nil, &config.ValidationError{Message: "run configuration is nil"}
	}

	e := &Engine{runID: uuid.NewString(), config: rc}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	e.logger = e.logger.WithField("run_id", e.runID)

	scenario, err := performance.NewScenario(rc)
	if err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	e.scenario = scenario

	known := threshold.NewKeySet(scenario.RequestNames(), scenario.CheckLabels())
	evaluator, err := threshold.Compile(rc.Thresholds, known)
	if err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}
	e.evaluator = evaluator

	execCfg := executor.ConfigFrom(rc)
	execCfg.Logger = e.logger
	e.executor = executor.NewRampingVUs()
	if err := e.executor.Init(context.Background(), execCfg); err != nil {
		return nil, fmt.Errorf("invalid stages: %w", err)
	}

	if e.limiter == nil && rc.MaxRPS > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(rc.MaxRPS), 1)
	}

	return e, nil
}

// Run drives the stage plan to completion and judges the result.
//
// Cancelling ctx ends the plan early; the VUs still drain and Run still
// returns a Result, marked Interrupted. Run returns an error only when the
// engine already ran.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil, errAlreadyRan
	}
	e.started = true
	e.running = true
	e.startTime = time.Now()
	start := e.startTime
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	logger := e.logger

	m := e.metricsEngine
	if m == nil {
		m = metrics.NewEngine()
		defer m.Stop()
	}
	e.mu.Lock()
	e.live = m
	e.mu.Unlock()

	schedOpts := []performance.SchedulerOption{
		performance.WithHTTPClient(e.client),
		performance.WithLimiter(e.limiter),
		performance.WithLogger(logger.WithField("component", "vu")),
		performance.WithMaxVUs(e.config.MaxVUs),
	}
	if e.tracer.Enabled() {
		schedOpts = append(schedOpts, performance.WithTracer(e.tracer.Tracer(), e.tracer.ShouldPropagate()))
	}
	scheduler := performance.NewVUScheduler(e.scenario, m, performance.HTTPClientConfigFrom(e.config.HTTP), schedOpts...)

	logger.WithFields(logrus.Fields{
		"name":       e.config.Name,
		"profile":    e.config.Profile,
		"stages":     len(e.config.Stages),
		"duration":   e.config.TotalDuration(),
		"thresholds": e.evaluator.Len(),
	}).Info("run started")

	pollCtx, stopPoll := context.WithCancel(context.Background())
	var pollWg sync.WaitGroup
	pollWg.Add(1)
	go func() {
		defer pollWg.Done()
		e.poll(pollCtx, m, logger, start)
	}()

	runErr := e.executor.Run(ctx, scheduler, m)
	stopPoll()
	pollWg.Wait()

	snap := m.Snapshot()
	verdicts := e.evaluator.Evaluate(snap)
	end := time.Now()

	e.mu.RLock()
	interrupted := runErr != nil || e.stopped
	e.mu.RUnlock()

	result := &Result{
		RunID:        e.runID,
		Name:         e.config.Name,
		Description:  e.config.Description,
		Profile:      e.config.Profile,
		Start:        start,
		End:          end,
		Duration:     end.Sub(start),
		Interrupted:  interrupted,
		Passed:       threshold.AllPassed(verdicts),
		Verdicts:     verdicts,
		Metrics:      snap,
		TimeSeries:   m.GetTimeSeries(),
		Phases:       m.GetPhaseHistory(),
		Measurements: bench.FromSnapshot(e.config.Name, snap),
	}

	for _, v := range result.FailedVerdicts() {
		logger.WithFields(logrus.Fields{
			"metric": v.Metric,
			"actual": v.Actual,
		}).Warnf("threshold failed: %s", v.Message)
	}
	if result.Interrupted {
		logger.Warn("run interrupted before the stage plan ended")
	}
	logger.WithFields(logrus.Fields{
		"passed":   result.Passed,
		"requests": snap.TotalRequests,
		"failed":   snap.FailedRequests,
		"duration": result.Duration.Round(time.Millisecond),
	}).Info("run finished")

	return result, nil
}

// poll evaluates thresholds every PollInterval. Breaches are logged once
// per transition and never stop traffic.
func (e *Engine) poll(ctx context.Context, m *metrics.Engine, logger *logrus.Entry, start time.Time) {
	interval := e.config.PollInterval
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	breached := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap := m.Snapshot()
		verdicts := e.evaluator.Evaluate(snap)
		for _, v := range verdicts {
			key := v.Metric + " " + v.Expression
			switch {
			case !v.Passed && !breached[key]:
				logger.WithField("metric", v.Metric).Warnf("threshold breached (advisory): %s", v.Message)
			case v.Passed && breached[key]:
				logger.WithField("metric", v.Metric).Infof("threshold recovered: %s", v.Message)
			}
			breached[key] = !v.Passed
		}

		logger.WithFields(logrus.Fields{
			"phase":     snap.CurrentPhase,
			"vus":       snap.ActiveVUs,
			"requests":  snap.TotalRequests,
			"rps":       fmt.Sprintf("%.1f", snap.RPS),
			"p95":       snap.Latency.P95,
			"errorRate": fmt.Sprintf("%.4f", snap.ErrorRate),
		}).Debug("progress")

		if e.onTick != nil {
			e.onTick(Tick{
				Elapsed:  time.Since(start),
				Snapshot: snap,
				Stats:    e.executor.GetStats(),
				Verdicts: verdicts,
			})
		}
	}
}

// RunID identifies this run in logs and results.
func (e *Engine) RunID() string {
	return e.runID
}

// GetConfig returns the run configuration.
func (e *Engine) GetConfig() *config.RunConfig {
	return e.config
}

// Scenario returns the compiled scenario.
func (e *Engine) Scenario() *performance.Scenario {
	return e.scenario
}

// ThresholdCount returns the number of compiled thresholds.
func (e *Engine) ThresholdCount() int {
	return e.evaluator.Len()
}

// GetMetrics returns the current metrics snapshot, or nil before Run.
func (e *Engine) GetMetrics() *metrics.Snapshot {
	e.mu.RLock()
	m := e.live
	e.mu.RUnlock()

	if m == nil {
		return nil
	}
	return m.Snapshot()
}

// IsRunning returns true if the engine is currently running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Stop ends the run early and waits for the VUs to drain.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	return e.executor.Stop(ctx)
}

// GetProgress returns the overall run progress (0.0 to 1.0).
func (e *Engine) GetProgress() float64 {
	return e.executor.GetProgress()
}

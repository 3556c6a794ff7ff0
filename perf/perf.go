package perf

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/PoyrazK/cloudload/internal/performance/bench"
	"github.com/PoyrazK/cloudload/internal/performance/config"
	"github.com/PoyrazK/cloudload/internal/performance/engine"
	"github.com/PoyrazK/cloudload/internal/performance/metrics"
	"github.com/PoyrazK/cloudload/internal/performance/threshold"
)

type (
	// Result contains the complete results of a run.
	Result = engine.Result

	// Tick is the advisory progress delivered while a run is live.
	Tick = engine.Tick

	// Snapshot is a point-in-time view of the aggregated metrics.
	Snapshot = metrics.Snapshot

	// Verdict is the outcome of one threshold expression.
	Verdict = threshold.Verdict

	// Measurement is one named summary value for a benchmark store.
	Measurement = bench.Measurement

	// Overrides are the environment-sourced values merged into a config.
	Overrides = config.Overrides
)

// Option configures a Runner.
type Option func(*options)

type options struct {
	overrides    *Overrides
	envFiles     []string
	engineOption []engine.Option
}

// WithOverrides replaces the overrides read from the environment.
func WithOverrides(ov Overrides) Option {
	return func(o *options) { o.overrides = &ov }
}

// WithEnvFiles reads overrides from the environment and then from files,
// for names the environment does not set.
func WithEnvFiles(files ...string) Option {
	return func(o *options) { o.envFiles = files }
}

// WithLogger sets the logger for run lifecycle events.
func WithLogger(l *logrus.Entry) Option {
	return func(o *options) { o.engineOption = append(o.engineOption, engine.WithLogger(l)) }
}

// WithOnTick registers fn to receive progress every poll interval.
func WithOnTick(fn func(Tick)) Option {
	return func(o *options) { o.engineOption = append(o.engineOption, engine.WithOnTick(fn)) }
}

// Runner runs one test configuration once.
type Runner struct {
	config *config.RunConfig
	engine *engine.Engine
}

// NewRunner loads the configuration file at path. Every configuration
// problem is reported here, before any traffic is sent.
func NewRunner(path string, opts ...Option) (*Runner, error) {
	tc, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return newRunner(tc, opts)
}

// ParseRunner is NewRunner for a configuration held in memory. name
// selects the format by extension, as a file path would.
func ParseRunner(data []byte, name string, opts ...Option) (*Runner, error) {
	tc, err := config.ParseConfig(data, name)
	if err != nil {
		return nil, err
	}
	return newRunner(tc, opts)
}

func newRunner(tc *config.TestConfig, opts []Option) (*Runner, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	var ov Overrides
	if o.overrides != nil {
		ov = *o.overrides
	} else {
		var err error
		if ov, err = config.LoadOverrides(o.envFiles...); err != nil {
			return nil, err
		}
	}

	rc, err := config.Resolve(tc, ov)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(rc, o.engineOption...)
	if err != nil {
		return nil, err
	}
	return &Runner{config: rc, engine: eng}, nil
}

// Run executes the stage plan and returns the judged result. Cancelling
// ctx ends the run early with a Result marked Interrupted.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	return r.engine.Run(ctx)
}

// Stop ends a live run early and waits for the VUs to drain.
func (r *Runner) Stop(ctx context.Context) error {
	return r.engine.Stop(ctx)
}

// GetMetrics returns the current metrics snapshot, or nil before Run.
func (r *Runner) GetMetrics() *Snapshot {
	return r.engine.GetMetrics()
}

// Name returns the configured test name.
func (r *Runner) Name() string {
	return r.config.Name
}

// Profile returns the selected stage profile, "" for the default stages.
func (r *Runner) Profile() string {
	return r.config.Profile
}

// RunFile loads path and runs it.
func RunFile(ctx context.Context, path string, opts ...Option) (*Result, error) {
	r, err := NewRunner(path, opts...)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx)
}

// Package executor turns a stage plan into a live VU count over time.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PoyrazK/cloudload/internal/performance"
	"github.com/PoyrazK/cloudload/internal/performance/config"
	"github.com/PoyrazK/cloudload/internal/performance/metrics"
)

// Executor defines the interface for load generation strategies.
//
// An executor decides HOW MANY virtual users run at each instant; the
// VUScheduler it is handed owns the VUs themselves.
type Executor interface {
	// Init validates and stores the configuration. Called once before Run.
	Init(ctx context.Context, config *Config) error

	// Run blocks until the plan is exhausted and every VU has drained,
	// or until ctx is cancelled.
	Run(ctx context.Context, scheduler *performance.VUScheduler, metrics *metrics.Engine) error

	// GetProgress returns current progress (0.0 to 1.0).
	GetProgress() float64

	// GetActiveVUs returns current active VU count.
	GetActiveVUs() int

	// GetStats returns executor-specific statistics.
	GetStats() *Stats

	// Stop ends the run early and waits for the drain to finish.
	Stop(ctx context.Context) error
}

// Config contains configuration for an executor.
type Config struct {
	// Name is the name of this executor instance
	Name string `json:"name" yaml:"name"`

	// Stages is the concurrency profile
	Stages []config.Stage `json:"stages" yaml:"stages"`

	// StartVUs is the concurrency the first stage ramps from
	StartVUs int `json:"startVUs,omitempty" yaml:"startVUs,omitempty"`

	// MaxVUs caps the live VU count; 0 means unlimited
	MaxVUs int `json:"maxVUs,omitempty" yaml:"maxVUs,omitempty"`

	// GracefulStop bounds the final drain
	GracefulStop time.Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// ControlInterval is how often the VU count is adjusted
	ControlInterval time.Duration `json:"controlInterval,omitempty" yaml:"controlInterval,omitempty"`

	Logger *logrus.Entry `json:"-" yaml:"-"`
}

// ConfigFrom builds an executor configuration from a resolved run.
func ConfigFrom(rc *config.RunConfig) *Config {
	return &Config{
		Name:            rc.Name,
		Stages:          rc.Stages,
		StartVUs:        rc.StartVUs,
		MaxVUs:          rc.MaxVUs,
		GracefulStop:    rc.GracefulStop,
		ControlInterval: rc.ControlInterval,
	}
}

// Stats contains real-time executor statistics.
type Stats struct {
	// Timing
	StartTime     time.Time     `json:"startTime"`
	CurrentTime   time.Time     `json:"currentTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`

	// VU stats
	ActiveVUs int `json:"activeVUs"`
	TargetVUs int `json:"targetVUs"`

	// Clamped is set while the plan asks for more than MaxVUs
	Clamped bool `json:"clamped"`

	// Stage info
	CurrentStage     int    `json:"currentStage"`
	CurrentStageName string `json:"currentStageName"`
	TotalStages      int    `json:"totalStages"`
}

// Validate validates the executor configuration.
func (c *Config) Validate() error {
	errs := &config.ValidationErrors{}

	validatePlan(c.Stages, c.StartVUs, errs)
	if c.MaxVUs < 0 {
		errs.Add("maxVUs", "must not be negative")
	}
	if c.GracefulStop < 0 {
		errs.Add("gracefulStop", "must not be negative")
	}
	if c.ControlInterval < 0 {
		errs.Add("controlInterval", "must not be negative")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validatePlan(stages []config.Stage, startVUs int, errs *config.ValidationErrors) {
	if len(stages) == 0 {
		errs.Add("stages", "at least one stage is required")
	}
	for i, s := range stages {
		if s.Duration <= 0 {
			errs.Add(fmt.Sprintf("stages[%d].duration", i), "must be > 0")
		}
		if s.Target < 0 {
			errs.Add(fmt.Sprintf("stages[%d].target", i), "must not be negative")
		}
	}
	if startVUs < 0 {
		errs.Add("startVUs", "must not be negative")
	}
}

// TotalDuration is the sum of all stage durations.
func (c *Config) TotalDuration() time.Duration {
	var total time.Duration
	for _, stage := range c.Stages {
		total += stage.Duration
	}
	return total
}

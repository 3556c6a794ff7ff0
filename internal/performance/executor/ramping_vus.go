package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PoyrazK/cloudload/internal/performance"
	"github.com/PoyrazK/cloudload/internal/performance/config"
	"github.com/PoyrazK/cloudload/internal/performance/metrics"
)

var (
	errNotInitialized = errors.New("executor not initialized")
	errAlreadyRun     = errors.New("executor already ran")
)

// RampingVUs ramps VU count up and down according to stages.
//
// Every control tick it compares the plan's target to the active VU count
// and spawns VUs or asks the excess to stop at their next step boundary.
//
// Example stages:
//
//	stages:
//	  - duration: 30s
//	    target: 10     # Ramp from 0 to 10 VUs over 30s
//	  - duration: 2m
//	    target: 10     # Stay at 10 VUs for 2 minutes
//	  - duration: 30s
//	    target: 0      # Ramp down to 0 VUs over 30s
type RampingVUs struct {
	config *Config
	plan   *Plan
	logger *logrus.Entry

	scheduler *performance.VUScheduler
	metrics   *metrics.Engine

	// State
	startTime    time.Time
	targetVUs    atomic.Int32
	currentStage atomic.Int32
	clamped      atomic.Bool
	started      atomic.Bool
	running      atomic.Bool

	cancelFunc context.CancelFunc
	done       chan struct{}

	mu sync.RWMutex
}

// NewRampingVUs creates a new ramping VUs executor.
func NewRampingVUs() *RampingVUs {
	return &RampingVUs{done: make(chan struct{})}
}

// Init initializes the executor with configuration.
func (e *RampingVUs) Init(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return &config.ValidationError{Message: "executor configuration is nil"}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	plan, err := NewPlan(cfg.Stages, cfg.StartVUs)
	if err != nil {
		return err
	}

	c := *cfg
	if c.ControlInterval == 0 {
		c.ControlInterval = config.DefaultControlInterval
	}
	if c.GracefulStop == 0 {
		c.GracefulStop = config.DefaultGracefulStop
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	e.config = &c
	e.plan = plan
	e.logger = c.Logger.WithField("component", "executor")
	return nil
}

// Run drives the VU count through every stage, then drains.
//
// Run returns ctx.Err() when ctx was cancelled before the plan finished,
// and nil otherwise. Either way every VU has exited when it returns.
func (e *RampingVUs) Run(ctx context.Context, scheduler *performance.VUScheduler, metricsEngine *metrics.Engine) error {
	if e.plan == nil {
		return errNotInitialized
	}
	if !e.started.CompareAndSwap(false, true) {
		return errAlreadyRun
	}
	defer close(e.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.scheduler = scheduler
	e.metrics = metricsEngine
	e.cancelFunc = cancel
	e.startTime = time.Now()
	e.mu.Unlock()

	e.running.Store(true)
	defer e.running.Store(false)

	e.logger.WithFields(logrus.Fields{
		"stages":   e.plan.Len(),
		"duration": e.plan.TotalDuration(),
		"maxVUs":   e.config.MaxVUs,
	}).Info("starting stage plan")

	e.control(runCtx)
	e.drain()

	return ctx.Err()
}

// control adjusts VU count until the plan is exhausted or ctx is done.
func (e *RampingVUs) control(ctx context.Context) {
	ticker := time.NewTicker(e.config.ControlInterval)
	defer ticker.Stop()

	// the last tick rarely lands exactly on the end of the plan
	end := time.NewTimer(e.plan.TotalDuration())
	defer end.Stop()

	lastStage := -1
	if e.adjust(ctx, &lastStage) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("run cancelled, stopping stage plan")
			return
		case <-end.C:
			return
		case <-ticker.C:
			if e.adjust(ctx, &lastStage) {
				return
			}
		}
	}
}

// adjust applies the plan's target for now. It reports true once every
// stage is exhausted.
func (e *RampingVUs) adjust(ctx context.Context, lastStage *int) bool {
	target, stageIdx, done := e.plan.TargetAt(time.Since(e.startTime))
	if done {
		return true
	}

	if stageIdx != *lastStage {
		stage, _ := e.plan.Stage(stageIdx)
		phase := e.plan.PhaseOf(stageIdx)
		e.logger.WithFields(logrus.Fields{
			"stage":    stageIdx + 1,
			"of":       e.plan.Len(),
			"name":     stage.Name,
			"target":   stage.Target,
			"duration": stage.Duration,
			"phase":    phase,
		}).Info("stage started")

		e.metrics.SetPhase(phase)
		e.currentStage.Store(int32(stageIdx))
		*lastStage = stageIdx
	}

	target = e.clamp(target)
	e.targetVUs.Store(int32(target))
	e.scheduler.ScaleVUs(ctx, target)
	return false
}

// clamp caps target at MaxVUs, warning once each time the cap starts
// biting.
func (e *RampingVUs) clamp(target int) int {
	limit := e.config.MaxVUs
	if limit <= 0 || target <= limit {
		if e.clamped.Swap(false) {
			e.logger.WithField("target", target).Info("VU target back under maxVUs")
		}
		return target
	}

	if !e.clamped.Swap(true) {
		e.logger.WithFields(logrus.Fields{
			"target": target,
			"maxVUs": limit,
		}).Warn("VU target exceeds maxVUs, clamping")
	}
	return limit
}

// drain stops every VU, waits up to GracefulStop and cancels whatever is
// still in flight.
func (e *RampingVUs) drain() {
	e.metrics.SetPhase(metrics.PhaseDrain)
	e.targetVUs.Store(0)

	e.logger.WithFields(logrus.Fields{
		"live":         e.scheduler.GetLiveVUCount(),
		"gracefulStop": e.config.GracefulStop,
	}).Info("draining VUs")

	if stragglers := e.scheduler.Shutdown(e.config.GracefulStop); stragglers > 0 {
		e.logger.WithField("vus", stragglers).Warn("graceful stop expired, cancelled in-flight requests")
	}

	e.metrics.SetActiveVUs(0)
	e.metrics.SetPhase(metrics.PhaseDone)
	e.logger.Info("stage plan complete")
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *RampingVUs) GetProgress() float64 {
	if !e.running.Load() {
		if !e.started.Load() {
			return 0.0
		}
		return 1.0
	}

	total := e.plan.TotalDuration()
	if total == 0 {
		return 1.0
	}

	e.mu.RLock()
	elapsed := time.Since(e.startTime)
	e.mu.RUnlock()

	return min(float64(elapsed)/float64(total), 1.0)
}

// GetActiveVUs returns current active VU count.
func (e *RampingVUs) GetActiveVUs() int {
	e.mu.RLock()
	s := e.scheduler
	e.mu.RUnlock()

	if s == nil {
		return 0
	}
	return s.GetActiveVUCount()
}

// GetStats returns executor statistics.
func (e *RampingVUs) GetStats() *Stats {
	e.mu.RLock()
	start := e.startTime
	e.mu.RUnlock()

	var elapsed time.Duration
	if !start.IsZero() {
		elapsed = time.Since(start)
	}

	stats := &Stats{
		StartTime:    start,
		CurrentTime:  time.Now(),
		Elapsed:      elapsed,
		ActiveVUs:    e.GetActiveVUs(),
		TargetVUs:    int(e.targetVUs.Load()),
		Clamped:      e.clamped.Load(),
		CurrentStage: int(e.currentStage.Load()),
	}
	if e.plan != nil {
		stats.TotalDuration = e.plan.TotalDuration()
		stats.TotalStages = e.plan.Len()
		if stage, ok := e.plan.Stage(stats.CurrentStage); ok {
			stats.CurrentStageName = stage.Name
		}
	}
	return stats
}

// Stop cancels the plan and waits for the drain to finish or ctx to
// expire. Stopping an executor that never ran is a no-op.
func (e *RampingVUs) Stop(ctx context.Context) error {
	e.mu.RLock()
	cancel := e.cancelFunc
	e.mu.RUnlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ensure RampingVUs implements Executor
var _ Executor = (*RampingVUs)(nil)

package executor

import (
	"slices"
	"time"

	"github.com/PoyrazK/cloudload/internal/performance/config"
	"github.com/PoyrazK/cloudload/internal/performance/metrics"
)

// Plan maps elapsed run time to a target VU count.
//
// Each stage ramps linearly from the previous endpoint to its own target;
// the first stage starts from StartVUs. A stage whose target equals the
// previous endpoint is a plateau.
type Plan struct {
	stages   []config.Stage
	startVUs int
	total    time.Duration
}

// NewPlan validates stages and returns the plan they describe.
func NewPlan(stages []config.Stage, startVUs int) (*Plan, error) {
	errs := &config.ValidationErrors{}
	validatePlan(stages, startVUs, errs)
	if errs.HasErrors() {
		return nil, errs
	}

	p := &Plan{stages: slices.Clone(stages), startVUs: startVUs}
	for _, s := range stages {
		p.total += s.Duration
	}
	return p, nil
}

// TargetAt returns the target VU count and the stage index at elapsed.
// Once every stage is exhausted it returns (0, len(stages), true).
func (p *Plan) TargetAt(elapsed time.Duration) (target, stageIdx int, done bool) {
	if elapsed < 0 {
		elapsed = 0
	}

	var stageStart time.Duration
	prev := p.startVUs

	for i, stage := range p.stages {
		stageEnd := stageStart + stage.Duration
		if elapsed < stageEnd {
			progress := float64(elapsed-stageStart) / float64(stage.Duration)
			vus := float64(prev) + float64(stage.Target-prev)*progress
			return int(vus + 0.5), i, false
		}
		prev = stage.Target
		stageStart = stageEnd
	}

	return 0, len(p.stages), true
}

// PhaseOf classifies a stage by the direction of its ramp.
func (p *Plan) PhaseOf(stageIdx int) metrics.Phase {
	if stageIdx < 0 || stageIdx >= len(p.stages) {
		return metrics.PhaseDrain
	}

	prev := p.startVUs
	if stageIdx > 0 {
		prev = p.stages[stageIdx-1].Target
	}

	switch target := p.stages[stageIdx].Target; {
	case target > prev:
		return metrics.PhaseRampUp
	case target < prev:
		return metrics.PhaseRampDown
	default:
		return metrics.PhaseSteady
	}
}

// Stage returns the stage at index i.
func (p *Plan) Stage(i int) (config.Stage, bool) {
	if i < 0 || i >= len(p.stages) {
		return config.Stage{}, false
	}
	return p.stages[i], true
}

// Len returns the number of stages.
func (p *Plan) Len() int { return len(p.stages) }

// TotalDuration is the time at which the last stage ends.
func (p *Plan) TotalDuration() time.Duration { return p.total }

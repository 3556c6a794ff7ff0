package metrics

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Phase represents a phase of the load test.
type Phase string

const (
	// PhaseInit is the initialization phase before the scheduler starts
	PhaseInit Phase = "init"

	// PhaseRampUp is a stage in which target concurrency is increasing
	PhaseRampUp Phase = "ramp-up"

	// PhaseSteady is a plateau stage
	PhaseSteady Phase = "steady"

	// PhaseRampDown is a stage in which target concurrency is decreasing
	PhaseRampDown Phase = "ramp-down"

	// PhaseDrain is entered once every stage is exhausted and VUs are finishing
	PhaseDrain Phase = "drain"

	// PhaseDone indicates the run has completed
	PhaseDone Phase = "done"
)

// CheckResult is one labeled pass/fail produced by a check step.
type CheckResult struct {
	Label  string `json:"label"`
	Passed bool   `json:"passed"`
}

// Sample is the aggregator's view of one terminal request outcome.
//
// A sample is recorded exactly once, after every check that inspects it
// has been attached.
type Sample struct {
	// Name of the request (used for tagged metrics)
	Name string

	// Latency from request start to the body being fully read
	Latency time.Duration

	// Failed is true for transport failures and unexpected status codes
	Failed bool

	// Bytes received
	Bytes int64

	// Checks evaluated against this outcome, in evaluation order
	Checks []CheckResult
}

// LatencyStats contains latency statistics.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Count  int64         `json:"count"`

	// merged histogram owned by the snapshot, used for arbitrary quantiles
	hist *hdrhistogram.Histogram
}

// Quantile returns the latency at quantile q (0-100).
func (l LatencyStats) Quantile(q float64) time.Duration {
	if l.hist == nil {
		switch {
		case q <= 50:
			return l.P50
		case q <= 90:
			return l.P90
		case q <= 95:
			return l.P95
		default:
			return l.P99
		}
	}
	return time.Duration(l.hist.ValueAtQuantile(q)) * time.Microsecond
}

func latencyStatsFrom(hist *hdrhistogram.Histogram) LatencyStats {
	if hist.TotalCount() == 0 {
		return LatencyStats{hist: hist}
	}
	return LatencyStats{
		Min:    time.Duration(hist.Min()) * time.Microsecond,
		Max:    time.Duration(hist.Max()) * time.Microsecond,
		Mean:   time.Duration(hist.Mean()) * time.Microsecond,
		StdDev: time.Duration(hist.StdDev()) * time.Microsecond,
		P50:    time.Duration(hist.ValueAtQuantile(50)) * time.Microsecond,
		P90:    time.Duration(hist.ValueAtQuantile(90)) * time.Microsecond,
		P95:    time.Duration(hist.ValueAtQuantile(95)) * time.Microsecond,
		P99:    time.Duration(hist.ValueAtQuantile(99)) * time.Microsecond,
		Count:  hist.TotalCount(),
		hist:   hist,
	}
}

// CheckStats holds pass/fail counts for a single check label.
type CheckStats struct {
	Passes int64 `json:"passes"`
	Fails  int64 `json:"fails"`
}

// Rate returns the pass rate (0.0 to 1.0). A check that never ran has rate 0.
func (c CheckStats) Rate() float64 {
	total := c.Passes + c.Fails
	if total == 0 {
		return 0
	}
	return float64(c.Passes) / float64(total)
}

// RequestStats contains statistics for requests sharing a name.
type RequestStats struct {
	Name      string       `json:"name"`
	Count     int64        `json:"count"`
	Failed    int64        `json:"failed"`
	ErrorRate float64      `json:"errorRate"`
	Latency   LatencyStats `json:"latency"`
}

// Snapshot contains a point-in-time view of all metrics.
//
// Snapshots are derived on demand and are never mutated after creation.
type Snapshot struct {
	TotalRequests   int64                   `json:"totalRequests"`
	SuccessRequests int64                   `json:"successRequests"`
	FailedRequests  int64                   `json:"failedRequests"`
	TotalBytes      int64                   `json:"totalBytes"`
	Latency         LatencyStats            `json:"latency"`
	RPS             float64                 `json:"rps"`
	SteadyStateRPS  float64                 `json:"steadyStateRps"`
	ErrorRate       float64                 `json:"errorRate"`
	Iterations      int64                   `json:"iterations"`
	ActiveVUs       int                     `json:"activeVUs"`
	PeakVUs         int                     `json:"peakVUs"`
	Checks          map[string]CheckStats   `json:"checks,omitempty"`
	Requests        map[string]RequestStats `json:"requests,omitempty"`
	CurrentPhase    Phase                   `json:"currentPhase"`
	Elapsed         time.Duration           `json:"elapsed"`
	StartTime       time.Time               `json:"startTime"`
	Timestamp       time.Time               `json:"timestamp"`
}

// CheckTotals sums pass/fail counts over every check label.
func (s *Snapshot) CheckTotals() CheckStats {
	var total CheckStats
	for _, c := range s.Checks {
		total.Passes += c.Passes
		total.Fails += c.Fails
	}
	return total
}

// LatencyPercentiles holds latency percentile values.
type LatencyPercentiles struct {
	Min time.Duration
	Max time.Duration
	P50 time.Duration
	P90 time.Duration
	P95 time.Duration
	P99 time.Duration
}

// TimeBucket represents metrics for one emitter interval.
//
// Each bucket captures both cumulative totals and interval deltas.
type TimeBucket struct {
	Timestamp time.Time `json:"timestamp"`

	TotalRequests int64 `json:"totalRequests"`
	TotalFailures int64 `json:"totalFailures"`
	TotalBytes    int64 `json:"totalBytes"`

	IntervalRequests  int64   `json:"intervalRequests"`
	IntervalRPS       float64 `json:"intervalRPS"`
	IntervalErrorRate float64 `json:"intervalErrorRate"`
	IntervalChecks    int64   `json:"intervalChecks"`
	IntervalCheckFail int64   `json:"intervalCheckFail"`

	LatencyMin time.Duration `json:"latencyMin"`
	LatencyMax time.Duration `json:"latencyMax"`
	LatencyP50 time.Duration `json:"latencyP50"`
	LatencyP90 time.Duration `json:"latencyP90"`
	LatencyP95 time.Duration `json:"latencyP95"`
	LatencyP99 time.Duration `json:"latencyP99"`

	ActiveVUs int   `json:"activeVUs"`
	Phase     Phase `json:"phase"`
}

// PhaseChange records when a phase transition occurred.
type PhaseChange struct {
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Requests  int64     `json:"requests"`
}

// EngineConfig contains configuration for the metrics engine.
type EngineConfig struct {
	// BucketInterval is the interval for time-series buckets (default: 1s)
	BucketInterval time.Duration

	// MaxBuckets bounds the ring buffer (default: 3600)
	MaxBuckets int

	// Shards is the number of latency histogram shards (default: 16)
	Shards int

	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int
}

// DefaultEngineConfig returns the default configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BucketInterval:   time.Second,
		MaxBuckets:       3600,
		Shards:           16,
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
	}
}

package threshold

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/PoyrazK/cloudload/internal/performance/config"
	"github.com/PoyrazK/cloudload/internal/performance/metrics"
)

// KeySet lists the tag values a scenario can produce. Untagged metric
// keys are always known; tagged keys must name a request or check label
// that the scenario declares.
type KeySet struct {
	requestNames map[string]struct{}
	checkLabels  map[string]struct{}
}

// NewKeySet builds a KeySet from request names and check labels.
func NewKeySet(requestNames, checkLabels []string) KeySet {
	ks := KeySet{
		requestNames: make(map[string]struct{}, len(requestNames)),
		checkLabels:  make(map[string]struct{}, len(checkLabels)),
	}
	for _, n := range requestNames {
		ks.requestNames[n] = struct{}{}
	}
	for _, l := range checkLabels {
		ks.checkLabels[l] = struct{}{}
	}
	return ks
}

// Has reports whether the snapshot of a run can contain k.
func (ks KeySet) Has(k Key) bool {
	switch k.Tag {
	case "":
		return true
	case "name":
		_, ok := ks.requestNames[k.TagValue]
		return ok
	case "label":
		_, ok := ks.checkLabels[k.TagValue]
		return ok
	default:
		return false
	}
}

// Verdict is the outcome of one threshold against one snapshot.
type Verdict struct {
	Metric     string  `json:"metric"`
	Expression string  `json:"expression"`
	Actual     float64 `json:"actual"`
	Passed     bool    `json:"passed"`
	Message    string  `json:"message"`
}

// Evaluator judges a fixed set of thresholds. It holds no mutable state
// and may be shared between goroutines.
type Evaluator struct {
	thresholds []*Threshold
}

// Compile parses every expression in defs and checks each key against known.
// All problems are reported together as config.ValidationErrors.
func Compile(defs map[string][]string, known KeySet) (*Evaluator, error) {
	errs := &config.ValidationErrors{}

	keys := make([]string, 0, len(defs))
	for k := range defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ev := &Evaluator{}
	for _, key := range keys {
		field := "thresholds." + key
		k, err := ParseKey(key)
		if err != nil {
			errs.Add(field, err.Error())
			continue
		}
		if !known.Has(k) {
			errs.Add(field, fmt.Sprintf("unknown %s %q: no such %s in the scenario", k.Tag, k.TagValue, tagNoun(k.Tag)))
			continue
		}
		if len(defs[key]) == 0 {
			errs.Add(field, "at least one expression is required")
		}
		for i, expr := range defs[key] {
			t, err := Parse(key, expr)
			if err != nil {
				errs.Add(fmt.Sprintf("%s[%d]", field, i), err.Error())
				continue
			}
			ev.thresholds = append(ev.thresholds, t)
		}
	}

	if errs.HasErrors() {
		return nil, errs
	}
	return ev, nil
}

func tagNoun(tag string) string {
	if tag == "label" {
		return "check"
	}
	return "request"
}

// Len returns the number of compiled thresholds.
func (e *Evaluator) Len() int {
	if e == nil {
		return 0
	}
	return len(e.thresholds)
}

// Evaluate judges every threshold against snap, in compile order.
func (e *Evaluator) Evaluate(snap *metrics.Snapshot) []Verdict {
	if e == nil || len(e.thresholds) == 0 {
		return nil
	}

	verdicts := make([]Verdict, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		actual := actualValue(t, snap)
		passed := compareValues(actual, t.Operator, t.Value)
		verdicts = append(verdicts, Verdict{
			Metric:     t.Key.String(),
			Expression: t.Expression,
			Actual:     actual,
			Passed:     passed,
			Message:    fmt.Sprintf("%s %s (actual %s)", t.Key, t.Expression, formatActual(t, actual)),
		})
	}
	return verdicts
}

// AllPassed reports whether every verdict passed. No verdicts means pass.
func AllPassed(verdicts []Verdict) bool {
	for _, v := range verdicts {
		if !v.Passed {
			return false
		}
	}
	return true
}

func actualValue(t *Threshold, snap *metrics.Snapshot) float64 {
	switch t.Key.Metric {
	case MetricReqFailed:
		failed, rate := snap.FailedRequests, snap.ErrorRate
		if t.Key.Tag != "" {
			rs := snap.Requests[t.Key.TagValue]
			failed, rate = rs.Failed, rs.ErrorRate
		}
		if t.Aggregate == "count" {
			return float64(failed)
		}
		return rate

	case MetricReqDuration:
		lat := snap.Latency
		if t.Key.Tag != "" {
			lat = snap.Requests[t.Key.TagValue].Latency
		}
		return millis(durationAggregate(t, lat))

	case MetricReqs:
		if t.Aggregate == "count" {
			return float64(snap.TotalRequests)
		}
		return snap.RPS

	case MetricChecks:
		cs := snap.CheckTotals()
		if t.Key.Tag != "" {
			cs = snap.Checks[t.Key.TagValue]
		}
		if t.Aggregate == "count" {
			return float64(cs.Passes + cs.Fails)
		}
		return cs.Rate()

	case MetricIterations:
		if t.Aggregate == "count" {
			return float64(snap.Iterations)
		}
		if snap.Elapsed <= 0 {
			return 0
		}
		return float64(snap.Iterations) / snap.Elapsed.Seconds()

	case MetricVUs:
		if t.Aggregate == "max" {
			return float64(snap.PeakVUs)
		}
		return float64(snap.ActiveVUs)
	}
	return 0
}

func durationAggregate(t *Threshold, lat metrics.LatencyStats) time.Duration {
	switch t.Aggregate {
	case "avg":
		return lat.Mean
	case "min":
		return lat.Min
	case "max":
		return lat.Max
	case "med":
		return lat.Quantile(50)
	default:
		return lat.Quantile(t.Quantile)
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func formatActual(t *Threshold, v float64) string {
	if t.Key.Metric == MetricReqDuration {
		return strconv.FormatFloat(v, 'f', 2, 64) + "ms"
	}
	if t.Aggregate == "count" || t.Aggregate == "value" || t.Key.Metric == MetricVUs {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

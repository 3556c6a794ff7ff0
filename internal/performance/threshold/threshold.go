// Package threshold parses and evaluates pass/fail predicates over metric
// snapshots.
//
// Thresholds are declared per metric key with k6-style expressions:
//
//	http_req_failed:            ["rate < 0.01"]
//	http_req_duration:          ["p(95) < 500", "avg < 200ms"]
//	http_req_duration{name:login}: ["max < 2s"]
//	checks{label:status is 200}:   ["rate > 0.99"]
//
// Bare duration values are milliseconds.
package threshold

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Metric is the base name of a thresholdable metric.
type Metric string

const (
	MetricReqFailed   Metric = "http_req_failed"
	MetricReqDuration Metric = "http_req_duration"
	MetricReqs        Metric = "http_reqs"
	MetricChecks      Metric = "checks"
	MetricIterations  Metric = "iterations"
	MetricVUs         Metric = "vus"
)

// aggregates accepted per metric
var allowedAggregates = map[Metric][]string{
	MetricReqFailed:   {"rate", "count"},
	MetricReqDuration: {"avg", "min", "max", "med", "p"},
	MetricReqs:        {"count", "rate"},
	MetricChecks:      {"rate", "count"},
	MetricIterations:  {"count", "rate"},
	MetricVUs:         {"value", "max"},
}

// tag accepted per metric; metrics missing here cannot be tagged
var allowedTag = map[Metric]string{
	MetricReqFailed:   "name",
	MetricReqDuration: "name",
	MetricChecks:      "label",
}

// Key identifies a metric, optionally narrowed by a tag.
type Key struct {
	Metric   Metric
	Tag      string
	TagValue string
}

var keyPattern = regexp.MustCompile(`^([a-z_]+)(?:\{([a-z_]+):(.+)\})?$`)

// ParseKey parses "metric" or "metric{tag:value}".
func ParseKey(s string) (Key, error) {
	m := keyPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Key{}, fmt.Errorf("invalid metric key %q", s)
	}

	key := Key{Metric: Metric(m[1]), Tag: m[2], TagValue: strings.TrimSpace(m[3])}
	if _, ok := allowedAggregates[key.Metric]; !ok {
		return Key{}, fmt.Errorf("unknown metric %q", m[1])
	}
	if key.Tag != "" {
		want, ok := allowedTag[key.Metric]
		if !ok {
			return Key{}, fmt.Errorf("metric %q does not support tags", key.Metric)
		}
		if key.Tag != want {
			return Key{}, fmt.Errorf("metric %q only supports the %q tag", key.Metric, want)
		}
		if key.TagValue == "" {
			return Key{}, fmt.Errorf("empty %s tag value in %q", key.Tag, s)
		}
	}
	return key, nil
}

func (k Key) String() string {
	if k.Tag == "" {
		return string(k.Metric)
	}
	return fmt.Sprintf("%s{%s:%s}", k.Metric, k.Tag, k.TagValue)
}

// Threshold is a single compiled predicate.
type Threshold struct {
	Key        Key
	Expression string

	// Aggregate is one of rate, count, avg, min, max, med, p, value
	Aggregate string

	// Quantile is set for the p aggregate (0-100)
	Quantile float64

	Operator string

	// Value in the metric's unit; milliseconds for durations
	Value float64
}

// <aggregate> <op> <value>[unit]
var exprPattern = regexp.MustCompile(`^(rate|count|avg|min|max|med|value|p\((\d+(?:\.\d+)?)\)|p(\d+(?:\.\d+)?))\s*(<=|>=|==|!=|<|>)\s*(-?\d+(?:\.\d+)?)\s*(us|µs|ms|s|m|%)?$`)

// Parse parses expr for the metric identified by key.
func Parse(key, expr string) (*Threshold, error) {
	k, err := ParseKey(key)
	if err != nil {
		return nil, err
	}

	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("threshold expression cannot be empty")
	}

	m := exprPattern.FindStringSubmatch(expr)
	if m == nil {
		return nil, fmt.Errorf("invalid threshold expression %q (expected e.g. 'p(95) < 500ms' or 'rate < 0.01')", expr)
	}

	t := &Threshold{Key: k, Expression: expr, Aggregate: m[1], Operator: m[4]}

	switch {
	case m[2] != "":
		t.Aggregate = "p"
		t.Quantile, _ = strconv.ParseFloat(m[2], 64)
	case m[3] != "":
		t.Aggregate = "p"
		t.Quantile, _ = strconv.ParseFloat(m[3], 64)
	}
	if t.Aggregate == "p" && (t.Quantile <= 0 || t.Quantile > 100) {
		return nil, fmt.Errorf("percentile %v out of range (0, 100]", t.Quantile)
	}

	if !aggregateAllowed(k.Metric, t.Aggregate) {
		return nil, fmt.Errorf("aggregate %q is not supported for %s (use %s)",
			m[1], k.Metric, strings.Join(allowedAggregates[k.Metric], ", "))
	}

	value, err := strconv.ParseFloat(m[5], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid threshold value %q: %w", m[5], err)
	}

	unit := m[6]
	isDuration := k.Metric == MetricReqDuration
	switch {
	case unit == "":
	case unit == "%":
		if t.Aggregate != "rate" || k.Metric == MetricReqs || k.Metric == MetricIterations {
			return nil, fmt.Errorf("percent values are only valid for failure and check rates")
		}
		value /= 100
	case isDuration:
		value = toMillis(value, unit)
	default:
		return nil, fmt.Errorf("unit %q is only valid for %s", unit, MetricReqDuration)
	}
	t.Value = value

	return t, nil
}

func aggregateAllowed(metric Metric, agg string) bool {
	for _, a := range allowedAggregates[metric] {
		if a == agg {
			return true
		}
	}
	return false
}

func toMillis(v float64, unit string) float64 {
	switch unit {
	case "us", "µs":
		return v / 1000
	case "s":
		return v * 1000
	case "m":
		return v * 60000
	default:
		return v
	}
}

func (t *Threshold) String() string {
	return fmt.Sprintf("%s: %s", t.Key, t.Expression)
}

func compareValues(actual float64, operator string, expected float64) bool {
	const epsilon = 1e-9

	switch operator {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	case "!=":
		return math.Abs(actual-expected) >= epsilon
	default:
		return false
	}
}

// Package config parses, validates and resolves cloudload test definitions.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// TestConfig is the root of a declarative test file.
//
// Example YAML:
//
//	name: "API smoke"
//	settings:
//	  baseUrl: "http://localhost:8080"
//	stages:
//	  - duration: 30s
//	    target: 20
//	  - duration: 1m
//	    target: 20
//	  - duration: 30s
//	    target: 0
//	thresholds:
//	  http_req_failed: ["rate < 0.01"]
//	  http_req_duration: ["p(95) < 500"]
//	scenario:
//	  - request:
//	      name: health
//	      url: "{{baseUrl}}/health"
//	  - check:
//	      label: "health status is 200"
//	      status: [200]
//	  - pause: 1s
type TestConfig struct {
	// Name of the test (for reporting)
	Name string `json:"name" yaml:"name"`

	// Description of the test (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Settings contains HTTP client settings
	Settings GlobalSettings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Variables are available to every VU as {{name}}
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Stages is the default concurrency profile
	Stages []StageConfig `json:"stages" yaml:"stages"`

	// StartVUs is the concurrency the first stage ramps from
	StartVUs int `json:"startVUs,omitempty" yaml:"startVUs,omitempty"`

	// MaxVUs caps the number of live VUs; 0 means unlimited
	MaxVUs int `json:"maxVUs,omitempty" yaml:"maxVUs,omitempty"`

	// GracefulStop bounds the final drain before stragglers are cancelled
	GracefulStop string `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// Profiles are alternate stage lists selected at resolution time.
	// The "short" profile is used when the CI flag is set.
	Profiles map[string]ProfileConfig `json:"profiles,omitempty" yaml:"profiles,omitempty"`

	// Thresholds maps metric keys to predicate expressions
	Thresholds map[string][]string `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Scenario is the ordered step list every VU loops over
	Scenario []StepConfig `json:"scenario" yaml:"scenario"`

	// Options controls engine behaviour
	Options ExecutionOptions `json:"options,omitempty" yaml:"options,omitempty"`

	// Tracing configures OpenTelemetry export for request spans
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// GlobalSettings contains global HTTP settings.
type GlobalSettings struct {
	// BaseURL is exposed to templates as {{baseUrl}}
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// Timeout is the default HTTP request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxConnectionsPerHost limits connections per host
	MaxConnectionsPerHost int `json:"maxConnectionsPerHost,omitempty" yaml:"maxConnectionsPerHost,omitempty"`

	// MaxIdleConnsPerHost limits idle connections per host
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// UserAgent is the default User-Agent header
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`

	// Headers are default headers applied to all requests
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// StageConfig defines a single ramp or plateau segment.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration string `json:"duration" yaml:"duration"`

	// Target VU count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Name is an optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// ProfileConfig is a named alternative stage list.
type ProfileConfig struct {
	Stages       []StageConfig `json:"stages" yaml:"stages"`
	GracefulStop string        `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`
}

// StepConfig is one scenario step. Exactly one field must be set.
type StepConfig struct {
	Request *RequestConfig   `json:"request,omitempty" yaml:"request,omitempty"`
	Batch   []RequestConfig  `json:"batch,omitempty" yaml:"batch,omitempty"`
	Check   *CheckConfig     `json:"check,omitempty" yaml:"check,omitempty"`
	Branch  *BranchConfig    `json:"branch,omitempty" yaml:"branch,omitempty"`
	Pause   *PauseConfig     `json:"pause,omitempty" yaml:"pause,omitempty"`
	Set     map[string]Value `json:"set,omitempty" yaml:"set,omitempty"`
}

// Kind returns the name of the populated variant, or "" when none or
// more than one is set.
func (s *StepConfig) Kind() string {
	kind, n := "", 0
	if s.Request != nil {
		kind, n = "request", n+1
	}
	if s.Batch != nil {
		kind, n = "batch", n+1
	}
	if s.Check != nil {
		kind, n = "check", n+1
	}
	if s.Branch != nil {
		kind, n = "branch", n+1
	}
	if s.Pause != nil {
		kind, n = "pause", n+1
	}
	if s.Set != nil {
		kind, n = "set", n+1
	}
	if n != 1 {
		return ""
	}
	return kind
}

// RequestConfig defines a single HTTP request.
type RequestConfig struct {
	// Name for this request (used in metrics and batch targeting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Method is the HTTP method (GET, POST, PUT, DELETE, etc.)
	Method string `json:"method,omitempty" yaml:"method,omitempty"`

	// URL is the request URL (supports variable substitution)
	URL string `json:"url" yaml:"url"`

	// Headers are request-specific headers
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Body is the request body (supports variable substitution)
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	// Timeout is request-specific timeout (overrides global)
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ExpectStatus lists statuses that do not count as failed.
	// Defaults to any status below 400.
	ExpectStatus []int `json:"expectStatus,omitempty" yaml:"expectStatus,omitempty"`

	// Extract defines variable extraction from a successful response
	Extract []ExtractConfig `json:"extract,omitempty" yaml:"extract,omitempty"`
}

// ExtractConfig defines how to extract a variable from a response.
type ExtractConfig struct {
	// Name of the variable to store
	Name string `json:"name" yaml:"name"`

	// Source is where to extract from: "body", "header", "status"
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// Path is the header name, or a JSON path for body
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Regex is an optional pattern; the first group (or match) is kept
	Regex string `json:"regex,omitempty" yaml:"regex,omitempty"`
}

// ConditionConfig is a predicate over a request outcome. Every populated
// field must hold.
type ConditionConfig struct {
	// Target selects a batch member by name or zero-based index
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	// Status passes when the response status is one of these
	Status []int `json:"status,omitempty" yaml:"status,omitempty"`

	// Failed matches the outcome's failed flag
	Failed *bool `json:"failed,omitempty" yaml:"failed,omitempty"`

	// JSONPath must exist in the response body (gjson syntax)
	JSONPath string `json:"jsonPath,omitempty" yaml:"jsonPath,omitempty"`

	// Equals compares the JSONPath value, when set
	Equals any `json:"equals,omitempty" yaml:"equals,omitempty"`
}

// IsEmpty reports whether no predicate is configured.
func (c *ConditionConfig) IsEmpty() bool {
	return len(c.Status) == 0 && c.Failed == nil && c.JSONPath == ""
}

// CheckConfig is a labeled, observational predicate.
type CheckConfig struct {
	Label string `json:"label" yaml:"label"`

	ConditionConfig `yaml:",inline"`

	// MaxDuration fails the check when the request took longer
	MaxDuration string `json:"maxDuration,omitempty" yaml:"maxDuration,omitempty"`

	// BodyContains is a substring the body must contain
	BodyContains string `json:"bodyContains,omitempty" yaml:"bodyContains,omitempty"`

	// JSONSchema is an inline JSON Schema the body must satisfy
	JSONSchema string `json:"jsonSchema,omitempty" yaml:"jsonSchema,omitempty"`
}

// BranchConfig selects Then or Else by evaluating If.
type BranchConfig struct {
	If   ConditionConfig `json:"if" yaml:"if"`
	Then []StepConfig    `json:"then,omitempty" yaml:"then,omitempty"`
	Else []StepConfig    `json:"else,omitempty" yaml:"else,omitempty"`
}

// PauseConfig suspends a VU. In YAML a bare scalar ("pause: 1s") sets Duration.
type PauseConfig struct {
	Duration string `json:"duration" yaml:"duration"`

	// Jitter adds a uniformly random [0, Jitter) delay
	Jitter string `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *PauseConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		p.Duration = node.Value
		return nil
	}
	type plain PauseConfig
	return node.Decode((*plain)(p))
}

// Value is the source of a variable assigned by a set step: a literal
// template, or a JSON path into the last response body. Default is used
// when the source resolves to an empty string. In YAML a bare scalar is
// a literal template.
type Value struct {
	Value    string `json:"value,omitempty" yaml:"value,omitempty"`
	JSONPath string `json:"jsonPath,omitempty" yaml:"jsonPath,omitempty"`
	Default  string `json:"default,omitempty" yaml:"default,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		v.Value = node.Value
		return nil
	}
	type plain Value
	return node.Decode((*plain)(v))
}

// ExecutionOptions controls engine behaviour.
type ExecutionOptions struct {
	// ControlInterval is the scheduler's adjustment period (default 1s)
	ControlInterval Duration `json:"controlInterval,omitempty" yaml:"controlInterval,omitempty"`

	// PollInterval is the advisory threshold evaluation period (default 5s)
	PollInterval Duration `json:"pollInterval,omitempty" yaml:"pollInterval,omitempty"`

	// MaxRPS caps the request rate across all VUs; 0 disables the limiter
	MaxRPS float64 `json:"maxRps,omitempty" yaml:"maxRps,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing of requests.
type TracingConfig struct {
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Insecure    bool              `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	ServiceName string            `json:"serviceName,omitempty" yaml:"serviceName,omitempty"`
	SampleRate  float64           `json:"sampleRate,omitempty" yaml:"sampleRate,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Propagate   bool              `json:"propagate,omitempty" yaml:"propagate,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}

	dur, err := ParseDurationString(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

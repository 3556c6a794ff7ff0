package config

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Stage is a resolved stage with a parsed duration.
type Stage struct {
	Duration time.Duration
	Target   int
	Name     string
}

// HTTPSettings are the resolved HTTP client settings.
type HTTPSettings struct {
	Timeout             time.Duration
	MaxConnsPerHost     int
	MaxIdleConnsPerHost int
	InsecureSkipVerify  bool
	UserAgent           string
	Headers             map[string]string
}

// RunConfig is the immutable input of a run. It is produced once by
// Resolve and shares no memory with the TestConfig it came from.
type RunConfig struct {
	Name        string
	Description string

	// Profile is the name of the selected profile, "" for the default stages
	Profile string

	BaseURL string
	Stages  []Stage

	StartVUs int
	MaxVUs   int

	GracefulStop    time.Duration
	ControlInterval time.Duration
	PollInterval    time.Duration
	MaxRPS          float64

	Thresholds map[string][]string
	Scenario   []StepConfig

	// Variables are exposed to templates as {{name}}
	Variables map[string]string

	// Env holds named overrides, exposed to templates as {{env.NAME}}
	Env map[string]string

	HTTP    HTTPSettings
	Tracing TracingConfig
}

// TotalDuration is the sum of all stage durations.
func (r *RunConfig) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range r.Stages {
		total += s.Duration
	}
	return total
}

// Resolve merges tc with the environment overrides into a fresh RunConfig.
// It never modifies tc.
func Resolve(tc *TestConfig, ov Overrides) (*RunConfig, error) {
	if tc == nil {
		return nil, &ValidationError{Message: "configuration is nil"}
	}

	// defaults are applied to a copy so the caller's value is untouched
	src := cloneTestConfig(tc)
	ApplyDefaults(src)
	if err := src.Validate(); err != nil {
		return nil, err
	}

	rc := &RunConfig{
		Name:            src.Name,
		Description:     src.Description,
		BaseURL:         src.Settings.BaseURL,
		StartVUs:        src.StartVUs,
		MaxVUs:          src.MaxVUs,
		ControlInterval: src.Options.ControlInterval.GetDuration(DefaultControlInterval),
		PollInterval:    src.Options.PollInterval.GetDuration(DefaultPollInterval),
		MaxRPS:          src.Options.MaxRPS,
		Thresholds:      src.Thresholds,
		Scenario:        src.Scenario,
		HTTP: HTTPSettings{
			Timeout:             src.Settings.Timeout.GetDuration(DefaultTimeout),
			MaxConnsPerHost:     src.Settings.MaxConnectionsPerHost,
			MaxIdleConnsPerHost: src.Settings.MaxIdleConnsPerHost,
			InsecureSkipVerify:  src.Settings.InsecureSkipVerify,
			UserAgent:           src.Settings.UserAgent,
			Headers:             src.Settings.Headers,
		},
	}
	if src.Tracing != nil {
		rc.Tracing = *src.Tracing
	}

	stages := src.Stages
	gracefulStop := src.GracefulStop

	profile := ov.Profile
	if profile == "" && ov.Short() {
		if _, ok := src.Profiles[ShortProfile]; ok {
			profile = ShortProfile
		}
	}
	if profile != "" {
		p, ok := src.Profiles[profile]
		if !ok {
			return nil, &ValidationError{Field: "profiles", Message: fmt.Sprintf("unknown profile %q", profile)}
		}
		rc.Profile = profile
		stages = p.Stages
		if p.GracefulStop != "" {
			gracefulStop = p.GracefulStop
		}
	}

	for _, s := range stages {
		d, _ := ParseDurationString(s.Duration)
		rc.Stages = append(rc.Stages, Stage{Duration: d, Target: s.Target, Name: s.Name})
	}

	rc.GracefulStop = DefaultGracefulStop
	if gracefulStop != "" {
		rc.GracefulStop, _ = ParseDurationString(gracefulStop)
	}

	if ov.MaxVUs > 0 {
		rc.MaxVUs = ov.MaxVUs
	}
	if ov.BaseURL != "" {
		rc.BaseURL = ov.BaseURL
	}
	if rc.BaseURL == "" {
		rc.BaseURL = DefaultBaseURL
	}

	rc.Variables = make(map[string]string, len(src.Variables)+len(ov.Vars)+1)
	maps.Copy(rc.Variables, src.Variables)
	maps.Copy(rc.Variables, ov.Vars)
	rc.Variables["baseUrl"] = rc.BaseURL

	rc.Env = make(map[string]string, len(ov.Vars)+2)
	maps.Copy(rc.Env, ov.Vars)
	rc.Env["BASE_URL"] = rc.BaseURL
	if ov.APIKey != "" {
		rc.Env["API_KEY"] = ov.APIKey
	}

	return rc, nil
}

func cloneTestConfig(tc *TestConfig) *TestConfig {
	out := *tc
	out.Settings.Headers = maps.Clone(tc.Settings.Headers)
	out.Variables = maps.Clone(tc.Variables)
	out.Stages = slices.Clone(tc.Stages)

	if tc.Profiles != nil {
		out.Profiles = make(map[string]ProfileConfig, len(tc.Profiles))
		for name, p := range tc.Profiles {
			p.Stages = slices.Clone(p.Stages)
			out.Profiles[name] = p
		}
	}

	if tc.Thresholds != nil {
		out.Thresholds = make(map[string][]string, len(tc.Thresholds))
		for k, v := range tc.Thresholds {
			out.Thresholds[k] = slices.Clone(v)
		}
	}

	out.Scenario = CloneSteps(tc.Scenario)

	if tc.Tracing != nil {
		t := *tc.Tracing
		t.Headers = maps.Clone(tc.Tracing.Headers)
		out.Tracing = &t
	}
	return &out
}

// CloneSteps deep-copies a step list.
func CloneSteps(steps []StepConfig) []StepConfig {
	if steps == nil {
		return nil
	}
	out := make([]StepConfig, len(steps))
	for i, s := range steps {
		var c StepConfig
		if s.Request != nil {
			r := cloneRequest(*s.Request)
			c.Request = &r
		}
		if s.Batch != nil {
			c.Batch = make([]RequestConfig, len(s.Batch))
			for j, r := range s.Batch {
				c.Batch[j] = cloneRequest(r)
			}
		}
		if s.Check != nil {
			ch := *s.Check
			ch.ConditionConfig = cloneCondition(s.Check.ConditionConfig)
			c.Check = &ch
		}
		if s.Branch != nil {
			c.Branch = &BranchConfig{
				If:   cloneCondition(s.Branch.If),
				Then: CloneSteps(s.Branch.Then),
				Else: CloneSteps(s.Branch.Else),
			}
		}
		if s.Pause != nil {
			p := *s.Pause
			c.Pause = &p
		}
		c.Set = maps.Clone(s.Set)
		out[i] = c
	}
	return out
}

func cloneRequest(r RequestConfig) RequestConfig {
	r.Headers = maps.Clone(r.Headers)
	r.ExpectStatus = slices.Clone(r.ExpectStatus)
	r.Extract = slices.Clone(r.Extract)
	return r
}

func cloneCondition(c ConditionConfig) ConditionConfig {
	c.Status = slices.Clone(c.Status)
	if c.Failed != nil {
		f := *c.Failed
		c.Failed = &f
	}
	return c
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidConfig matches every ValidationError and ValidationErrors via errors.Is.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Is reports whether target is ErrInvalidConfig.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Is reports whether target is ErrInvalidConfig.
func (e *ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate validates the entire test configuration.
//
// Returns nil if valid, or a *ValidationErrors containing all problems found.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	validateStages("stages", c.Stages, errs)
	for name, p := range c.Profiles {
		validateStages(fmt.Sprintf("profiles.%s.stages", name), p.Stages, errs)
		validateDuration(fmt.Sprintf("profiles.%s.gracefulStop", name), p.GracefulStop, errs)
	}

	if c.StartVUs < 0 {
		errs.Add("startVUs", "cannot be negative")
	}
	if c.MaxVUs < 0 {
		errs.Add("maxVUs", "cannot be negative")
	}
	validateDuration("gracefulStop", c.GracefulStop, errs)

	if len(c.Scenario) == 0 {
		errs.Add("scenario", "at least one step is required")
	}
	validateSteps("scenario", c.Scenario, errs)

	for key, exprs := range c.Thresholds {
		for i, expr := range exprs {
			if strings.TrimSpace(expr) == "" {
				errs.Add(fmt.Sprintf("thresholds.%s[%d]", key, i), "threshold expression cannot be empty")
			}
		}
	}

	if c.Options.MaxRPS < 0 {
		errs.Add("options.maxRps", "cannot be negative")
	}
	if c.Options.ControlInterval < 0 {
		errs.Add("options.controlInterval", "cannot be negative")
	}
	if c.Options.PollInterval < 0 {
		errs.Add("options.pollInterval", "cannot be negative")
	}

	validateSettings(&c.Settings, errs)
	validateTracing(c.Tracing, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateStages(prefix string, stages []StageConfig, errs *ValidationErrors) {
	if len(stages) == 0 {
		errs.Add(prefix, "at least one stage is required")
		return
	}
	for i := range stages {
		validateStage(fmt.Sprintf("%s[%d]", prefix, i), &stages[i], errs)
	}
}

// validateStage validates a single stage.
func validateStage(prefix string, stage *StageConfig, errs *ValidationErrors) {
	if stage.Duration == "" {
		errs.Add(prefix+".duration", "duration is required")
	} else if d, err := ParseDurationString(stage.Duration); err != nil {
		errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
	} else if d <= 0 {
		errs.Add(prefix+".duration", "duration must be positive")
	}

	if stage.Target < 0 {
		errs.Add(prefix+".target", "target cannot be negative")
	}
}

func validateDuration(field, value string, errs *ValidationErrors) {
	if value == "" {
		return
	}
	d, err := ParseDurationString(value)
	if err != nil {
		errs.Add(field, fmt.Sprintf("invalid duration: %v", err))
		return
	}
	if d < 0 {
		errs.Add(field, "cannot be negative")
	}
}

func validateSteps(prefix string, steps []StepConfig, errs *ValidationErrors) {
	for i := range steps {
		step := &steps[i]
		p := fmt.Sprintf("%s[%d]", prefix, i)

		switch step.Kind() {
		case "request":
			validateRequest(p+".request", step.Request, errs)
		case "batch":
			if len(step.Batch) == 0 {
				errs.Add(p+".batch", "at least one request is required")
			}
			seen := make(map[string]bool, len(step.Batch))
			for j := range step.Batch {
				req := &step.Batch[j]
				validateRequest(fmt.Sprintf("%s.batch[%d]", p, j), req, errs)
				if req.Name != "" && seen[req.Name] {
					errs.Add(fmt.Sprintf("%s.batch[%d].name", p, j), fmt.Sprintf("duplicate request name %q in batch", req.Name))
				}
				seen[req.Name] = true
			}
		case "check":
			validateCheck(p+".check", step.Check, errs)
		case "branch":
			if step.Branch.If.IsEmpty() {
				errs.Add(p+".branch.if", "condition requires status, failed or jsonPath")
			}
			validateSteps(p+".branch.then", step.Branch.Then, errs)
			validateSteps(p+".branch.else", step.Branch.Else, errs)
		case "pause":
			validatePause(p+".pause", step.Pause, errs)
		case "set":
			if len(step.Set) == 0 {
				errs.Add(p+".set", "at least one variable is required")
			}
			for name, v := range step.Set {
				if name == "" {
					errs.Add(p+".set", "variable name cannot be empty")
				}
				if v.Value != "" && v.JSONPath != "" {
					errs.Add(p+".set."+name, "value and jsonPath are mutually exclusive")
				}
			}
		default:
			errs.Add(p, "step must set exactly one of request, batch, check, branch, pause, set")
		}
	}
}

// validateRequest validates a single request configuration.
func validateRequest(prefix string, req *RequestConfig, errs *ValidationErrors) {
	if req.URL == "" {
		errs.Add(prefix+".url", "URL is required")
	}

	validMethods := map[string]bool{
		"GET": true, "POST": true, "PUT": true, "DELETE": true,
		"PATCH": true, "HEAD": true, "OPTIONS": true,
	}
	if req.Method != "" && !validMethods[strings.ToUpper(req.Method)] {
		errs.Add(prefix+".method", fmt.Sprintf("invalid HTTP method: %s", req.Method))
	}

	validateDuration(prefix+".timeout", req.Timeout, errs)

	for i, status := range req.ExpectStatus {
		if status < 100 || status > 599 {
			errs.Add(fmt.Sprintf("%s.expectStatus[%d]", prefix, i), fmt.Sprintf("invalid status code: %d", status))
		}
	}

	for i := range req.Extract {
		validateExtract(fmt.Sprintf("%s.extract[%d]", prefix, i), &req.Extract[i], errs)
	}
}

// validateExtract validates an extract configuration.
func validateExtract(prefix string, extract *ExtractConfig, errs *ValidationErrors) {
	if extract.Name == "" {
		errs.Add(prefix+".name", "variable name is required")
	}

	switch extract.Source {
	case "", "body", "status":
	case "header":
		if extract.Path == "" {
			errs.Add(prefix+".path", "header name is required")
		}
	default:
		errs.Add(prefix+".source", fmt.Sprintf("invalid source: %s (must be body, header, or status)", extract.Source))
	}

	if extract.Regex != "" {
		if _, err := regexp.Compile(extract.Regex); err != nil {
			errs.Add(prefix+".regex", fmt.Sprintf("invalid regex: %v", err))
		}
	}
}

func validateCheck(prefix string, check *CheckConfig, errs *ValidationErrors) {
	if check.IsEmpty() && check.MaxDuration == "" && check.BodyContains == "" && check.JSONSchema == "" {
		errs.Add(prefix, "check requires at least one predicate")
	}
	validateDuration(prefix+".maxDuration", check.MaxDuration, errs)
}

func validatePause(prefix string, pause *PauseConfig, errs *ValidationErrors) {
	if pause.Duration == "" {
		errs.Add(prefix+".duration", "duration is required")
	}
	validateDuration(prefix+".duration", pause.Duration, errs)
	validateDuration(prefix+".jitter", pause.Jitter, errs)
}

// validateSettings validates global settings.
func validateSettings(s *GlobalSettings, errs *ValidationErrors) {
	if s.BaseURL != "" {
		if _, err := url.Parse(s.BaseURL); err != nil {
			errs.Add("settings.baseUrl", fmt.Sprintf("invalid URL: %v", err))
		}
	}

	if s.MaxConnectionsPerHost < 0 {
		errs.Add("settings.maxConnectionsPerHost", "cannot be negative")
	}
	if s.MaxIdleConnsPerHost < 0 {
		errs.Add("settings.maxIdleConnsPerHost", "cannot be negative")
	}
}

func validateTracing(t *TracingConfig, errs *ValidationErrors) {
	if t == nil || !t.Enabled {
		return
	}
	switch t.Protocol {
	case "", "grpc", "http":
	default:
		errs.Add("tracing.protocol", fmt.Sprintf("invalid protocol: %s (must be grpc or http)", t.Protocol))
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		errs.Add("tracing.sampleRate", "must be between 0 and 1")
	}
}

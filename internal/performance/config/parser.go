package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults and Resolve.
const (
	DefaultBaseURL         = "http://localhost:8080"
	DefaultTimeout         = 30 * time.Second
	DefaultGracefulStop    = 30 * time.Second
	DefaultControlInterval = time.Second
	DefaultPollInterval    = 5 * time.Second
	DefaultMaxConnsPerHost = 100
	DefaultUserAgent       = "cloudload/1.0"

	// ShortProfile is selected when the CI flag is set.
	ShortProfile = "short"
)

// LoadConfig loads and validates a test configuration from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
func LoadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseConfig(data, path)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig parses configuration data. Unknown fields are rejected.
//
// The format is determined by the file extension in path, or defaults to YAML
// if the path is empty or has an unknown extension.
func ParseConfig(data []byte, path string) (*TestConfig, error) {
	var cfg TestConfig

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, &ValidationError{Message: fmt.Sprintf("failed to parse JSON config: %v", err)}
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, &ValidationError{Message: fmt.Sprintf("failed to parse YAML config: %v", err)}
		}
	}

	return &cfg, nil
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as a number: "30" or "0.5"
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// ApplyDefaults fills in optional fields of a TestConfig in place.
func ApplyDefaults(cfg *TestConfig) {
	if cfg.Settings.Timeout == 0 {
		cfg.Settings.Timeout = Duration(DefaultTimeout)
	}
	if cfg.Settings.MaxConnectionsPerHost == 0 {
		cfg.Settings.MaxConnectionsPerHost = DefaultMaxConnsPerHost
	}
	if cfg.Settings.MaxIdleConnsPerHost == 0 {
		cfg.Settings.MaxIdleConnsPerHost = DefaultMaxConnsPerHost
	}
	if cfg.Settings.UserAgent == "" {
		cfg.Settings.UserAgent = DefaultUserAgent
	}
	if cfg.Options.ControlInterval == 0 {
		cfg.Options.ControlInterval = Duration(DefaultControlInterval)
	}
	if cfg.Options.PollInterval == 0 {
		cfg.Options.PollInterval = Duration(DefaultPollInterval)
	}

	n := 0
	applyStepDefaults(cfg.Scenario, &n)
}

// applyStepDefaults names unnamed requests and labels unlabeled checks,
// numbering them in declaration order across nested branches.
func applyStepDefaults(steps []StepConfig, n *int) {
	for i := range steps {
		step := &steps[i]
		*n++
		switch {
		case step.Request != nil:
			applyRequestDefaults(step.Request, fmt.Sprintf("request_%d", *n))
		case step.Batch != nil:
			for j := range step.Batch {
				applyRequestDefaults(&step.Batch[j], fmt.Sprintf("request_%d_%d", *n, j+1))
			}
		case step.Check != nil:
			if step.Check.Label == "" {
				step.Check.Label = fmt.Sprintf("check_%d", *n)
			}
		case step.Branch != nil:
			applyStepDefaults(step.Branch.Then, n)
			applyStepDefaults(step.Branch.Else, n)
		}
	}
}

func applyRequestDefaults(req *RequestConfig, name string) {
	if req.Name == "" {
		req.Name = name
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	req.Method = strings.ToUpper(req.Method)
	for i := range req.Extract {
		if req.Extract[i].Source == "" {
			req.Extract[i].Source = "body"
		}
	}
}

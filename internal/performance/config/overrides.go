package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// VarPrefix marks environment variables that override test variables:
// CLOUDLOAD_VAR_userId=42 sets {{userId}} and {{env.userId}}.
const VarPrefix = "CLOUDLOAD_VAR_"

// Overrides are the named, environment-sourced values merged into a
// TestConfig by Resolve.
type Overrides struct {
	// BaseURL replaces settings.baseUrl
	BaseURL string `env:"BASE_URL"`

	// APIKey is exposed to templates as {{env.API_KEY}}
	APIKey string `env:"API_KEY"`

	// CI selects the short profile when set to anything but "", "0" or "false"
	CI string `env:"CI"`

	// Profile selects a named profile explicitly; it wins over CI
	Profile string `env:"CLOUDLOAD_PROFILE"`

	// MaxVUs replaces the configured VU ceiling when positive
	MaxVUs int `env:"CLOUDLOAD_MAX_VUS"`

	// Vars holds CLOUDLOAD_VAR_* values keyed without the prefix
	Vars map[string]string `env:"-"`
}

// Short reports whether the short-run flag is set.
func (o Overrides) Short() bool {
	switch strings.ToLower(strings.TrimSpace(o.CI)) {
	case "", "0", "false", "no":
		return false
	default:
		return true
	}
}

// LoadOverrides reads overrides from the process environment, falling back
// to the given .env files for names the environment does not define.
// Missing files are skipped.
func LoadOverrides(envFiles ...string) (Overrides, error) {
	environ := env.ToMap(os.Environ())

	for _, file := range envFiles {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		values, err := godotenv.Read(file)
		if err != nil {
			return Overrides{}, fmt.Errorf("failed to read env file %s: %w", file, err)
		}
		for k, v := range values {
			if _, ok := environ[k]; !ok {
				environ[k] = v
			}
		}
	}

	return OverridesFromEnviron(environ)
}

// OverridesFromEnviron parses overrides from an explicit environment map.
func OverridesFromEnviron(environ map[string]string) (Overrides, error) {
	var o Overrides
	if err := env.ParseWithOptions(&o, env.Options{Environment: environ}); err != nil {
		return Overrides{}, &ValidationError{Field: "environment", Message: err.Error()}
	}

	for k, v := range environ {
		if name, ok := strings.CutPrefix(k, VarPrefix); ok && name != "" {
			if o.Vars == nil {
				o.Vars = make(map[string]string)
			}
			o.Vars[name] = v
		}
	}
	return o, nil
}

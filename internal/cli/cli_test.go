package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PoyrazK/cloudload/internal/performance"
	"github.com/PoyrazK/cloudload/internal/performance/bench"
	"github.com/PoyrazK/cloudload/internal/performance/config"
	"github.com/PoyrazK/cloudload/internal/performance/metrics"
)

const smoke = `
name: smoke
stages:
  - duration: 150ms
    target: 3
  - duration: 100ms
    target: 0
startVUs: 1
gracefulStop: 1s
options:
  controlInterval: 10ms
  pollInterval: 25ms
thresholds:
  http_req_failed: ["rate < 0.01"]
  "http_req_duration{name:list}": ["p(95) < 1s"]
scenario:
  - request:
      name: list
      url: "{{baseUrl}}/instances"
  - check:
      label: list ok
      status: [200]
  - pause: 5ms
`

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func target(t *testing.T, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := ExecuteArgs(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, out, "cloudload "+version)
}

func TestRun_PassWritesResultAndMeasurements(t *testing.T) {
	server := target(t, http.StatusOK)
	path := writeConfig(t, smoke)
	dir := t.TempDir()
	out := filepath.Join(dir, "result", "result.json")
	benchOut := filepath.Join(dir, "data.json")

	code, stdout, stderr := runCLI(t, "run", path,
		"--base-url", server.URL,
		"--out", out,
		"--bench-out", benchOut,
		"--no-color",
		"--log-level", "warn",
	)
	require.Equal(t, ExitOK, code, "stderr: %s", stderr)

	assert.Contains(t, stdout, "smoke - Completed ✓")
	assert.Contains(t, stdout, "Thresholds:")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var result struct {
		RunID   string `json:"runId"`
		Passed  bool   `json:"passed"`
		Metrics struct {
			TotalRequests int64 `json:"totalRequests"`
		} `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(data, &result))
	assert.True(t, result.Passed)
	assert.NotEmpty(t, result.RunID)
	assert.Positive(t, result.Metrics.TotalRequests)

	ms, err := bench.ReadFile(benchOut)
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.True(t, strings.HasPrefix(ms[0].Name, "smoke - "))
}

func TestRun_ThresholdBreachExits99(t *testing.T) {
	server := target(t, http.StatusInternalServerError)
	path := writeConfig(t, smoke)

	code, stdout, stderr := runCLI(t, "run", path, "--base-url", server.URL, "--no-color", "--log-level", "error")

	assert.Equal(t, ExitThresholdsFailed, code)
	assert.Contains(t, stdout, "smoke - Failed ✗")
	assert.Contains(t, stderr, "1 of 2 thresholds failed")
}

func TestRun_QuietPrintsOnlyVerdict(t *testing.T) {
	server := target(t, http.StatusOK)
	path := writeConfig(t, smoke)

	code, stdout, _ := runCLI(t, "run", path, "--base-url", server.URL, "-q", "--no-color", "--log-level", "error")

	assert.Equal(t, ExitOK, code)
	assert.Equal(t, "PASSED", strings.TrimSpace(stdout))
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing file", []string{"run", filepath.Join(t.TempDir(), "nope.yaml"), "--log-level", "error"}, "load"},
		{"no args", []string{"run"}, "accepts 1 arg"},
		{"bad log level", []string{"run", "x.yaml", "--log-level", "loud"}, "invalid --log-level"},
		{"bad log format", []string{"run", "x.yaml", "--log-format", "xml"}, "invalid --log-format"},
		{"unknown profile", []string{"run", writeConfig(t, smoke), "--profile", "nightly", "--log-level", "error"}, `unknown profile "nightly"`},
		{"unknown threshold name", []string{"run", writeConfig(t, strings.Replace(smoke, "{name:list}", "{name:lsit}", 1)), "--log-level", "error"}, "lsit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runCLI(t, tt.args...)
			assert.Equal(t, ExitError, code)
			assert.Contains(t, stderr, tt.want)
		})
	}
}

func TestRun_EnvironmentOverridesFlagsDefault(t *testing.T) {
	server := target(t, http.StatusOK)
	path := writeConfig(t, smoke)
	t.Setenv("BASE_URL", server.URL)
	t.Setenv("CLOUDLOAD_LOG_LEVEL", "error")
	t.Setenv("CLOUDLOAD_QUIET", "true")

	code, stdout, stderr := runCLI(t, "run", path, "--no-color")

	assert.Equal(t, ExitOK, code)
	assert.Equal(t, "PASSED", strings.TrimSpace(stdout))
	assert.Empty(t, stderr)
}

func TestValidate(t *testing.T) {
	good := writeConfig(t, smoke)
	bad := writeConfig(t, strings.Replace(smoke, "duration: 150ms", "duration: 0s", 1))

	code, out, _ := runCLI(t, "validate", good)
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, out, "✓ "+good)
	assert.Contains(t, out, "2 thresholds")

	code, out, stderr := runCLI(t, "validate", good, bad)
	assert.Equal(t, ExitError, code)
	assert.Contains(t, out, "✗ "+bad)
	assert.Contains(t, stderr, "1 of 2 configurations are invalid")
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
		wantLevel     logrus.Level
	}{
		{"info", "text", false, logrus.InfoLevel},
		{"debug", "json", false, logrus.DebugLevel},
		{"WARN", "", false, logrus.WarnLevel},
		{"loud", "text", true, 0},
		{"info", "xml", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			logger, err := newLogger(io.Discard, tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevel, logger.GetLevel())
		})
	}
}

func TestServeMetrics(t *testing.T) {
	m := metrics.NewEngine()
	defer m.Stop()
	m.SetActiveVUs(4)
	m.Record(metrics.Sample{Name: "list", Latency: 20 * time.Millisecond})

	logger, _ := test.NewNullLogger()
	addr, shutdown, err := serveMetrics("127.0.0.1:0", m, logger)
	require.NoError(t, err)
	defer shutdown()

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "cloudload_http_reqs_total 1")
	assert.Contains(t, string(body), "cloudload_vus 4")
}

func TestValidate_Examples(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("..", "..", "examples", "*.yaml"))
	require.NoError(t, err)
	require.Len(t, paths, 3)

	code, out, stderr := runCLI(t, append([]string{"validate", "--profile", "short"}, paths[:1]...)...)
	assert.Equal(t, ExitOK, code, "stdout: %s stderr: %s", out, stderr)

	code, out, stderr = runCLI(t, append([]string{"validate"}, paths...)...)
	assert.Equal(t, ExitOK, code, "stdout: %s stderr: %s", out, stderr)
	assert.Equal(t, 3, strings.Count(out, "✓"))
}

func TestExamples_FallBackToTestAPIKey(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("X-API-Key"); r.URL.Path != "/health" {
			mu.Lock()
			keys = append(keys, key)
			mu.Unlock()
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	paths, err := filepath.Glob(filepath.Join("..", "..", "examples", "*.yaml"))
	require.NoError(t, err)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			mu.Lock()
			keys = nil
			mu.Unlock()

			tc, err := config.LoadConfig(path)
			require.NoError(t, err)
			rc, err := config.Resolve(tc, config.Overrides{BaseURL: server.URL})
			require.NoError(t, err)
			scenario, err := performance.NewScenario(rc)
			require.NoError(t, err)

			m := metrics.NewEngine()
			defer m.Stop()
			vu := performance.NewVirtualUser(1, scenario, server.Client(), m)
			require.NoError(t, vu.RunIteration(context.Background()))

			mu.Lock()
			defer mu.Unlock()
			require.NotEmpty(t, keys)
			for _, key := range keys {
				assert.Equal(t, "test-api-key", key)
			}
		})
	}
}

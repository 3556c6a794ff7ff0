package performance_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/PoyrazK/cloudload/internal/performance"
	"github.com/PoyrazK/cloudload/internal/performance/config"
	"github.com/PoyrazK/cloudload/internal/performance/metrics"
)

// buildScenario compiles a YAML step list the way a test file would declare it.
func buildScenario(t *testing.T, stepsYAML string, vars, env map[string]string) *performance.Scenario {
	t.Helper()

	var steps []config.StepConfig
	dec := yaml.NewDecoder(strings.NewReader(stepsYAML))
	dec.KnownFields(true)
	require.NoError(t, dec.Decode(&steps))

	tc := &config.TestConfig{Scenario: steps}
	config.ApplyDefaults(tc)

	compiled, err := performance.BuildSteps(tc.Scenario, 2*time.Second)
	require.NoError(t, err)

	return &performance.Scenario{
		Name:      "test",
		Steps:     compiled,
		Variables: vars,
		Env:       env,
	}
}

func newVU(t *testing.T, scenario *performance.Scenario) (*performance.VirtualUser, *metrics.Engine) {
	t.Helper()
	engine := metrics.NewEngine()
	t.Cleanup(engine.Stop)
	client := &http.Client{Timeout: 5 * time.Second}
	return performance.NewVirtualUser(1, scenario, client, engine), engine
}

func TestNewVirtualUser(t *testing.T) {
	vu, _ := newVU(t, &performance.Scenario{})

	assert.Equal(t, 1, vu.ID)
	assert.NotNil(t, vu.HTTPClient)
	assert.NotNil(t, vu.Metrics)
	assert.Equal(t, performance.VUStateIdle, vu.GetState())
	assert.Equal(t, int64(0), vu.GetIteration())
}

func TestVUState_String(t *testing.T) {
	tests := []struct {
		state performance.VUState
		want  string
	}{
		{performance.VUStateIdle, "idle"},
		{performance.VUStateRunning, "running"},
		{performance.VUStateStopping, "stopping"},
		{performance.VUStateStopped, "stopped"},
		{performance.VUState(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestRunIteration_RequestAndChecks(t *testing.T) {
	var ua atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","items":[1,2,3]}`))
	}))
	defer server.Close()

	scenario := buildScenario(t, `
- request:
    name: health
    url: "{{baseUrl}}/health"
- check:
    label: status is 200
    status: [200]
- check:
    label: has items
    jsonPath: items.#
    equals: 3
- check:
    label: mentions error
    bodyContains: error
- check:
    label: fast
    maxDuration: 5s
`, map[string]string{"baseUrl": server.URL}, nil)
	scenario.UserAgent = "cloudload/test"

	vu, engine := newVU(t, scenario)
	require.NoError(t, vu.RunIteration(context.Background()))

	snap := engine.Snapshot()
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(0), snap.FailedRequests)
	assert.Equal(t, int64(1), snap.Iterations)
	assert.Equal(t, metrics.CheckStats{Passes: 1}, snap.Checks["status is 200"])
	assert.Equal(t, metrics.CheckStats{Passes: 1}, snap.Checks["has items"])
	assert.Equal(t, metrics.CheckStats{Fails: 1}, snap.Checks["mentions error"])
	assert.Equal(t, metrics.CheckStats{Passes: 1}, snap.Checks["fast"])
	assert.Equal(t, int64(1), snap.Requests["health"].Count)
	assert.Equal(t, "cloudload/test", ua.Load())
	assert.Equal(t, performance.VUStateIdle, vu.GetState())
}

// The login endpoint rejects the credentials, so the VU falls back to the
// API key supplied through the environment (or its default).
func TestRunIteration_FallbackCredentialBranch(t *testing.T) {
	const loginAndUse = `
- request:
    name: login
    method: POST
    url: "{{baseUrl}}/auth/login"
    body: '{"email":"admin@thecloud.local"}'
- branch:
    if:
      status: [200]
    then:
      - set:
          apiKey:
            jsonPath: $.api_key
    else:
      - set:
          apiKey:
            value: "{{env.API_KEY}}"
            default: test-api-key
- request:
    name: dashboard
    url: "{{baseUrl}}/api/dashboard/summary"
    headers:
      X-API-Key: "{{apiKey}}"
- check:
    label: dashboard ok
    status: [200]
`

	tests := []struct {
		name        string
		loginStatus int
		env         map[string]string
		validKey    string
		wantKey     string
		wantFailed  int64
	}{
		{name: "login succeeds", loginStatus: http.StatusOK, validKey: "issued-key", wantKey: "issued-key"},
		{name: "login rejected uses default", loginStatus: http.StatusUnauthorized, validKey: "test-api-key", wantKey: "test-api-key", wantFailed: 1},
		{name: "login rejected uses env", loginStatus: http.StatusUnauthorized, env: map[string]string{"API_KEY": "env-key"}, validKey: "env-key", wantKey: "env-key", wantFailed: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				assert.Contains(t, string(body), "admin@thecloud.local")
				w.WriteHeader(tt.loginStatus)
				if tt.loginStatus == http.StatusOK {
					_, _ = w.Write([]byte(`{"api_key":"issued-key"}`))
				} else {
					_, _ = w.Write([]byte(`{"error":"invalid credentials"}`))
				}
			})
			mux.HandleFunc("GET /api/dashboard/summary", func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("X-API-Key") != tt.validKey {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				_, _ = w.Write([]byte(`{}`))
			})
			server := httptest.NewServer(mux)
			defer server.Close()

			scenario := buildScenario(t, loginAndUse, map[string]string{"baseUrl": server.URL}, tt.env)
			vu, engine := newVU(t, scenario)

			require.NoError(t, vu.RunIteration(context.Background()))

			key, ok := vu.GetData("apiKey")
			require.True(t, ok)
			assert.Equal(t, tt.wantKey, key)

			snap := engine.Snapshot()
			assert.Equal(t, int64(2), snap.TotalRequests)
			assert.Equal(t, tt.wantFailed, snap.FailedRequests)
			assert.Equal(t, metrics.CheckStats{Passes: 1}, snap.Checks["dashboard ok"])
		})
	}
}

func TestRunIteration_BatchWithTransportFailure(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	scenario := buildScenario(t, `
- batch:
    - name: instances
      url: "{{baseUrl}}/instances"
    - name: vpcs
      url: "{{deadUrl}}/vpcs"
    - name: volumes
      url: "{{baseUrl}}/volumes"
- check:
    label: all ok
    status: [200]
- check:
    label: vpcs failed
    target: vpcs
    failed: true
- check:
    label: third member ok
    target: "2"
    status: [200]
`, map[string]string{"baseUrl": server.URL, "deadUrl": deadURL}, nil)

	vu, engine := newVU(t, scenario)
	require.NoError(t, vu.RunIteration(context.Background()))

	snap := engine.Snapshot()
	assert.Equal(t, int64(3), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.FailedRequests)
	assert.Equal(t, metrics.CheckStats{Passes: 2, Fails: 1}, snap.Checks["all ok"])
	assert.Equal(t, metrics.CheckStats{Passes: 1}, snap.Checks["vpcs failed"])
	assert.Equal(t, metrics.CheckStats{Passes: 1}, snap.Checks["third member ok"])
	assert.Equal(t, int64(1), snap.Requests["vpcs"].Failed)
	assert.Equal(t, int32(2), maxInFlight.Load(), "healthy members should run concurrently")
}

func TestRunIteration_CheckWithoutPriorRequestFails(t *testing.T) {
	scenario := buildScenario(t, `
- check:
    label: nothing to inspect
    status: [200]
`, nil, nil)

	vu, engine := newVU(t, scenario)
	require.NoError(t, vu.RunIteration(context.Background()))

	assert.Equal(t, metrics.CheckStats{Fails: 1}, engine.Snapshot().Checks["nothing to inspect"])
}

func TestRunIteration_BranchWithoutOutcomeTakesElse(t *testing.T) {
	scenario := buildScenario(t, `
- branch:
    if:
      failed: false
    then:
      - set: {path: then}
    else:
      - set: {path: else}
`, nil, nil)

	vu, _ := newVU(t, scenario)
	require.NoError(t, vu.RunIteration(context.Background()))

	v, _ := vu.GetData("path")
	assert.Equal(t, "else", v)
}

func TestRunIteration_CheckAfterPauseIsStillRecorded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	scenario := buildScenario(t, `
- request:
    url: "{{baseUrl}}/boom"
- pause: 1ms
- check:
    label: late check
    status: [500]
`, map[string]string{"baseUrl": server.URL}, nil)

	vu, engine := newVU(t, scenario)
	require.NoError(t, vu.RunIteration(context.Background()))

	snap := engine.Snapshot()
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.FailedRequests)
	assert.Equal(t, metrics.CheckStats{Passes: 1}, snap.Checks["late check"])
}

func TestRunIteration_ExpectStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	scenario := buildScenario(t, `
- request:
    name: missing
    url: "{{baseUrl}}/gone"
    expectStatus: [404]
`, map[string]string{"baseUrl": server.URL}, nil)

	vu, engine := newVU(t, scenario)
	require.NoError(t, vu.RunIteration(context.Background()))
	assert.Equal(t, int64(0), engine.Snapshot().FailedRequests)
}

func TestRunIteration_Extract(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "req-42")
		w.Header().Set("Location", "/instances/i-9f8e")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"i-9f8e","state":"pending"}}`))
	}))
	defer server.Close()

	scenario := buildScenario(t, `
- request:
    method: POST
    url: "{{baseUrl}}/instances"
    extract:
      - name: instanceId
        path: $.data.id
      - name: requestId
        source: header
        path: X-Request-Id
      - name: status
        source: status
      - name: locationId
        source: header
        path: Location
        regex: "/instances/(.+)$"
- request:
    name: get instance
    url: "{{baseUrl}}/instances/{{instanceId}}"
`, map[string]string{"baseUrl": server.URL}, nil)

	vu, _ := newVU(t, scenario)
	require.NoError(t, vu.RunIteration(context.Background()))

	for key, want := range map[string]string{
		"instanceId": "i-9f8e",
		"requestId":  "req-42",
		"status":     "201",
		"locationId": "i-9f8e",
	} {
		got, _ := vu.GetData(key)
		assert.Equal(t, want, got, key)
	}
}

func TestRunIteration_RequestTimeoutIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	scenario := buildScenario(t, `
- request:
    name: slow
    url: "{{baseUrl}}/slow"
    timeout: 50ms
- check:
    label: timed out
    failed: true
`, map[string]string{"baseUrl": server.URL}, nil)

	vu, engine := newVU(t, scenario)
	start := time.Now()
	require.NoError(t, vu.RunIteration(context.Background()))
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	snap := engine.Snapshot()
	assert.Equal(t, int64(1), snap.FailedRequests)
	assert.Equal(t, metrics.CheckStats{Passes: 1}, snap.Checks["timed out"])
}

func TestRunIteration_CancelDoesNotInterruptInFlightRequest(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	scenario := buildScenario(t, `
- request:
    url: "{{baseUrl}}/slow"
- pause: 10s
`, map[string]string{"baseUrl": server.URL}, nil)

	vu, engine := newVU(t, scenario)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- vu.RunIteration(ctx) }()

	<-started
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("RunIteration did not return after cancel")
	}

	snap := engine.Snapshot()
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(0), snap.FailedRequests, "in-flight request should complete normally")
	assert.Equal(t, int64(0), snap.Iterations, "interrupted iteration is not counted")
}

func TestRequestStop_InterruptsPause(t *testing.T) {
	scenario := buildScenario(t, `
- pause: 10s
`, nil, nil)

	vu, engine := newVU(t, scenario)

	done := make(chan error, 1)
	go func() { done <- vu.RunIteration(context.Background()) }()

	require.Eventually(t, func() bool { return vu.GetState() == performance.VUStateRunning }, time.Second, time.Millisecond)
	vu.RequestStop()
	vu.RequestStop() // idempotent

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pause was not interrupted")
	}

	assert.Equal(t, performance.VUStateStopping, vu.GetState())
	assert.Equal(t, int64(0), engine.Snapshot().Iterations)
	assert.Error(t, vu.RunIteration(context.Background()), "stopping VU should refuse new iterations")

	vu.MarkStopped()
	assert.True(t, vu.WaitForStop(10*time.Millisecond))
	assert.Equal(t, performance.VUStateStopped, vu.GetState())
}

func TestVirtualUser_Data(t *testing.T) {
	vu, _ := newVU(t, &performance.Scenario{})

	vu.SetData("token", "abc")
	got, ok := vu.GetData("token")
	assert.True(t, ok)
	assert.Equal(t, "abc", got)

	vu.ClearData("token")
	_, ok = vu.GetData("token")
	assert.False(t, ok)
}

package engine_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PoyrazK/cloudload/internal/performance/config"
	"github.com/PoyrazK/cloudload/internal/performance/engine"
	"github.com/PoyrazK/cloudload/internal/performance/metrics"
)

// cloudAPI imitates the control plane the sample scenarios exercise.
// Login hands out an API key; the list endpoints require it.
func cloudAPI(t *testing.T, failVolumes bool) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var inFlight, peak atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"api_key":"k-123"}}`))
	})
	list := func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for p := peak.Load(); n > p && !peak.CompareAndSwap(p, n); p = peak.Load() {
		}

		if r.Header.Get("X-API-Key") != "k-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		time.Sleep(2 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"a"},{"id":"b"}]}`))
	}
	mux.HandleFunc("GET /instances", list)
	mux.HandleFunc("GET /vpcs", list)
	mux.HandleFunc("GET /volumes", func(w http.ResponseWriter, r *http.Request) {
		if failVolumes {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		list(w, r)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &peak
}

// apiFull is the login, then batch-list scenario, time-scaled 1:100 from
// [{30s,20},{60s,20},{30s,0}].
const apiFull = `
name: api-full
stages:
  - duration: 300ms
    target: 20
  - duration: 600ms
    target: 20
  - duration: 300ms
    target: 0
gracefulStop: 2s
options:
  controlInterval: 10ms
  pollInterval: 50ms
thresholds:
  http_req_duration: ["p(95) < 500ms"]
  http_req_failed: ["rate < 0.01"]
  "checks{label:lists ok}": ["rate > 0.99"]
scenario:
  - request:
      name: login
      method: POST
      url: "{{baseUrl}}/auth/login"
      body: '{"email":"load@test.local","password":"pw"}'
  - set:
      api_key:
        jsonPath: data.api_key
        default: "{{env.API_KEY}}"
  - batch:
      - name: instances
        url: "{{baseUrl}}/instances"
        headers: {X-API-Key: "{{api_key}}"}
      - name: vpcs
        url: "{{baseUrl}}/vpcs"
        headers: {X-API-Key: "{{api_key}}"}
      - name: volumes
        url: "{{baseUrl}}/volumes"
        headers: {X-API-Key: "{{api_key}}"}
  - check:
      label: lists ok
      status: [200]
  - pause:
      duration: 10ms
      jitter: 10ms
`

func resolve(t *testing.T, doc, baseURL string) *config.RunConfig {
	t.Helper()
	tc, err := config.ParseConfig([]byte(doc), "test.yaml")
	require.NoError(t, err)
	rc, err := config.Resolve(tc, config.Overrides{BaseURL: baseURL})
	require.NoError(t, err)
	return rc
}

func quietLogger() (*logrus.Entry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger), hook
}

func TestEngine_Run_EndToEnd(t *testing.T) {
	server, peak := cloudAPI(t, false)
	rc := resolve(t, apiFull, server.URL)

	logger, hook := quietLogger()
	var (
		ticks   atomic.Int64
		mu      sync.Mutex
		plateau []int
	)
	e, err := engine.New(rc, engine.WithLogger(logger), engine.WithOnTick(func(tick engine.Tick) {
		ticks.Add(1)
		assert.NotNil(t, tick.Snapshot)
		assert.Len(t, tick.Verdicts, 3)
		if assert.NotNil(t, tick.Stats) && tick.Stats.CurrentStage == 1 {
			mu.Lock()
			plateau = append(plateau, tick.Stats.ActiveVUs)
			mu.Unlock()
		}
	}))
	require.NoError(t, err)
	assert.Equal(t, 3, e.ThresholdCount())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := e.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, e.RunID(), result.RunID)
	assert.Equal(t, "api-full", result.Name)
	assert.False(t, result.Interrupted)
	assert.GreaterOrEqual(t, result.Duration, 1200*time.Millisecond, "the whole plan runs")
	assert.True(t, result.Passed, "verdicts: %+v", result.Verdicts)
	assert.Len(t, result.Verdicts, 3)
	assert.Empty(t, result.FailedVerdicts())

	snap := result.Metrics
	assert.Equal(t, 20, snap.PeakVUs)
	assert.Equal(t, 0, snap.ActiveVUs)
	assert.Zero(t, snap.FailedRequests)
	assert.Positive(t, snap.Iterations)
	assert.GreaterOrEqual(t, snap.Checks["lists ok"].Passes, 3*snap.Iterations, "one check result per batch request")
	assert.Zero(t, snap.Checks["lists ok"].Fails)
	assert.GreaterOrEqual(t, snap.Requests["login"].Count, snap.Requests["vpcs"].Count)
	assert.LessOrEqual(t, peak.Load(), int64(60), "at most three requests in flight per VU")

	assert.NotEmpty(t, result.Measurements)
	assert.NotEmpty(t, result.Phases)
	assert.Equal(t, metrics.PhaseDone, result.Phases[len(result.Phases)-1].Phase)
	assert.Positive(t, ticks.Load())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, plateau, "no tick landed in the plateau stage")
	for i, vus := range plateau {
		assert.InDelta(t, 20, vus, 1, "plateau sample %d: %v", i, plateau)
	}

	var sawStart, sawFinish bool
	for _, entry := range hook.AllEntries() {
		assert.Equal(t, e.RunID(), entry.Data["run_id"])
		sawStart = sawStart || entry.Message == "run started"
		sawFinish = sawFinish || entry.Message == "run finished"
	}
	assert.True(t, sawStart)
	assert.True(t, sawFinish)

	_, err = e.Run(ctx)
	assert.Error(t, err, "an engine runs once")
}

func TestEngine_Run_ThresholdBreachDoesNotStopTraffic(t *testing.T) {
	server, _ := cloudAPI(t, true)
	doc := strings.Replace(apiFull, "300ms\n    target: 20", "100ms\n    target: 4", 1)
	doc = strings.Replace(doc, "600ms\n    target: 20", "300ms\n    target: 4", 1)
	doc = strings.Replace(doc, "300ms\n    target: 0", "100ms\n    target: 0", 1)
	rc := resolve(t, doc, server.URL)

	logger, hook := quietLogger()
	e, err := engine.New(rc, engine.WithLogger(logger))
	require.NoError(t, err)

	result, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Passed)
	assert.GreaterOrEqual(t, result.Duration, 500*time.Millisecond, "traffic continues after a breach")

	failed := result.FailedVerdicts()
	require.Len(t, failed, 2)
	metricsFailed := []string{failed[0].Metric, failed[1].Metric}
	assert.ElementsMatch(t, []string{"checks{label:lists ok}", "http_req_failed"}, metricsFailed)

	snap := result.Metrics
	assert.Equal(t, snap.Requests["volumes"].Count, snap.Requests["volumes"].Failed)
	assert.Zero(t, snap.Requests["vpcs"].Failed)
	assert.InDelta(t, 0.25, snap.ErrorRate, 0.03, "one of four requests per iteration fails")

	advisory := 0
	for _, entry := range hook.AllEntries() {
		if strings.HasPrefix(entry.Message, "threshold breached (advisory)") {
			advisory++
		}
	}
	assert.LessOrEqual(t, advisory, 2, "advisory breaches are logged once per transition")
}

func TestEngine_New_ConfigErrors(t *testing.T) {
	server, _ := cloudAPI(t, false)

	tests := []struct {
		name  string
		edit  func(rc *config.RunConfig)
		field string
	}{
		{
			name:  "unknown request name",
			edit:  func(rc *config.RunConfig) { rc.Thresholds["http_req_duration{name:subnets}"] = []string{"p(95) < 1s"} },
			field: "thresholds.http_req_duration{name:subnets}",
		},
		{
			name:  "unknown check label",
			edit:  func(rc *config.RunConfig) { rc.Thresholds["checks{label:nope}"] = []string{"rate > 0.9"} },
			field: "thresholds.checks{label:nope}",
		},
		{
			name:  "bad expression",
			edit:  func(rc *config.RunConfig) { rc.Thresholds["http_req_failed"] = []string{"rate << 1"} },
			field: "thresholds.http_req_failed[0]",
		},
		{
			name:  "bad stage",
			edit:  func(rc *config.RunConfig) { rc.Stages[0].Duration = 0 },
			field: "stages[0].duration",
		},
		{
			name:  "bad regex",
			edit:  func(rc *config.RunConfig) { rc.Scenario[0].Request.Extract = []config.ExtractConfig{{Name: "x", Regex: "("}} },
			field: "scenario[0].request.extract[0].regex",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := resolve(t, apiFull, server.URL)
			tt.edit(rc)

			e, err := engine.New(rc)
			require.Error(t, err)
			assert.Nil(t, e)
			assert.True(t, errors.Is(err, config.ErrInvalidConfig), "%v", err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	_, err := engine.New(nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestEngine_Run_Cancelled(t *testing.T) {
	server, _ := cloudAPI(t, false)
	rc := resolve(t, apiFull, server.URL)
	rc.Stages = []config.Stage{{Duration: time.Minute, Target: 5}}
	rc.StartVUs = 5

	logger, _ := quietLogger()
	e, err := engine.New(rc, engine.WithLogger(logger))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := e.Run(ctx)
	require.NoError(t, err, "a cancelled run still yields a result")

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, result.Interrupted)
	assert.Positive(t, result.Metrics.TotalRequests)
	assert.False(t, e.IsRunning())
}

func TestEngine_Stop(t *testing.T) {
	server, _ := cloudAPI(t, false)
	rc := resolve(t, apiFull, server.URL)
	rc.Stages = []config.Stage{{Duration: time.Minute, Target: 3}}
	rc.StartVUs = 3

	logger, _ := quietLogger()
	e, err := engine.New(rc, engine.WithLogger(logger))
	require.NoError(t, err)
	assert.NoError(t, e.Stop(context.Background()), "stopping an idle engine is a no-op")
	assert.Nil(t, e.GetMetrics())

	var wg sync.WaitGroup
	var result *engine.Result
	wg.Add(1)
	go func() {
		defer wg.Done()
		result, _ = e.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		snap := e.GetMetrics()
		return snap != nil && snap.TotalRequests > 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, e.IsRunning())
	assert.Greater(t, e.GetProgress(), 0.0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))

	wg.Wait()
	require.NotNil(t, result)
	assert.True(t, result.Interrupted)
}

func TestEngine_MaxRPS(t *testing.T) {
	server, _ := cloudAPI(t, false)
	rc := resolve(t, `
name: capped
stages:
  - duration: 500ms
    target: 5
startVUs: 5
options:
  controlInterval: 10ms
  maxRps: 40
scenario:
  - request:
      name: vpcs
      url: "{{baseUrl}}/vpcs"
      headers: {X-API-Key: k-123}
`, server.URL)

	logger, _ := quietLogger()
	e, err := engine.New(rc, engine.WithLogger(logger))
	require.NoError(t, err)

	result, err := e.Run(context.Background())
	require.NoError(t, err)

	// 40 rps over half a second, plus the initial token
	assert.LessOrEqual(t, result.Metrics.TotalRequests, int64(25))
	assert.Positive(t, result.Metrics.TotalRequests)
}

func TestEngine_WithMetricsEngine(t *testing.T) {
	server, _ := cloudAPI(t, false)
	rc := resolve(t, apiFull, server.URL)
	rc.Stages = []config.Stage{{Duration: 100 * time.Millisecond, Target: 2}}
	rc.StartVUs = 2

	m := metrics.NewEngine()
	defer m.Stop()

	logger, _ := quietLogger()
	e, err := engine.New(rc, engine.WithLogger(logger), engine.WithMetricsEngine(m))
	require.NoError(t, err)

	result, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, result.Metrics.TotalRequests, m.Snapshot().TotalRequests, "the caller's engine receives every sample")
}

package engine_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/PoyrazK/cloudload/internal/performance"
	"github.com/PoyrazK/cloudload/internal/performance/config"
	"github.com/PoyrazK/cloudload/internal/performance/metrics"
)

// =============================================================================
// VU and Scheduler Benchmarks
// =============================================================================

func benchScenario(b *testing.B, steps []config.StepConfig) (*performance.Scenario, string) {
	b.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{"api_key":"k-123","items":[1,2,3]}}`))
	}))
	b.Cleanup(server.Close)

	scenario, err := performance.NewScenario(&config.RunConfig{
		Name:      "benchmark",
		Scenario:  steps,
		Variables: map[string]string{"baseUrl": server.URL},
		HTTP:      config.HTTPSettings{Timeout: 5 * time.Second},
	})
	if err != nil {
		b.Fatalf("NewScenario() error = %v", err)
	}
	return scenario, server.URL
}

// BenchmarkVirtualUser_RunIteration measures the overhead of one request
// iteration against a local server.
func BenchmarkVirtualUser_RunIteration(b *testing.B) {
	scenario, _ := benchScenario(b, []config.StepConfig{
		{Request: &config.RequestConfig{Name: "test", Method: "GET", URL: "{{baseUrl}}/"}},
	})

	metricsEngine := metrics.NewEngine()
	defer metricsEngine.Stop()

	vu := performance.NewVirtualUser(1, scenario, performance.NewHTTPClient(performance.DefaultHTTPClientConfig()), metricsEngine)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = vu.RunIteration(ctx)
	}
}

// BenchmarkVirtualUser_LoginBatchIteration runs the login, extract and
// batch shape of the sample scenarios.
func BenchmarkVirtualUser_LoginBatchIteration(b *testing.B) {
	scenario, _ := benchScenario(b, []config.StepConfig{
		{Request: &config.RequestConfig{Name: "login", Method: "POST", URL: "{{baseUrl}}/auth/login", Body: `{"email":"a"}`}},
		{Set: map[string]config.Value{"api_key": {JSONPath: "data.api_key"}}},
		{Batch: []config.RequestConfig{
			{Name: "instances", URL: "{{baseUrl}}/instances", Headers: map[string]string{"X-API-Key": "{{api_key}}"}},
			{Name: "vpcs", URL: "{{baseUrl}}/vpcs", Headers: map[string]string{"X-API-Key": "{{api_key}}"}},
		}},
		{Check: &config.CheckConfig{Label: "ok", ConditionConfig: config.ConditionConfig{Status: []int{200}}}},
	})

	metricsEngine := metrics.NewEngine()
	defer metricsEngine.Stop()

	vu := performance.NewVirtualUser(1, scenario, performance.NewHTTPClient(performance.DefaultHTTPClientConfig()), metricsEngine)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = vu.RunIteration(ctx)
	}
}

// BenchmarkVUScheduler_Parallel runs iterations across a pool of VUs that
// share one client and one metrics engine.
func BenchmarkVUScheduler_Parallel(b *testing.B) {
	scenario, _ := benchScenario(b, []config.StepConfig{
		{Request: &config.RequestConfig{Name: "test", Method: "GET", URL: "{{baseUrl}}/"}},
	})

	metricsEngine := metrics.NewEngine()
	defer metricsEngine.Stop()

	scheduler := performance.NewVUScheduler(scenario, metricsEngine, performance.DefaultHTTPClientConfig())
	defer scheduler.Shutdown(time.Second)

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		vu := scheduler.SpawnVU()
		ctx := context.Background()
		for pb.Next() {
			_ = vu.RunIteration(ctx)
		}
	})
}

// BenchmarkVUScheduler_SpawnVU measures VU creation.
func BenchmarkVUScheduler_SpawnVU(b *testing.B) {
	scenario, _ := benchScenario(b, []config.StepConfig{
		{Request: &config.RequestConfig{Name: "test", URL: "{{baseUrl}}/"}},
	})

	metricsEngine := metrics.NewEngine()
	defer metricsEngine.Stop()

	scheduler := performance.NewVUScheduler(scenario, metricsEngine, performance.DefaultHTTPClientConfig())

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		vu := scheduler.SpawnVU()
		scheduler.RemoveVU(vu.ID)
	}
}

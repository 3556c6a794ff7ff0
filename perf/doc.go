// Package perf runs cloudload tests from Go code.
//
// It wraps the same engine the cloudload command uses: configuration files
// are resolved against the environment, the stage plan drives a population
// of virtual users, and the result carries the final metrics and threshold
// verdicts.
//
// # Quick Start
//
//	result, err := perf.RunFile(ctx, "examples/api-full.yaml")
//	if err != nil {
//	    return err // configuration error, nothing was sent
//	}
//	fmt.Printf("P95: %v\n", result.Metrics.Latency.P95)
//	fmt.Printf("Passed: %v\n", result.Passed)
//
// # Overrides
//
// Overrides normally come from the environment (BASE_URL, API_KEY, CI and
// CLOUDLOAD_VAR_*). Tests can pass them explicitly:
//
//	r, err := perf.NewRunner("api-full.yaml", perf.WithOverrides(perf.Overrides{
//	    BaseURL: server.URL,
//	    CI:      "1", // run the short profile
//	}))
//
// # Live Progress
//
// WithOnTick receives a snapshot every poll interval while traffic flows:
//
//	perf.WithOnTick(func(t perf.Tick) {
//	    log.Printf("%d VUs, %.1f req/s", t.Snapshot.ActiveVUs, t.Snapshot.RPS)
//	})
package perf

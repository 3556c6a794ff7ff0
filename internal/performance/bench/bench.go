// Package bench turns a run summary into named measurements that a
// historical benchmark store can append, in the github-action-benchmark
// "custom" JSON shape.
package bench

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gofrs/flock"

	"github.com/PoyrazK/cloudload/internal/performance/metrics"
)

// Measurement is one named summary value of a run.
type Measurement struct {
	Name  string  `json:"name"`
	Unit  string  `json:"unit"`
	Value float64 `json:"value"`
	Extra string  `json:"extra,omitempty"`

	// Samples is how many observations the value summarises
	Samples int64 `json:"samples,omitempty"`

	// VUs is the peak concurrency the run reached
	VUs int `json:"vus,omitempty"`
}

// FromSnapshot derives the run-level measurements from a final snapshot.
// Names are prefixed with run so several runs can share one store.
func FromSnapshot(run string, snap *metrics.Snapshot) []Measurement {
	if snap == nil {
		return nil
	}

	extra := fmt.Sprintf("%d requests\n%d VUs peak", snap.TotalRequests, snap.PeakVUs)
	m := func(name, unit string, value float64, samples int64) Measurement {
		return Measurement{
			Name:    run + " - " + name,
			Unit:    unit,
			Value:   value,
			Extra:   extra,
			Samples: samples,
			VUs:     snap.PeakVUs,
		}
	}

	lat := snap.Latency
	out := []Measurement{
		m("http_req_duration p50", "ms", millis(lat.P50), lat.Count),
		m("http_req_duration p90", "ms", millis(lat.P90), lat.Count),
		m("http_req_duration p95", "ms", millis(lat.P95), lat.Count),
		m("http_req_duration p99", "ms", millis(lat.P99), lat.Count),
		m("http_req_duration avg", "ms", millis(lat.Mean), lat.Count),
		m("http_req_failed", "%", snap.ErrorRate*100, snap.TotalRequests),
		m("http_reqs", "req/s", snap.RPS, snap.TotalRequests),
		m("iterations", "count", float64(snap.Iterations), snap.Iterations),
	}

	if total := snap.CheckTotals(); total.Passes+total.Fails > 0 {
		out = append(out, m("checks", "%", total.Rate()*100, total.Passes+total.Fails))
	}

	names := make([]string, 0, len(snap.Requests))
	for name := range snap.Requests {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		rs := snap.Requests[name]
		out = append(out, m(fmt.Sprintf("http_req_duration{name:%s} p95", name), "ms", millis(rs.Latency.P95), rs.Count))
	}

	return out
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// AppendFile appends ms to the JSON array stored at path, creating the file
// when it does not exist. Concurrent writers are serialised through a lock
// file next to path, and the array is replaced atomically.
func AppendFile(path string, ms []Measurement) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer func() { _ = lock.Unlock() }()

	existing, err := ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	data, err := json.MarshalIndent(append(existing, ms...), "", "  ")
	if err != nil {
		return fmt.Errorf("encode measurements: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	return os.Rename(tmp.Name(), path)
}

// ReadFile loads the measurements stored at path. An empty file holds none.
func ReadFile(path string) ([]Measurement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var ms []Measurement
	if err := json.Unmarshal(data, &ms); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return ms, nil
}

package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Engine aggregates request outcomes recorded by many virtual users.
//
// Latency is kept in HDR histograms (1µs to 1h, 3 significant figures)
// split across shards, each behind its own mutex. Recorders pick a shard
// round-robin so a Snapshot merging the shards never stalls every
// recorder at once. Counters are atomic.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Snapshots may be taken at any time
// while recording continues.
type Engine struct {
	shards []*histShard
	next   atomic.Uint64

	requests   map[string]*requestAgg
	requestsMu sync.RWMutex

	checks   map[string]*checkAgg
	checkSeq []string
	checksMu sync.RWMutex

	totalRequests  atomic.Int64
	failedRequests atomic.Int64
	totalBytes     atomic.Int64
	iterations     atomic.Int64

	activeVUs atomic.Int32
	peakVUs   atomic.Int32

	bucketStore *TimeBucketStore

	currentPhase Phase
	phaseMu      sync.RWMutex
	phaseHistory []PhaseChange

	startTime time.Time

	emitterCtx    context.Context
	emitterCancel context.CancelFunc
	emitterWg     sync.WaitGroup
	stopOnce      sync.Once

	config EngineConfig
}

type histShard struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

type requestAgg struct {
	mu     sync.Mutex
	hist   *hdrhistogram.Histogram
	count  int64
	failed int64
}

type checkAgg struct {
	passes atomic.Int64
	fails  atomic.Int64
}

// NewEngine creates a new metrics engine with default configuration.
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultEngineConfig())
}

// NewEngineWithConfig creates a metrics engine and starts its bucket emitter.
func NewEngineWithConfig(config EngineConfig) *Engine {
	def := DefaultEngineConfig()
	if config.BucketInterval <= 0 {
		config.BucketInterval = def.BucketInterval
	}
	if config.MaxBuckets <= 0 {
		config.MaxBuckets = def.MaxBuckets
	}
	if config.Shards <= 0 {
		config.Shards = def.Shards
	}
	if config.HistogramMin <= 0 {
		config.HistogramMin = def.HistogramMin
	}
	if config.HistogramMax <= config.HistogramMin {
		config.HistogramMax = def.HistogramMax
	}
	if config.HistogramSigFigs <= 0 {
		config.HistogramSigFigs = def.HistogramSigFigs
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		shards:        make([]*histShard, config.Shards),
		requests:      make(map[string]*requestAgg),
		checks:        make(map[string]*checkAgg),
		bucketStore:   NewTimeBucketStore(config.MaxBuckets),
		currentPhase:  PhaseInit,
		startTime:     time.Now(),
		emitterCtx:    ctx,
		emitterCancel: cancel,
		config:        config,
	}
	for i := range e.shards {
		e.shards[i] = &histShard{hist: e.newHistogram()}
	}

	e.emitterWg.Add(1)
	go e.runEmitter()

	return e
}

func (e *Engine) newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(e.config.HistogramMin, e.config.HistogramMax, e.config.HistogramSigFigs)
}

func (e *Engine) clamp(d time.Duration) int64 {
	v := d.Microseconds()
	if v < e.config.HistogramMin {
		v = e.config.HistogramMin
	}
	if v > e.config.HistogramMax {
		v = e.config.HistogramMax
	}
	return v
}

// Record adds one terminal request outcome and its checks.
func (e *Engine) Record(s Sample) {
	v := e.clamp(s.Latency)

	shard := e.shards[e.next.Add(1)%uint64(len(e.shards))]
	shard.mu.Lock()
	_ = shard.hist.RecordValue(v)
	shard.mu.Unlock()

	if s.Name != "" {
		agg := e.requestAgg(s.Name)
		agg.mu.Lock()
		_ = agg.hist.RecordValue(v)
		agg.count++
		if s.Failed {
			agg.failed++
		}
		agg.mu.Unlock()
	}

	for _, c := range s.Checks {
		e.RecordCheck(c.Label, c.Passed)
	}

	e.totalRequests.Add(1)
	e.totalBytes.Add(s.Bytes)
	if s.Failed {
		e.failedRequests.Add(1)
	}

	e.bucketStore.RecordSample(s.Failed, s.Checks)
}

// RecordCheck adds a single labeled check result that is not tied to a sample.
func (e *Engine) RecordCheck(label string, passed bool) {
	agg := e.checkAgg(label)
	if passed {
		agg.passes.Add(1)
	} else {
		agg.fails.Add(1)
	}
}

// RecordIteration counts one completed scenario iteration.
func (e *Engine) RecordIteration() {
	e.iterations.Add(1)
}

func (e *Engine) requestAgg(name string) *requestAgg {
	e.requestsMu.RLock()
	agg, ok := e.requests[name]
	e.requestsMu.RUnlock()
	if ok {
		return agg
	}

	e.requestsMu.Lock()
	defer e.requestsMu.Unlock()
	if agg, ok = e.requests[name]; !ok {
		agg = &requestAgg{hist: e.newHistogram()}
		e.requests[name] = agg
	}
	return agg
}

func (e *Engine) checkAgg(label string) *checkAgg {
	e.checksMu.RLock()
	agg, ok := e.checks[label]
	e.checksMu.RUnlock()
	if ok {
		return agg
	}

	e.checksMu.Lock()
	defer e.checksMu.Unlock()
	if agg, ok = e.checks[label]; !ok {
		agg = &checkAgg{}
		e.checks[label] = agg
		e.checkSeq = append(e.checkSeq, label)
	}
	return agg
}

// SetPhase updates the current test phase.
func (e *Engine) SetPhase(phase Phase) {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()

	if e.currentPhase == phase {
		return
	}

	e.currentPhase = phase
	e.phaseHistory = append(e.phaseHistory, PhaseChange{
		Phase:     phase,
		Timestamp: time.Now(),
		Requests:  e.totalRequests.Load(),
	})
}

// GetPhase returns the current test phase.
func (e *Engine) GetPhase() Phase {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()
	return e.currentPhase
}

// SetActiveVUs updates the active VU count and the observed peak.
func (e *Engine) SetActiveVUs(count int) {
	e.activeVUs.Store(int32(count))
	for {
		peak := e.peakVUs.Load()
		if int32(count) <= peak || e.peakVUs.CompareAndSwap(peak, int32(count)) {
			return
		}
	}
}

// GetActiveVUs returns the current active VU count.
func (e *Engine) GetActiveVUs() int {
	return int(e.activeVUs.Load())
}

func (e *Engine) runEmitter() {
	defer e.emitterWg.Done()

	ticker := time.NewTicker(e.config.BucketInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.emitterCtx.Done():
			return
		case <-ticker.C:
			e.emitBucket()
		}
	}
}

func (e *Engine) emitBucket() {
	lat := e.mergedLatency()
	e.bucketStore.CreateBucket(
		e.totalRequests.Load(), e.failedRequests.Load(), e.totalBytes.Load(),
		LatencyPercentiles{Min: lat.Min, Max: lat.Max, P50: lat.P50, P90: lat.P90, P95: lat.P95, P99: lat.P99},
		e.GetActiveVUs(), e.GetPhase(),
	)
}

// mergedLatency merges every shard into a fresh histogram. Each shard is
// locked only while it is being merged.
func (e *Engine) mergedLatency() LatencyStats {
	merged := e.newHistogram()
	for _, shard := range e.shards {
		shard.mu.Lock()
		merged.Merge(shard.hist)
		shard.mu.Unlock()
	}
	return latencyStatsFrom(merged)
}

// Snapshot returns a consistent, derived view of everything recorded so far.
func (e *Engine) Snapshot() *Snapshot {
	latency := e.mergedLatency()

	elapsed := time.Since(e.startTime)
	// Record bumps total before failed, so this order keeps failed <= total
	failed := e.failedRequests.Load()
	total := e.totalRequests.Load()

	rps := 0.0
	if elapsed.Seconds() > 0 {
		rps = float64(total) / elapsed.Seconds()
	}
	steadyRPS, _ := e.bucketStore.CalculateSteadyStateRPS()

	errorRate := 0.0
	if total > 0 {
		errorRate = float64(failed) / float64(total)
	}

	return &Snapshot{
		TotalRequests:   total,
		SuccessRequests: total - failed,
		FailedRequests:  failed,
		TotalBytes:      e.totalBytes.Load(),
		Latency:         latency,
		RPS:             rps,
		SteadyStateRPS:  steadyRPS,
		ErrorRate:       errorRate,
		Iterations:      e.iterations.Load(),
		ActiveVUs:       e.GetActiveVUs(),
		PeakVUs:         int(e.peakVUs.Load()),
		Checks:          e.checkStats(),
		Requests:        e.requestStats(),
		CurrentPhase:    e.GetPhase(),
		Elapsed:         elapsed,
		StartTime:       e.startTime,
		Timestamp:       time.Now(),
	}
}

func (e *Engine) checkStats() map[string]CheckStats {
	e.checksMu.RLock()
	defer e.checksMu.RUnlock()

	if len(e.checks) == 0 {
		return nil
	}
	result := make(map[string]CheckStats, len(e.checks))
	for label, agg := range e.checks {
		result[label] = CheckStats{Passes: agg.passes.Load(), Fails: agg.fails.Load()}
	}
	return result
}

func (e *Engine) requestStats() map[string]RequestStats {
	e.requestsMu.RLock()
	aggs := make(map[string]*requestAgg, len(e.requests))
	for name, agg := range e.requests {
		aggs[name] = agg
	}
	e.requestsMu.RUnlock()

	if len(aggs) == 0 {
		return nil
	}

	result := make(map[string]RequestStats, len(aggs))
	for name, agg := range aggs {
		h := e.newHistogram()
		agg.mu.Lock()
		h.Merge(agg.hist)
		count, failed := agg.count, agg.failed
		agg.mu.Unlock()

		rate := 0.0
		if count > 0 {
			rate = float64(failed) / float64(count)
		}
		result[name] = RequestStats{
			Name:      name,
			Count:     count,
			Failed:    failed,
			ErrorRate: rate,
			Latency:   latencyStatsFrom(h),
		}
	}
	return result
}

// CheckLabels returns check labels in the order they were first seen.
func (e *Engine) CheckLabels() []string {
	e.checksMu.RLock()
	defer e.checksMu.RUnlock()
	out := make([]string, len(e.checkSeq))
	copy(out, e.checkSeq)
	return out
}

// RequestNames returns the sorted names of every recorded request.
func (e *Engine) RequestNames() []string {
	e.requestsMu.RLock()
	defer e.requestsMu.RUnlock()
	names := make([]string, 0, len(e.requests))
	for name := range e.requests {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetTimeSeries returns all retained time-series buckets.
func (e *Engine) GetTimeSeries() []*TimeBucket {
	return e.bucketStore.GetBuckets()
}

// GetPhaseHistory returns the history of phase changes.
func (e *Engine) GetPhaseHistory() []PhaseChange {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()

	result := make([]PhaseChange, len(e.phaseHistory))
	copy(result, e.phaseHistory)
	return result
}

// Stop stops the emitter and closes a final bucket. Safe to call twice.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.emitterCancel()
		e.emitterWg.Wait()
		e.emitBucket()
	})
}

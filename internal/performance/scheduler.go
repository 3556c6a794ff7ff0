package performance

import (
	"context"
	"crypto/tls"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/PoyrazK/cloudload/internal/performance/config"
	"github.com/PoyrazK/cloudload/internal/performance/metrics"
)

// VUScheduler owns the pool of live Virtual Users.
//
// It provides:
// - VU pool management (spawning/stopping VUs)
// - The shared HTTP client, rate limiter and tracer
// - Graceful shutdown coordination
//
// The scheduler is driven by executors to control VU counts.
type VUScheduler struct {
	scenario *Scenario
	metrics  *metrics.Engine

	client    *http.Client
	ownClient bool
	limiter   *rate.Limiter
	tracer    trace.Tracer
	propagate bool
	logger    *logrus.Entry
	maxVUs    int

	vus   map[int]*VirtualUser
	vusMu sync.RWMutex

	nextVUID atomic.Int32

	runWg sync.WaitGroup

	// abort cancels in-flight requests of every VU
	abortCtx context.Context
	abort    context.CancelFunc
}

// HTTPClientConfig contains HTTP client configuration.
type HTTPClientConfig struct {
	// MaxIdleConns controls the maximum number of idle connections
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits the total connections per host
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	// DisableKeepAlives disables HTTP keep-alives
	DisableKeepAlives bool

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool
}

// DefaultHTTPClientConfig returns sensible defaults for load testing.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     config.DefaultMaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
}

// HTTPClientConfigFrom maps resolved settings onto the client defaults.
func HTTPClientConfigFrom(s config.HTTPSettings) HTTPClientConfig {
	c := DefaultHTTPClientConfig()
	if s.MaxConnsPerHost > 0 {
		c.MaxConnsPerHost = s.MaxConnsPerHost
	}
	if s.MaxIdleConnsPerHost > 0 {
		c.MaxIdleConnsPerHost = s.MaxIdleConnsPerHost
	}
	c.InsecureSkipVerify = s.InsecureSkipVerify
	return c
}

// NewHTTPClient builds the pooled client shared by all VUs. The client has
// no overall timeout: each request carries its own deadline on its context,
// so a full pool makes requests wait until that deadline turns the wait
// into a failure.
func NewHTTPClient(cfg HTTPClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DisableKeepAlives:   cfg.DisableKeepAlives,
		ForceAttemptHTTP2:   true,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test environments
	}

	return &http.Client{Transport: transport}
}

// SchedulerOption configures a VUScheduler.
type SchedulerOption func(*VUScheduler)

// WithHTTPClient shares client instead of building one from the settings.
func WithHTTPClient(client *http.Client) SchedulerOption {
	return func(s *VUScheduler) {
		if client != nil {
			s.client = client
			s.ownClient = false
		}
	}
}

// WithLimiter caps the request rate of all VUs.
func WithLimiter(l *rate.Limiter) SchedulerOption {
	return func(s *VUScheduler) { s.limiter = l }
}

// WithTracer starts a span per request; propagate injects trace headers.
func WithTracer(t trace.Tracer, propagate bool) SchedulerOption {
	return func(s *VUScheduler) {
		s.tracer = t
		s.propagate = propagate
	}
}

// WithLogger sets the logger handed to every VU.
func WithLogger(l *logrus.Entry) SchedulerOption {
	return func(s *VUScheduler) { s.logger = l }
}

// WithMaxVUs caps live VU goroutines, draining ones included. Zero means
// no cap.
func WithMaxVUs(n int) SchedulerOption {
	return func(s *VUScheduler) { s.maxVUs = n }
}

// NewVUScheduler creates a new VU scheduler.
func NewVUScheduler(scenario *Scenario, metricsEngine *metrics.Engine, httpConfig HTTPClientConfig, opts ...SchedulerOption) *VUScheduler {
	s := &VUScheduler{
		scenario: scenario,
		metrics:  metricsEngine,
		vus:      make(map[int]*VirtualUser),
	}
	s.abortCtx, s.abort = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = NewHTTPClient(httpConfig)
		s.ownClient = true
	}
	return s
}

// SpawnVU creates and registers a new Virtual User. The caller runs it.
func (s *VUScheduler) SpawnVU() *VirtualUser {
	id := int(s.nextVUID.Add(1))

	vu := NewVirtualUser(id, s.scenario, s.client, s.metrics)
	vu.Limiter = s.limiter
	vu.Tracer = s.tracer
	vu.Propagate = s.propagate
	vu.Logger = s.logger
	vu.abort = s.abortCtx

	s.vusMu.Lock()
	s.vus[id] = vu
	s.vusMu.Unlock()

	return vu
}

// GetVU returns a VU by ID, or nil if not found.
func (s *VUScheduler) GetVU(id int) *VirtualUser {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()
	return s.vus[id]
}

// GetActiveVUCount returns the count of VUs that are neither stopping nor
// stopped. VUs that were asked to stop no longer count toward the target.
func (s *VUScheduler) GetActiveVUCount() int {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	count := 0
	for _, vu := range s.vus {
		if !vu.IsStopping() {
			count++
		}
	}
	return count
}

// GetLiveVUCount returns the count of VU goroutines that have not exited,
// including those draining.
func (s *VUScheduler) GetLiveVUCount() int {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	count := 0
	for _, vu := range s.vus {
		if vu.GetState() != VUStateStopped {
			count++
		}
	}
	return count
}

// StopAllVUs requests all VUs to stop at their next step boundary.
func (s *VUScheduler) StopAllVUs() {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	for _, vu := range s.vus {
		vu.RequestStop()
	}
}

// RemoveVU removes a VU from the scheduler.
func (s *VUScheduler) RemoveVU(id int) {
	s.vusMu.Lock()
	defer s.vusMu.Unlock()

	if vu, exists := s.vus[id]; exists {
		vu.MarkStopped()
		delete(s.vus, id)
	}
}

// Start runs vu on a new goroutine until it is stopped or ctx is done.
func (s *VUScheduler) Start(ctx context.Context, vu *VirtualUser) {
	s.runWg.Add(1)
	go func() {
		defer s.runWg.Done()
		s.RunVU(ctx, vu)
	}()
}

// RunVU runs iterations until the VU is stopped or ctx is cancelled, then
// deregisters it.
func (s *VUScheduler) RunVU(ctx context.Context, vu *VirtualUser) {
	defer s.RemoveVU(vu.ID)

	for {
		if ctx.Err() != nil || vu.IsStopping() {
			return
		}

		if err := vu.RunIteration(ctx); err != nil {
			if ctx.Err() != nil || vu.IsStopping() {
				return
			}
			if s.logger != nil {
				s.logger.WithField("vu", vu.ID).Debugf("iteration error: %v", err)
			}
		}
	}
}

// WaitForAllVUs waits for every VU goroutine to exit.
//
// Returns the number of VUs that did not stop within the timeout.
func (s *VUScheduler) WaitForAllVUs(timeout time.Duration) int {
	done := make(chan struct{})
	go func() {
		s.runWg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return 0
	case <-timer.C:
		return s.GetLiveVUCount()
	}
}

// Abort cancels every in-flight request.
func (s *VUScheduler) Abort() {
	s.abort()
}

// Shutdown stops all VUs, waits up to timeout, aborts stragglers and
// releases idle connections. It returns the number of VUs that had to be
// aborted.
func (s *VUScheduler) Shutdown(timeout time.Duration) int {
	s.StopAllVUs()

	stragglers := s.WaitForAllVUs(timeout)
	s.Abort()
	if stragglers > 0 {
		// aborted requests return promptly
		s.runWg.Wait()
	}

	if s.ownClient {
		s.client.CloseIdleConnections()
	}
	return stragglers
}

// UpdateMetrics reports the active VU count to the metrics engine.
func (s *VUScheduler) UpdateMetrics() {
	s.metrics.SetActiveVUs(s.GetActiveVUCount())
}

// ScaleVUs adjusts the active VU count to target, starting new VUs with ctx
// or asking the excess to stop at their next step boundary. Under a
// WithMaxVUs cap, VUs still draining hold their slot, so scaling up may
// fall short until they exit; the next call tops up.
//
// Returns the active VU count after adjustment.
func (s *VUScheduler) ScaleVUs(ctx context.Context, target int) int {
	current := s.GetActiveVUCount()

	if target > current {
		spawn := target - current
		if s.maxVUs > 0 {
			if free := s.maxVUs - s.GetLiveVUCount(); free < spawn {
				if s.logger != nil {
					s.logger.WithFields(logrus.Fields{
						"target":   target,
						"draining": s.GetLiveVUCount() - current,
					}).Debug("waiting for draining VUs before scaling up")
				}
				spawn = max(free, 0)
			}
		}
		for range spawn {
			s.Start(ctx, s.SpawnVU())
		}
	} else if target < current {
		excess := current - target
		stopped := 0

		// newest first
		s.vusMu.RLock()
		live := make([]*VirtualUser, 0, len(s.vus))
		for _, vu := range s.vus {
			if !vu.IsStopping() {
				live = append(live, vu)
			}
		}
		slices.SortFunc(live, func(a, b *VirtualUser) int { return b.ID - a.ID })
		for _, vu := range live {
			if stopped >= excess {
				break
			}
			vu.RequestStop()
			stopped++
		}
		s.vusMu.RUnlock()
	}

	s.UpdateMetrics()
	return s.GetActiveVUCount()
}

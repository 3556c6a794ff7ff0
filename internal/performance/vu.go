// Package performance interprets scenarios: each VirtualUser loops over a
// compiled step list, issuing requests and feeding their outcomes to the
// metrics engine.
package performance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/PoyrazK/cloudload/internal/performance/metrics"
	"github.com/PoyrazK/cloudload/internal/tracing"
)

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU is between iterations.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is executing steps.
	VUStateRunning
	// VUStateStopping indicates the VU will exit at its next step boundary.
	VUStateStopping
	// VUStateStopped indicates the VU goroutine has exited.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// errStopped ends an iteration at a step boundary after RequestStop.
var errStopped = errors.New("virtual user stopped")

// VirtualUser runs the scenario in a loop on its own goroutine. Its
// variables are private; the metrics engine, HTTP client and limiter are
// shared with every other VU.
type VirtualUser struct {
	ID int

	Scenario   *Scenario
	HTTPClient *http.Client
	Metrics    *metrics.Engine

	// Limiter caps the request rate across VUs when set
	Limiter *rate.Limiter

	// Tracer creates a client span per request when set
	Tracer    trace.Tracer
	Propagate bool

	Logger *logrus.Entry

	state     atomic.Int32
	stopCh    chan struct{}
	doneCh    chan struct{}
	iteration atomic.Int64

	// abort cancels in-flight requests once the graceful stop expires
	abort context.Context

	data   map[string]string
	dataMu sync.RWMutex
}

// NewVirtualUser creates a new Virtual User.
func NewVirtualUser(id int, scenario *Scenario, httpClient *http.Client, metricsEngine *metrics.Engine) *VirtualUser {
	return &VirtualUser{
		ID:         id,
		Scenario:   scenario,
		HTTPClient: httpClient,
		Metrics:    metricsEngine,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		data:       make(map[string]string),
	}
}

// GetState returns the current VU state.
func (vu *VirtualUser) GetState() VUState {
	return VUState(vu.state.Load())
}

// GetIteration returns the number of iterations started.
func (vu *VirtualUser) GetIteration() int64 {
	return vu.iteration.Load()
}

// iterationState tracks the outcomes of the last request step. They stay
// pending until the next request, batch or pause step, so the checks that
// follow can attach to them before they are recorded.
type iterationState struct {
	last    []*RequestOutcome
	pending bool
}

// RunIteration executes the scenario once.
//
// Returns nil when the iteration completed or the VU was asked to stop, and
// ctx.Err() when the run was cancelled. Outcomes produced before a stop are
// always recorded.
func (vu *VirtualUser) RunIteration(ctx context.Context) error {
	currentState := vu.GetState()
	if currentState == VUStateStopping || currentState == VUStateStopped {
		return fmt.Errorf("VU %d is stopping or stopped", vu.ID)
	}

	vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning))
	vu.iteration.Add(1)

	it := &iterationState{}
	err := vu.runSteps(ctx, it, vu.Scenario.Steps)
	vu.flush(it)

	vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))

	switch {
	case err == nil:
		vu.Metrics.RecordIteration()
		return nil
	case errors.Is(err, errStopped):
		return nil
	default:
		return err
	}
}

func (vu *VirtualUser) runSteps(ctx context.Context, it *iterationState, steps []Step) error {
	for _, step := range steps {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-vu.stopCh:
			return errStopped
		default:
		}

		switch s := step.(type) {
		case *RequestStep:
			vu.flush(it)
			if err := vu.acquire(ctx, 1); err != nil {
				return err
			}
			it.last = []*RequestOutcome{vu.execute(ctx, &s.Request)}
			it.pending = true

		case *BatchStep:
			vu.flush(it)
			if err := vu.acquire(ctx, len(s.Requests)); err != nil {
				return err
			}
			it.last = vu.executeBatch(ctx, s.Requests)
			it.pending = true

		case *CheckStep:
			vu.runCheck(it, s)

		case *BranchStep:
			var target *RequestOutcome
			if sel := selectOutcomes(it.last, s.If.Target, false); len(sel) > 0 {
				target = sel[0]
			}
			next := s.Else
			if s.If.Eval(target) {
				next = s.Then
			}
			if err := vu.runSteps(ctx, it, next); err != nil {
				return err
			}

		case *PauseStep:
			vu.flush(it)
			if err := vu.pause(ctx, s); err != nil {
				return err
			}

		case *SetStep:
			vu.assign(it, s)
		}
	}
	return nil
}

// flush records the pending outcomes exactly once.
func (vu *VirtualUser) flush(it *iterationState) {
	if !it.pending {
		return
	}
	for _, o := range it.last {
		vu.Metrics.Record(o.Sample())
	}
	it.pending = false
}

func (vu *VirtualUser) acquire(ctx context.Context, n int) error {
	if vu.Limiter == nil {
		return nil
	}

	// a stop request abandons the wait; the request has not started yet
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-vu.stopCh:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	for range n {
		if err := vu.Limiter.Wait(waitCtx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if vu.IsStopping() {
				return errStopped
			}
			return fmt.Errorf("rate limiter: %w", err)
		}
	}
	return nil
}

func (vu *VirtualUser) executeBatch(ctx context.Context, reqs []Request) []*RequestOutcome {
	outs := make([]*RequestOutcome, len(reqs))
	var g errgroup.Group
	for i := range reqs {
		g.Go(func() error {
			outs[i] = vu.execute(ctx, &reqs[i])
			return nil
		})
	}
	_ = g.Wait()
	return outs
}

// execute issues one request. The call is detached from ctx so a drain or
// run cancellation never interrupts it; it ends on response, on its
// timeout, or when the VU is aborted.
func (vu *VirtualUser) execute(ctx context.Context, req *Request) *RequestOutcome {
	out := &RequestOutcome{Name: req.Name, Method: req.Method}

	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	if req.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(reqCtx, req.Timeout)
		defer cancel()
	}
	if vu.abort != nil {
		stop := context.AfterFunc(vu.abort, cancel)
		defer stop()
	}

	var span trace.Span
	if vu.Tracer != nil {
		reqCtx, span = tracing.StartRequestSpan(reqCtx, vu.Tracer, req.Method, req.Name)
	}

	httpReq, err := vu.buildRequest(reqCtx, req)
	if err != nil {
		out.Failure = &Failure{Kind: FailureInvalidRequest, Err: err}
		vu.finish(span, out)
		return out
	}
	out.URL = httpReq.URL.String()
	if vu.Propagate {
		tracing.InjectHTTPHeaders(reqCtx, httpReq.Header)
	}

	start := time.Now()
	resp, err := vu.HTTPClient.Do(httpReq)
	if err != nil {
		out.Latency = time.Since(start)
		out.Failure = &Failure{Kind: classifyError(err), Err: err}
		vu.finish(span, out)
		return out
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	out.Latency = time.Since(start)
	out.BytesReceived = int64(len(body))
	if err != nil {
		out.Failure = &Failure{Kind: classifyError(err), Err: fmt.Errorf("failed to read response body: %w", err)}
		vu.finish(span, out)
		return out
	}

	out.Response = &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	out.failed = !statusExpected(resp.StatusCode, req.ExpectStatus)

	if !out.failed && len(req.Extract) > 0 {
		vu.extractVariables(req.Extract, out.Response)
	}

	vu.finish(span, out)
	return out
}

func (vu *VirtualUser) finish(span trace.Span, out *RequestOutcome) {
	if out.Failure != nil && vu.Logger != nil {
		vu.Logger.WithFields(logrus.Fields{
			"vu":      vu.ID,
			"request": out.Name,
			"kind":    out.Failure.Kind,
		}).Debugf("request failed: %v", out.Failure.Err)
	}
	if span == nil {
		return
	}
	var err error
	if out.Failure != nil {
		err = out.Failure
	} else if out.failed {
		err = fmt.Errorf("unexpected status %d", out.Response.StatusCode)
	}
	tracing.EndSpan(span, err, attribute.Int("http.response.status_code", out.StatusCode()))
}

// buildRequest builds an HTTP request from the template.
func (vu *VirtualUser) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	url := vu.resolveVariables(req.URL)

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(vu.resolveVariables(req.Body))
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, err
	}

	if vu.Scenario.UserAgent != "" {
		httpReq.Header.Set("User-Agent", vu.Scenario.UserAgent)
	}
	for key, value := range vu.Scenario.Headers {
		httpReq.Header.Set(key, vu.resolveVariables(value))
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, vu.resolveVariables(value))
	}

	return httpReq, nil
}

// resolveVariables expands {{name}} from VU data, then scenario variables,
// and {{env.NAME}} from the named overrides.
func (vu *VirtualUser) resolveVariables(input string) string {
	return expand(input, vu.lookup, vu.Scenario.Env)
}

func (vu *VirtualUser) lookup(name string) (string, bool) {
	if v, ok := vu.GetData(name); ok {
		return v, true
	}
	v, ok := vu.Scenario.Variables[name]
	return v, ok
}

// extractVariables copies values from a successful response into VU data.
func (vu *VirtualUser) extractVariables(extracts []Extractor, resp *Response) {
	for _, ex := range extracts {
		var value string

		switch ex.Source {
		case "header":
			value = resp.Header.Get(ex.Header)
		case "status":
			value = strconv.Itoa(resp.StatusCode)
		case "body":
			if ex.Path.IsZero() {
				value = string(resp.Body)
			} else {
				value, _ = ex.Path.Lookup(resp.Body)
			}
		}

		if ex.Regex != nil {
			m := ex.Regex.FindStringSubmatch(value)
			switch {
			case len(m) > 1:
				value = m[1]
			case len(m) == 1:
				value = m[0]
			default:
				value = ""
			}
		}

		if value != "" {
			vu.SetData(ex.Name, value)
		}
	}
}

func (vu *VirtualUser) runCheck(it *iterationState, s *CheckStep) {
	targets := selectOutcomes(it.last, s.Check.Target, true)
	if len(targets) == 0 {
		vu.Metrics.RecordCheck(s.Label, false)
		return
	}
	for _, o := range targets {
		passed := s.Check.Eval(o)
		if it.pending {
			o.Checks = append(o.Checks, metrics.CheckResult{Label: s.Label, Passed: passed})
		} else {
			vu.Metrics.RecordCheck(s.Label, passed)
		}
	}
}

// assign evaluates a set step. JSON paths read the first outcome of the last
// request step; an empty or null result falls back to the default.
func (vu *VirtualUser) assign(it *iterationState, s *SetStep) {
	for _, a := range s.Vars {
		var value string
		if !a.Path.IsZero() {
			if sel := selectOutcomes(it.last, "", false); len(sel) > 0 {
				value, _ = a.Path.Lookup(sel[0].Body())
			}
			if value == "null" {
				value = ""
			}
		} else {
			value = vu.resolveVariables(a.Template)
		}
		if value == "" {
			value = vu.resolveVariables(a.Default)
		}
		vu.SetData(a.Name, value)
	}
}

// pause waits for the step's duration plus jitter, or until stopped.
func (vu *VirtualUser) pause(ctx context.Context, s *PauseStep) error {
	d := s.Duration
	if s.Jitter > 0 {
		d += rand.N(s.Jitter)
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-vu.stopCh:
		return errStopped
	case <-timer.C:
		return nil
	}
}

// RequestStop signals the VU to stop at its next step boundary.
func (vu *VirtualUser) RequestStop() {
	currentState := VUState(vu.state.Load())
	if currentState == VUStateStopped {
		return
	}

	if vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateStopping)) ||
		vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateStopping)) {
		close(vu.stopCh)
	}
}

// IsStopping reports whether RequestStop has been called.
func (vu *VirtualUser) IsStopping() bool {
	s := vu.GetState()
	return s == VUStateStopping || s == VUStateStopped
}

// WaitForStop waits for the VU to stop with a timeout.
//
// Returns true if the VU stopped within the timeout, false otherwise.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-vu.doneCh:
		return true
	case <-timer.C:
		return false
	}
}

// Done is closed when the VU goroutine has exited.
func (vu *VirtualUser) Done() <-chan struct{} {
	return vu.doneCh
}

// MarkStopped marks the VU as fully stopped.
// Should be called by the scheduler when the VU goroutine exits.
func (vu *VirtualUser) MarkStopped() {
	vu.state.Store(int32(VUStateStopped))
	select {
	case <-vu.doneCh:
	default:
		close(vu.doneCh)
	}
}

// SetData stores a value in the VU's variable scope.
func (vu *VirtualUser) SetData(key, value string) {
	vu.dataMu.Lock()
	defer vu.dataMu.Unlock()
	vu.data[key] = value
}

// GetData retrieves a value from the VU's variable scope.
func (vu *VirtualUser) GetData(key string) (string, bool) {
	vu.dataMu.RLock()
	defer vu.dataMu.RUnlock()
	val, ok := vu.data[key]
	return val, ok
}

// ClearData removes a value from the VU's variable scope.
func (vu *VirtualUser) ClearData(key string) {
	vu.dataMu.Lock()
	defer vu.dataMu.Unlock()
	delete(vu.data, key)
}

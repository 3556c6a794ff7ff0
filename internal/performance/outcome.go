package performance

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"syscall"
	"time"

	"github.com/PoyrazK/cloudload/internal/performance/metrics"
)

// FailureKind classifies a request that produced no HTTP response.
type FailureKind string

const (
	FailureTimeout           FailureKind = "timeout"
	FailureConnectionRefused FailureKind = "connection_refused"
	FailureDNS               FailureKind = "dns"
	FailureCanceled          FailureKind = "canceled"
	FailureInvalidRequest    FailureKind = "invalid_request"
	FailureTransport         FailureKind = "transport"
)

// Failure is the transport-level error of a request.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

// Response is what came back from the target.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestOutcome is the result of one request. Exactly one of Response and
// Failure is set.
type RequestOutcome struct {
	Name   string
	Method string
	URL    string

	Response *Response
	Failure  *Failure

	Latency       time.Duration
	BytesReceived int64

	// Checks attached by the check steps that follow the request
	Checks []metrics.CheckResult

	failed bool
}

// Failed reports whether the outcome counts toward http_req_failed: a
// transport failure, or a status outside the expected set.
func (o *RequestOutcome) Failed() bool {
	return o.Failure != nil || o.failed
}

// StatusCode returns the response status, or 0 on a transport failure.
func (o *RequestOutcome) StatusCode() int {
	if o.Response == nil {
		return 0
	}
	return o.Response.StatusCode
}

// Body returns the response body, or nil on a transport failure.
func (o *RequestOutcome) Body() []byte {
	if o.Response == nil {
		return nil
	}
	return o.Response.Body
}

// Sample converts the outcome into a metrics sample.
func (o *RequestOutcome) Sample() metrics.Sample {
	return metrics.Sample{
		Name:    o.Name,
		Latency: o.Latency,
		Failed:  o.Failed(),
		Bytes:   o.BytesReceived,
		Checks:  o.Checks,
	}
}

// statusExpected reports whether code is acceptable. An empty list accepts
// anything below 400.
func statusExpected(code int, expect []int) bool {
	if len(expect) == 0 {
		return code < 400
	}
	return slices.Contains(expect, code)
}

func classifyError(err error) FailureKind {
	if errors.Is(err, context.Canceled) {
		return FailureCanceled
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureDNS
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return FailureConnectionRefused
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	return FailureTransport
}

package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

// robots.txt outcomes stamped into page metadata and counted in metrics.
const (
	robotsFetched       = "fetched"
	robotsMissing       = "missing"
	robotsUnavailable   = "unavailable"
	robotsIndeterminate = "indeterminate"

	robotsReasonHandshake = "TLS handshake timeout"
)

var robotsRetryDelays = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsTransport sits under the collector when robots.txt is honored. It
// retries robots.txt through handshake timeouts and, once the retries run
// out, answers with an allow-all body so the page fetch can go ahead.
type robotsTransport struct {
	next    http.RoundTripper
	outcome *robotsOutcome
	wait    func(context.Context, time.Duration) error
}

func newRobotsTransport(next http.RoundTripper, outcome *robotsOutcome) *robotsTransport {
	return &robotsTransport{next: next, outcome: outcome, wait: sleepContext}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return t.next.RoundTrip(req)
	}
	for attempt := 0; ; attempt++ {
		resp, err := t.next.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			t.outcome.observeStatus(resp.StatusCode)
			return resp, nil
		}
		if !isHandshakeTimeout(err) {
			return nil, fmt.Errorf("fetch robots.txt: %w", err)
		}
		if attempt == len(robotsRetryDelays) {
			t.outcome.set(robotsIndeterminate, robotsReasonHandshake)
			return allowAllRobots(req), nil
		}
		if err := t.wait(req.Context(), robotsRetryDelays[attempt]); err != nil {
			return nil, fmt.Errorf("robots.txt retry: %w", err)
		}
	}
}

// robotsOutcome remembers how the robots.txt lookup for one fetch ended.
// The first outcome wins; redirects to another host do not overwrite it.
type robotsOutcome struct {
	status string
	reason string
}

func (o *robotsOutcome) observeStatus(code int) {
	switch {
	case code >= 200 && code < 300:
		o.set(robotsFetched, "")
	case code >= 500:
		o.set(robotsUnavailable, "http "+strconv.Itoa(code))
	default:
		o.set(robotsMissing, "http "+strconv.Itoa(code))
	}
}

func (o *robotsOutcome) set(status, reason string) {
	if o == nil || o.status != "" {
		return
	}
	o.status = status
	o.reason = reason
	metrics.ObserveRobots(status)
}

func (o *robotsOutcome) apply(meta map[string]string) {
	if o == nil || meta == nil || o.status == "" {
		return
	}
	meta["robots_status"] = o.status
	if o.reason != "" {
		meta["robots_reason"] = o.reason
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func allowAllRobots(req *http.Request) *http.Response {
	const body = "User-agent: *\nAllow: /"
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        make(http.Header),
		Request:       req,
	}
}

func isHandshakeTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

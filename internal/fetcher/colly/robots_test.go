package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedTransport struct {
	results []scriptedResult
	calls   int
}

type scriptedResult struct {
	status int
	err    error
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	idx := min(s.calls, len(s.results)-1)
	s.calls++
	res := s.results[idx]
	if res.err != nil {
		return nil, res.err
	}
	rec := httptest.NewRecorder()
	rec.WriteHeader(res.status)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

func noWait(context.Context, time.Duration) error { return nil }

func robotsRequest() *http.Request {
	return httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
}

func TestRobotsTransportFallsBackAfterHandshakeTimeouts(t *testing.T) {
	t.Parallel()

	next := &scriptedTransport{results: []scriptedResult{{err: context.DeadlineExceeded}}}
	outcome := &robotsOutcome{}
	tr := newRobotsTransport(next, outcome)
	tr.wait = noWait

	resp, err := tr.RoundTrip(robotsRequest())
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "User-agent: *\nAllow: /", string(body))
	require.Equal(t, len(robotsRetryDelays)+1, next.calls)

	meta := map[string]string{}
	outcome.apply(meta)
	require.Equal(t, robotsIndeterminate, meta["robots_status"])
	require.Equal(t, robotsReasonHandshake, meta["robots_reason"])
}

func TestRobotsTransportStopsRetryingOnResponse(t *testing.T) {
	t.Parallel()

	next := &scriptedTransport{results: []scriptedResult{
		{err: context.DeadlineExceeded},
		{status: http.StatusOK},
	}}
	outcome := &robotsOutcome{}
	tr := newRobotsTransport(next, outcome)
	tr.wait = noWait

	resp, err := tr.RoundTrip(robotsRequest())
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 2, next.calls)
	require.Equal(t, robotsFetched, outcome.status)
}

func TestRobotsTransportRecordsStatusOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   string
		reason string
	}{
		{http.StatusOK, robotsFetched, ""},
		{http.StatusNotFound, robotsMissing, "http 404"},
		{http.StatusServiceUnavailable, robotsUnavailable, "http 503"},
	}
	for _, tt := range tests {
		outcome := &robotsOutcome{}
		tr := newRobotsTransport(&scriptedTransport{results: []scriptedResult{{status: tt.status}}}, outcome)
		resp, err := tr.RoundTrip(robotsRequest())
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())

		meta := map[string]string{}
		outcome.apply(meta)
		require.Equal(t, tt.want, meta["robots_status"])
		require.Equal(t, tt.reason, meta["robots_reason"])
	}
}

func TestRobotsTransportPassesThroughOtherRequests(t *testing.T) {
	t.Parallel()

	next := &scriptedTransport{results: []scriptedResult{{err: context.DeadlineExceeded}}}
	outcome := &robotsOutcome{}
	tr := newRobotsTransport(next, outcome)

	_, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/story", nil))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, next.calls)
	require.Empty(t, outcome.status)
}

func TestRobotsTransportSurfacesHardErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	next := &scriptedTransport{results: []scriptedResult{{err: boom}}}
	_, err := newRobotsTransport(next, &robotsOutcome{}).RoundTrip(robotsRequest())
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, next.calls)
}

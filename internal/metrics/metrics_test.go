package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserversUpdateCollectors(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(jobsExecutedTotal.WithLabelValues("content", "completed"))
	ObserveJob("content", "completed")
	require.InDelta(t, before+1, testutil.ToFloat64(jobsExecutedTotal.WithLabelValues("content", "completed")), 1e-9)

	ObserveFetch("colly", false, 20*time.Millisecond)
	require.GreaterOrEqual(t, testutil.ToFloat64(backendFetchesTotal.WithLabelValues("colly", "failure")), 1.0)

	SetQueueDepth(12, 3)
	require.InDelta(t, 12.0, testutil.ToFloat64(queueDepth), 1e-9)
	require.InDelta(t, 3.0, testutil.ToFloat64(queueFailedDepth), 1e-9)

	beforeFanout := testutil.ToFloat64(fanoutURLsTotal.WithLabelValues("filtered"))
	ObserveFanout("filtered", 0)
	ObserveFanout("filtered", 4)
	require.InDelta(t, beforeFanout+4, testutil.ToFloat64(fanoutURLsTotal.WithLabelValues("filtered")), 1e-9)
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}

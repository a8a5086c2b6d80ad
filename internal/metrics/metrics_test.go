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
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestCollectors(t *testing.T) {
	Init()
	Init()

	SetPoolCounts("search", 4, 3)
	require.Equal(t, 4.0, testutil.ToFloat64(poolCredentials.WithLabelValues("search", "available")))
	require.Equal(t, 3.0, testutil.ToFloat64(poolCredentials.WithLabelValues("search", "assigned")))

	before := testutil.ToFloat64(keyRotationsTotal.WithLabelValues("quota"))
	ObserveRotation("quota")
	require.Equal(t, before+1, testutil.ToFloat64(keyRotationsTotal.WithLabelValues("quota")))

	ObserveGate("trial", "rejected")
	require.GreaterOrEqual(t, testutil.ToFloat64(gateDecisionsTotal.WithLabelValues("trial", "rejected")), 1.0)

	ObservePage("https://Riad.ma/contact", "200")
	require.GreaterOrEqual(t, testutil.ToFloat64(scrapePagesTotal.WithLabelValues("riad.ma", "200")), 1.0)

	ObserveRateLimitDelay("riad.ma", 200*time.Millisecond)
	SetPendingDeliveries(2)
	require.Equal(t, 2.0, testutil.ToFloat64(pendingDeliveries))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, input string) {
		if SanitizeSite(input) == "" {
			t.Fatal("SanitizeSite returned empty string")
		}
	})
}

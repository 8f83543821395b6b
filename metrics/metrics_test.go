package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	p := NewPrometheusRecorder()
	p.IncCounter(EventSettle, map[string]string{"network": "stacks:2147483648"})
	p.IncCounter(EventSettle, map[string]string{"network": "stacks:2147483648"})
	p.ObserveLatency(EventSettle, 150*time.Millisecond, map[string]string{"network": "stacks:2147483648"})

	assert.Equal(t, float64(2), testutil.ToFloat64(p.counters.WithLabelValues(EventSettle, "stacks:2147483648")))

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "x402_events_total")
	assert.Contains(t, string(body), "x402_latency_seconds")
}

func TestTwoRecordersDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusRecorder()
		NewPrometheusRecorder()
	})
}

func TestOrNoop(t *testing.T) {
	assert.IsType(t, NoopRecorder{}, OrNoop(nil))
}

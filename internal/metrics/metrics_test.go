package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Cycle(true)
		m.Cycle(false)
		m.UpstreamRequest("data")
		m.TransferStored(true)
		m.NotifyFailed()
		m.Watermark(10)
		m.SchedulerState("running", []string{"running"})
		m.HTTPRequest("GET", "/x", 200, time.Millisecond)
		m.Errors()
	})
}

func TestInitIsIdempotentAndCounts(t *testing.T) {
	m := Init()
	require.Same(t, m, Init(), "Init returns the same instance")

	before := testutil.ToFloat64(m.transfersReplayed)
	m.TransferStored(false)
	assert.Equal(t, before+1, testutil.ToFloat64(m.transfersReplayed))

	m.Watermark(106)
	assert.Equal(t, float64(106), testutil.ToFloat64(m.watermark))

	m.SchedulerState("dormant_after_error", []string{"running_cycle", "dormant_after_error"})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.schedulerState.WithLabelValues("dormant_after_error")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.schedulerState.WithLabelValues("running_cycle")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := Init()
	m.Cycle(true)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tokenwatch_cycles_total")
}

func TestStatusLabel(t *testing.T) {
	cases := map[int]string{200: "2xx", 301: "3xx", 404: "4xx", 503: "5xx", 0: "unknown"}
	for code, want := range cases {
		assert.Equal(t, want, statusLabel(code), "statusLabel(%d)", code)
	}
}

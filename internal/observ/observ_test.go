package observ

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogWritesEventField(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(&bytes.Buffer{})

	Log("bandit_frozen", map[string]any{"drawdown": 0.12})

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "bandit_frozen", line["event"])
	assert.InDelta(t, 0.12, line["drawdown"], 1e-12)
}

func TestThrottledSuppressesRepeats(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(&bytes.Buffer{})

	for i := 0; i < 5; i++ {
		Throttled("test_throttled_event", time.Hour, nil)
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "test_throttled_event"))
}

func TestMetricsLabelMismatchIsIgnored(t *testing.T) {
	IncCounter("test_mismatch_total", map[string]string{"arm": "pros"})
	assert.NotPanics(t, func() {
		IncCounter("test_mismatch_total", map[string]string{"other": "x"})
		SetGauge("test_mismatch_total", 1, nil)
	})
}

func TestHealthHandlerReportsHalted(t *testing.T) {
	SetGauge("circuit_breaker_paused", 1, nil)
	defer SetGauge("circuit_breaker_paused", 0, nil)

	rec := httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "halted", body.Status)
}

func TestHandlerServesPrometheusText(t *testing.T) {
	IncCounter("test_exposed_total", nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "flowcore_test_exposed_total")
}

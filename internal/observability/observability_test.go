package observability

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_FreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveRead("WETH", "working")
	m.ObserveRead("WETH", "working")
	m.ObserveRead("WETH", "frozen")
	require.Equal(t, float64(2), testutil.ToFloat64(m.OracleReads.WithLabelValues("WETH", "working")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.OracleReads.WithLabelValues("WETH", "frozen")))

	// A second set on another registry must not collide.
	require.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry()) })
}

func TestSetChannelMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetChannelMetrics("persist", 256, 1024)
	require.Equal(t, float64(256), testutil.ToFloat64(m.ChannelSize.WithLabelValues("persist")))
	require.Equal(t, float64(1024), testutil.ToFloat64(m.ChannelCapacity.WithLabelValues("persist")))
	require.Equal(t, 0.25, testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")))

	m.SetChannelMetrics("unbuffered", 0, 0)
	require.Equal(t, float64(0), testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("unbuffered")))
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	require.True(t, h.IsReady())
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ready"`)

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"alive"`)
}

func TestHealthChecker_RecoveryAndDrain(t *testing.T) {
	h := NewHealthChecker()
	require.Equal(t, PhaseRecovering, h.Phase())

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), `"recovering"`)

	h.MarkRecovered(42)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, float64(42), body["recovered_sequence"])

	h.SetReady(false)
	require.False(t, h.IsReady())
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), `"draining"`)

	// liveness holds through a drain
	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNewLoggerTo_TagsServiceAndComponent(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, "keeper", zerolog.InfoLevel)
	log.Debug().Msg("hidden")
	log.Info().Int("liquidated", 2).Msg("sweep")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "troveledger", line["service"])
	require.Equal(t, "keeper", line["component"])
	require.Equal(t, "sweep", line["message"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	require.Equal(t, zerolog.DebugLevel, ParseLevel(" DEBUG "))
	require.Equal(t, zerolog.TraceLevel, ParseLevel("trace"))
	require.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	require.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	require.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	require.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	require.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

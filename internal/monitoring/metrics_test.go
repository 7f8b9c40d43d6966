package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestParseMetricsLabels(t *testing.T) {
	t.Setenv("POD_NAME", "monitor-0")

	labels, err := ParseMetricsLabels("service=ai-proxy-monitor,pod=${POD_NAME}")
	require.NoError(t, err)
	require.Equal(t, prometheus.Labels{"service": "ai-proxy-monitor", "pod": "monitor-0"}, labels)

	labels, err = ParseMetricsLabels("")
	require.NoError(t, err)
	require.Nil(t, labels)

	_, err = ParseMetricsLabels("novalue")
	require.ErrorContains(t, err, "expected key=value")

	_, err = ParseMetricsLabels("bad-key=x")
	require.ErrorContains(t, err, "invalid label key")
}

func TestRecordersAreNoOpsBeforeInit(t *testing.T) {
	require.NotPanics(t, func() {
		ObserveStore("count", time.Now())
		CacheHit(true)
		CacheHit(false)
		RecordSync("success", time.Second, SyncCounts{Aggregated: 1})
		RecordRiskAssessment("success")
	})
}

func TestConfigureLogging(t *testing.T) {
	require.NoError(t, ConfigureLogging("debug"))
	require.NoError(t, ConfigureLogging(""))
	require.Error(t, ConfigureLogging("loud"))
}

func TestAccessLogMiddlewarePassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AccessLogMiddleware("/health"), MetricsMiddleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for path, want := range map[string]int{"/health": http.StatusOK, "/boom": http.StatusInternalServerError} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, want, w.Code, path)
	}
}

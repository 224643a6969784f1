package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{409, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	EscrowResolvedTotal.WithLabelValues("confirmed").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	for _, name := range []string{
		"taskmarket_active_websocket_clients",
		"taskmarket_outbox_backlog",
		"taskmarket_escrow_resolved_total",
	} {
		assert.True(t, strings.Contains(body, name), "expected %s in output", name)
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/probe", func(c *gin.Context) {
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state"})
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/probe", "4xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/probe", nil))
	require.Equal(t, http.StatusConflict, w.Code)

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/probe", "4xx"))
	assert.Equal(t, before+1, after)
}

func TestEffectDeliveries_LabelledByKind(t *testing.T) {
	EffectDeliveriesTotal.WithLabelValues("ledger_credit", "delivered").Inc()

	m := &dto.Metric{}
	require.NoError(t, EffectDeliveriesTotal.WithLabelValues("ledger_credit", "delivered").Write(m))
	assert.GreaterOrEqual(t, m.GetCounter().GetValue(), 1.0)

	labels := map[string]string{}
	for _, lp := range m.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	assert.Equal(t, "ledger_credit", labels["kind"])
	assert.Equal(t, "delivered", labels["result"])
}

func TestSweepDuration_Registered(t *testing.T) {
	SweepDuration.Observe(0.01)
	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "taskmarket_escrow_sweep_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

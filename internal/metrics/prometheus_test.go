package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.ObserveProbe("n1", 20*time.Millisecond, nil)
	m.ObserveProbe("n1", time.Second, errors.New("timeout"))
	m.ObserveCycle(time.Second, 2)
	m.SetNodeHealth(3, 1)
	m.ObserveReservation("committed")
	m.ObserveReservation("rejected")
	m.ObserveRelease()
	m.SetCommitted("n1", 2048, 512)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProbeFailuresTotal.WithLabelValues("n1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AbandonedProbes))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.NodesHealthy))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReservationsTotal.WithLabelValues("rejected")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.CommittedMemory.WithLabelValues("n1")))

	m.ForgetNode("n1")
	assert.Equal(t, 0, testutil.CollectAndCount(m.CommittedMemory))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveCycle(10*time.Millisecond, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "fleet_probe_cycles_total 1")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveProbe("n1", time.Second, nil)
		m.ObserveCycle(time.Second, 1)
		m.SetNodeHealth(1, 1)
		m.ObserveReservation("committed")
		m.ObserveRelease()
		m.SetCommitted("n1", 1, 1)
		m.ForgetNode("n1")
	})
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

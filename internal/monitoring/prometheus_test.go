package monitoring

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics("test")

	m.RecordAllocation(4096)
	m.RecordAllocation(8192)
	m.RecordRelease(4096)
	m.RecordAllocationFailure(StageGPUMap)
	m.RecordSubmission(12)
	m.RecordSubmission(3)
	m.RecordFenceWait(time.Millisecond)
	m.SetInFlight(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.allocations))
	assert.Equal(t, 8192.0, testutil.ToFloat64(m.allocationBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.allocationFailures.WithLabelValues(StageGPUMap)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.submissions))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.submittedWords))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fenceWaits))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inFlightBuffers))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordAllocation(1)
		m.RecordRelease(1)
		m.RecordAllocationFailure(StageCreate)
		m.RecordSubmission(1)
		m.RecordFenceWait(time.Second)
		m.SetInFlight(1)
	})
	assert.NoError(t, m.WriteText(&bytes.Buffer{}))
	assert.Nil(t, m.Registry())
}

func TestWriteText(t *testing.T) {
	m := NewMetrics("")
	m.RecordSubmission(7)

	var buf bytes.Buffer
	require.NoError(t, m.WriteText(&buf))
	assert.Contains(t, buf.String(), "nvstream_submissions_total 1")
	assert.Contains(t, buf.String(), "nvstream_submitted_words_total 7")
}

func TestExporterHandler(t *testing.T) {
	m := NewMetrics("test")
	m.RecordAllocation(10)
	e := NewExporter(zaptest.NewLogger(t), m, "127.0.0.1:0")

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_allocations_total 1")

	rec = httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "OK", rec.Body.String())
}

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	RecordSession("completed", 3*time.Second)
	RecordMessageSent("measure_started")
	RecordMessageSent("measure_started")
	RecordStoreError("postgres")

	if got := testutil.ToFloat64(messagesSent.WithLabelValues("measure_started")); got < 2 {
		t.Fatalf("expected at least 2 measure_started, got %v", got)
	}
	if got := testutil.ToFloat64(sessions.WithLabelValues("completed")); got < 1 {
		t.Fatalf("expected completed session, got %v", got)
	}
}

package observability

import (
	"testing"
	"time"

	"github.com/danmuck/p2pnet/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	SetPeers("127.0.0.1:9000", "inbound", 2)
	RecordFrame("127.0.0.1:9000", "sent", 5)
	RecordHandshakeFailure("127.0.0.1:9000", "outbound")
	RecordSendError("127.0.0.1:9000")
	RecordEvent("127.0.0.1:9000", "message_received")
	RecordHTTPRequest("127.0.0.1:9000", "GET", "/health", 200, 12*time.Millisecond)

	if got := testutil.ToFloat64(peersGauge.WithLabelValues("127.0.0.1:9000", "inbound")); got != 2 {
		t.Fatalf("unexpected peers gauge: %v", got)
	}
	if got := testutil.ToFloat64(bytesTotal.WithLabelValues("127.0.0.1:9000", "sent")); got < 5 {
		t.Fatalf("unexpected payload bytes: %v", got)
	}
}

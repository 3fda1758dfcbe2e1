package observability

import (
	"testing"

	"github.com/danmuck/edgebus/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordFrameSent("tcp", "send")
	RecordFrameReceived("tcp", "message")
	RecordReplyOutcome("tcp", OutcomeTimeout)
	RecordReconnect("websocket", 1.5)
	RecordStateTransition("websocket", "OPEN")

	before := testutil.ToFloat64(unhandledFrames.WithLabelValues("tcp", "message"))
	RecordUnhandled("tcp", "message")
	after := testutil.ToFloat64(unhandledFrames.WithLabelValues("tcp", "message"))
	if after-before != 1 {
		t.Fatalf("unhandled counter delta: got=%v", after-before)
	}
}

func TestLoggerCarriesComponent(t *testing.T) {
	testlog.Start(t)
	logger := Logger("eventbus")
	logger.Debug().Msg("component logger ready")
}

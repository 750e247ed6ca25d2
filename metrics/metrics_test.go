package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTransferCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.TransferStarted("voice")
	m.TransferStarted("voice")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TransfersInFlight.WithLabelValues("voice")))

	m.TransferSettled("voice", nil, time.Second)
	m.TransferSettled("voice", errors.New("boom"), time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.TransfersInFlight.WithLabelValues("voice")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransfersTotal.WithLabelValues("voice", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransfersTotal.WithLabelValues("voice", "error")))
}

func TestAppointmentAndBridge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.AppointmentOp("refresh", nil)
	m.BridgeRequest("/api/state", 200)
	m.BridgeRequest("/api/upload", 400)
	m.ClientConnected()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AppointmentOps.WithLabelValues("refresh", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeRequests.WithLabelValues("/api/upload", "4xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeClients))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TransferStarted("text")
		m.TransferSettled("text", nil, 0)
		m.RecordingStarted()
		m.RecordingDenied()
		m.RecordingFinalized(time.Second, 10)
		m.ArchiveWrite(nil)
		m.AppointmentOp("create", nil)
		m.ClientConnected()
		m.ClientDisconnected()
		m.BridgeRequest("/", 200)
	})
}

func TestRegistersOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) }, "duplicate registration on the same registry")
}

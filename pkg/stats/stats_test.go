package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilTransferIsNoOp(t *testing.T) {
	var tr *Transfer
	// Must not panic
	tr.Sent("DATA")
	tr.Received("RR")
	tr.Retransmit("srej")
	tr.Timeout()
	tr.Discard()
	tr.FileBytes(100)
	tr.Session()
}

func TestCountersAccumulate(t *testing.T) {
	tr := NewTransfer()
	reg := prometheus.NewRegistry()
	assert.Nil(t, tr.Register(reg))

	tr.Sent("DATA")
	tr.Sent("DATA")
	tr.Sent("EOF")
	tr.Retransmit("timeout")
	tr.FileBytes(256)

	assert.EqualValues(t, 2, testutil.ToFloat64(tr.packetsSent.WithLabelValues("DATA")))
	assert.EqualValues(t, 1, testutil.ToFloat64(tr.packetsSent.WithLabelValues("EOF")))
	assert.EqualValues(t, 1, testutil.ToFloat64(tr.retransmits.WithLabelValues("timeout")))
	assert.EqualValues(t, 256, testutil.ToFloat64(tr.fileBytes))
}

func TestRegisterTwiceFails(t *testing.T) {
	tr := NewTransfer()
	reg := prometheus.NewRegistry()
	assert.Nil(t, tr.Register(reg))
	assert.NotNil(t, tr.Register(reg))
}

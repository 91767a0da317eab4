// Package stats collects per transfer counters as prometheus metrics.
// A nil *Transfer is a valid no-op collector, so the state machines can
// record unconditionally and the caller decides whether anything is kept.
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Transfer struct {
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	retransmits     *prometheus.CounterVec
	timeouts        prometheus.Counter
	discarded       prometheus.Counter
	fileBytes       prometheus.Counter
	sessions        prometheus.Counter
}

// NewTransfer builds an unregistered counter set. Call Register to expose
// it on a prometheus registry.
func NewTransfer() *Transfer {
	return &Transfer{
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rcopy", Name: "packets_sent_total",
			Help: "Datagrams handed to the transport, by flag.",
		}, []string{"flag"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rcopy", Name: "packets_received_total",
			Help: "Valid datagrams received, by flag.",
		}, []string{"flag"}),
		retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rcopy", Name: "retransmits_total",
			Help: "Data packets sent again, by cause (srej or timeout).",
		}, []string{"cause"}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rcopy", Name: "timeouts_total",
			Help: "Readiness waits that expired.",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rcopy", Name: "discarded_packets_total",
			Help: "Datagrams dropped for bad checksum, truncation or unknown flag.",
		}),
		fileBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rcopy", Name: "file_bytes_total",
			Help: "File payload bytes moved (read on the sender, written on the receiver).",
		}),
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rcopy", Name: "sessions_total",
			Help: "Transfer sessions started.",
		}),
	}
}

func (t *Transfer) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		t.packetsSent, t.packetsReceived, t.retransmits,
		t.timeouts, t.discarded, t.fileBytes, t.sessions,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transfer) Sent(flag string) {
	if t != nil {
		t.packetsSent.WithLabelValues(flag).Inc()
	}
}

func (t *Transfer) Received(flag string) {
	if t != nil {
		t.packetsReceived.WithLabelValues(flag).Inc()
	}
}

func (t *Transfer) Retransmit(cause string) {
	if t != nil {
		t.retransmits.WithLabelValues(cause).Inc()
	}
}

func (t *Transfer) Timeout() {
	if t != nil {
		t.timeouts.Inc()
	}
}

func (t *Transfer) Discard() {
	if t != nil {
		t.discarded.Inc()
	}
}

func (t *Transfer) FileBytes(n int) {
	if t != nil {
		t.fileBytes.Add(float64(n))
	}
}

func (t *Transfer) Session() {
	if t != nil {
		t.sessions.Inc()
	}
}

// Serve exposes reg on addr under /metrics. Blocks, callers run it in a
// goroutine.
func Serve(addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}

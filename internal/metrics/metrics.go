// Package metrics exposes daemon counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/call"
)

const namespace = "parley"

// Metrics holds the daemon's collectors in a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	eventsApplied   *prometheus.CounterVec
	outbound        *prometheus.CounterVec
	resyncs         *prometheus.CounterVec
	busDrops        *prometheus.CounterVec
	uploads         *prometheus.CounterVec
	callTransitions *prometheus.CounterVec
}

// New registers every collector, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_applied_total",
			Help:      "Inbound push events applied to the bound conversation.",
		}, []string{"kind"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "requests_total",
			Help:      "Outbound requests by operation and result code.",
		}, []string{"op", "code"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "resyncs_total",
			Help:      "Full resyncs of the bound conversation.",
		}, []string{"result"}),
		busDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dropped_events_total",
			Help:      "Events dropped because a subscriber was too slow.",
		}, []string{"kind"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "files_total",
			Help:      "Attachment uploads by outcome.",
		}, []string{"result"}),
		callTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "transitions_total",
			Help:      "Call state transitions.",
		}, []string{"from", "to"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsApplied,
		m.outbound,
		m.resyncs,
		m.busDrops,
		m.uploads,
		m.callTransitions,
	)
	return m
}

func (m *Metrics) EventApplied(kind string) {
	m.eventsApplied.WithLabelValues(kind).Inc()
}

func (m *Metrics) Outbound(op string, err error) {
	code := "OK"
	if err != nil {
		code = string(apperr.CodeOf(err))
	}
	m.outbound.WithLabelValues(op, code).Inc()
}

func (m *Metrics) Resync(err error) {
	m.resyncs.WithLabelValues(result(err == nil)).Inc()
}

func (m *Metrics) BusDropped(kind string) {
	m.busDrops.WithLabelValues(kind).Inc()
}

func (m *Metrics) Upload(ok bool) {
	m.uploads.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) CallTransition(from, to call.Status) {
	m.callTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// Package gmetrics contains the Prometheus metrics of a gsubnet node.
//
// A nil *Metrics is valid and records nothing,
// so components may be constructed without metrics in tests.
package gmetrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gsubnet"

type Metrics struct {
	reg *prometheus.Registry

	committedHeight prometheus.Gauge
	txs             *prometheus.CounterVec
	rejectedTxs     *prometheus.CounterVec

	pollFailures   prometheus.Counter
	votesSubmitted prometheus.Counter
	agreedEnd      prometheus.Gauge
	equivocations  prometheus.Counter

	checkpointsCreated    prometheus.Counter
	certificatesCreated   prometheus.Counter
	certificatesSubmitted prometheus.Counter
	submitFailures        prometheus.Counter
}

// New returns metrics registered on a fresh registry,
// together with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,

		committedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "committed_height",
			Help: "Height of the latest committed block.",
		}),
		txs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "txs_total",
			Help: "Finalized transactions by kind and result code.",
		}, []string{"kind", "code"}),
		rejectedTxs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejected_txs_total",
			Help: "Transactions rejected at admission, by kind.",
		}, []string{"kind"}),

		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "topdown", Name: "poll_failures_total",
			Help: "Parent polls that failed or timed out; the validator abstained.",
		}),
		votesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "topdown", Name: "votes_submitted_total",
			Help: "Observation votes submitted to admission.",
		}),
		agreedEnd: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "topdown", Name: "agreed_end",
			Help: "Exclusive parent height end of the last agreed observation.",
		}),
		equivocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "topdown", Name: "equivocations_total",
			Help: "Conflicting observation votes recorded as faults.",
		}),

		checkpointsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bottomup", Name: "checkpoints_total",
			Help: "Bottom-up checkpoints created.",
		}),
		certificatesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bottomup", Name: "certificates_total",
			Help: "Checkpoint certificates assembled.",
		}),
		certificatesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bottomup", Name: "certificates_submitted_total",
			Help: "Checkpoint certificates handed to the parent submitter.",
		}),
		submitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bottomup", Name: "submit_failures_total",
			Help: "Failed certificate submission attempts.",
		}),
	}

	reg.MustRegister(
		m.committedHeight, m.txs, m.rejectedTxs,
		m.pollFailures, m.votesSubmitted, m.agreedEnd, m.equivocations,
		m.checkpointsCreated, m.certificatesCreated, m.certificatesSubmitted, m.submitFailures,
	)
	return m
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Committed(height uint64) {
	if m == nil {
		return
	}
	m.committedHeight.Set(float64(height))
}

func (m *Metrics) TxFinalized(kind string, code uint32) {
	if m == nil {
		return
	}
	m.txs.WithLabelValues(kind, strconv.FormatUint(uint64(code), 10)).Inc()
}

func (m *Metrics) TxRejected(kind string) {
	if m == nil {
		return
	}
	m.rejectedTxs.WithLabelValues(kind).Inc()
}

func (m *Metrics) PollFailed() {
	if m == nil {
		return
	}
	m.pollFailures.Inc()
}

func (m *Metrics) VoteSubmitted() {
	if m == nil {
		return
	}
	m.votesSubmitted.Inc()
}

func (m *Metrics) Agreed(end uint64) {
	if m == nil {
		return
	}
	m.agreedEnd.Set(float64(end))
}

func (m *Metrics) Equivocation() {
	if m == nil {
		return
	}
	m.equivocations.Inc()
}

func (m *Metrics) CheckpointCreated() {
	if m == nil {
		return
	}
	m.checkpointsCreated.Inc()
}

func (m *Metrics) CertificateCreated() {
	if m == nil {
		return
	}
	m.certificatesCreated.Inc()
}

func (m *Metrics) CertificateSubmitted() {
	if m == nil {
		return
	}
	m.certificatesSubmitted.Inc()
}

func (m *Metrics) SubmitFailed() {
	if m == nil {
		return
	}
	m.submitFailures.Inc()
}

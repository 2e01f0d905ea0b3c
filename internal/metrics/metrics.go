// Package metrics defines the Prometheus instruments shared by the agent's
// monitors, reporting client, and firewall helper.
//
// # Metric catalogue
//
//	decoyverse_honeytoken_alerts_total{severity,action} – counter: honeytoken alerts built
//	decoyverse_network_observations_total{result}       – counter: connections scored (reported|below_threshold)
//	decoyverse_ml_consults_total{result}                – counter: ML calls (ok|fallback)
//	decoyverse_backend_requests_total{endpoint,status}  – counter: backend calls by outcome
//	decoyverse_block_transitions_total{transition}      – counter: enqueued|applied|failed|removed
//	decoyverse_monitored_files                          – gauge:   honeytokens currently watched
//	decoyverse_outbox_depth                             – gauge:   undelivered events in the outbox
//
// Every method is safe on a nil *Metrics, so components can be built without
// instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "decoyverse"

// Metrics holds all registered instruments.
type Metrics struct {
	registry prometheus.Gatherer

	honeytokenAlerts    *prometheus.CounterVec
	networkObservations *prometheus.CounterVec
	mlConsults          *prometheus.CounterVec
	backendRequests     *prometheus.CounterVec
	blockTransitions    *prometheus.CounterVec
	monitoredFiles      prometheus.Gauge
	outboxDepth         prometheus.Gauge
}

// New creates the instruments and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		honeytokenAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "honeytoken_alerts_total",
			Help:      "Honeytoken access alerts built, by severity and action.",
		}, []string{"severity", "action"}),
		networkObservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "network_observations_total",
			Help:      "Non-standard outbound connections scored, by reporting outcome.",
		}, []string{"result"}),
		mlConsults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ml_consults_total",
			Help:      "ML risk scorer calls, by outcome.",
		}, []string{"result"}),
		backendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Backend HTTP calls, by endpoint and outcome.",
		}, []string{"endpoint", "status"}),
		blockTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_transitions_total",
			Help:      "Block request queue transitions.",
		}, []string{"transition"}),
		monitoredFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitored_files",
			Help:      "Honeytoken files currently monitored.",
		}),
		outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Events waiting in the local outbox for redelivery.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		m.honeytokenAlerts,
		m.networkObservations,
		m.mlConsults,
		m.backendRequests,
		m.blockTransitions,
		m.monitoredFiles,
		m.outboxDepth,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

func (m *Metrics) HoneytokenAlert(severity, action string) {
	if m != nil {
		m.honeytokenAlerts.WithLabelValues(severity, action).Inc()
	}
}

func (m *Metrics) NetworkObservation(reported bool) {
	if m == nil {
		return
	}
	result := "below_threshold"
	if reported {
		result = "reported"
	}
	m.networkObservations.WithLabelValues(result).Inc()
}

func (m *Metrics) MLConsult(ok bool) {
	if m == nil {
		return
	}
	result := "fallback"
	if ok {
		result = "ok"
	}
	m.mlConsults.WithLabelValues(result).Inc()
}

func (m *Metrics) BackendRequest(endpoint, status string) {
	if m != nil {
		m.backendRequests.WithLabelValues(endpoint, status).Inc()
	}
}

func (m *Metrics) BlockTransition(transition string) {
	if m != nil {
		m.blockTransitions.WithLabelValues(transition).Inc()
	}
}

func (m *Metrics) SetMonitoredFiles(n int) {
	if m != nil {
		m.monitoredFiles.Set(float64(n))
	}
}

func (m *Metrics) SetOutboxDepth(n int) {
	if m != nil {
		m.outboxDepth.Set(float64(n))
	}
}

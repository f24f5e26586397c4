// Package metrics holds the Prometheus collectors for the control plane.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jardesigner/jardesigner/internal/events"
	"github.com/jardesigner/jardesigner/internal/version"
)

const namespace = "jardesigner"

// Relay sources for DataRelayed.
const (
	SourceHTTP = "http"
	SourceMQTT = "mqtt"
)

// Metrics groups every collector the server exports.
type Metrics struct {
	runsLaunched      prometheus.Counter
	runsTerminated    prometheus.Counter
	runsActive        prometheus.Gauge
	launchFailures    prometheus.Counter
	commandsForwarded *prometheus.CounterVec
	dataRelayed       *prometheus.CounterVec
	wsClients         prometheus.Gauge
	uploads           prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	started := time.Now()
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	constLabels := prometheus.Labels{"instance": hostname, "version": version.Version}

	m := &Metrics{
		runsLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_launched_total",
			Help:        "Number of simulator processes started",
			ConstLabels: constLabels,
		}),
		runsTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_terminated_total",
			Help:        "Number of runs removed by reset, disconnect, supersession or shutdown",
			ConstLabels: constLabels,
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "runs_active",
			Help:        "Number of runs currently held in the registry",
			ConstLabels: constLabels,
		}),
		launchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "launch_failures_total",
			Help:        "Number of launches that failed to write a config or spawn",
			ConstLabels: constLabels,
		}),
		commandsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_forwarded_total",
			Help:        "Commands addressed to runs, by result (delivered or dropped)",
			ConstLabels: constLabels,
		}, []string{"result"}),
		dataRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "data_relayed_total",
			Help:        "Simulator data payloads relayed to channel subscribers, by ingress",
			ConstLabels: constLabels,
		}, []string{"source"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_clients",
			Help:        "Number of active realtime connections",
			ConstLabels: constLabels,
		}),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "uploads_total",
			Help:        "Number of files staged through upload",
			ConstLabels: constLabels,
		}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "uptime_seconds",
		Help:        "Number of seconds since the server started",
		ConstLabels: constLabels,
	}, func() float64 { return time.Since(started).Seconds() })

	emitted := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "events_emitted_total",
		Help:        "Number of lifecycle events recorded since the server started",
		ConstLabels: constLabels,
	}, func() float64 { return float64(events.TotalCount()) })

	reg.MustRegister(
		m.runsLaunched, m.runsTerminated, m.runsActive, m.launchFailures,
		m.commandsForwarded, m.dataRelayed, m.wsClients, m.uploads, uptime, emitted,
	)
	return m
}

// NewDefault registers the collectors plus the Go and process collectors on
// a fresh registry and returns both.
func NewDefault() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return New(reg), reg
}

func (m *Metrics) RunLaunched() {
	if m == nil {
		return
	}
	m.runsLaunched.Inc()
	m.runsActive.Inc()
}

func (m *Metrics) RunTerminated() {
	if m == nil {
		return
	}
	m.runsTerminated.Inc()
	m.runsActive.Dec()
}

func (m *Metrics) LaunchFailed() {
	if m == nil {
		return
	}
	m.launchFailures.Inc()
}

func (m *Metrics) CommandForwarded(delivered bool) {
	if m == nil {
		return
	}
	result := "dropped"
	if delivered {
		result = "delivered"
	}
	m.commandsForwarded.WithLabelValues(result).Inc()
}

func (m *Metrics) DataRelayed(source string) {
	if m == nil {
		return
	}
	m.dataRelayed.WithLabelValues(source).Inc()
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.wsClients.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.wsClients.Dec()
}

func (m *Metrics) FileUploaded() {
	if m == nil {
		return
	}
	m.uploads.Inc()
}

package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	Registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Installer metrics
	InstallsTotal *prometheus.CounterVec

	// Sandbox metrics
	InvocationsTotal   *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
	SandboxesLive      prometheus.Gauge
	SandboxesBuilt     prometheus.Counter

	// Bridge metrics
	BridgeCalls    *prometheus.CounterVec
	BridgeRejected *prometheus.CounterVec

	// Update metrics
	UpdateChecks   prometheus.Counter
	UpdatesApplied prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge

	Uptime    prometheus.GaugeFunc
	startTime time.Time
}

// NewMetrics creates collectors on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewMetricsWith(reg)
}

// NewMetricsWith creates collectors on reg
func NewMetricsWith(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		Registry:  reg,
		startTime: time.Now(),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streambox_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "streambox_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),

		InstallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streambox_installs_total",
				Help: "Install and update pipeline runs",
			},
			[]string{"operation", "outcome"},
		),

		InvocationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streambox_invocations_total",
				Help: "Extension operation invocations",
			},
			[]string{"extension", "operation", "outcome"},
		),
		InvocationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "streambox_invocation_duration_seconds",
				Help:    "Extension operation duration in seconds",
				Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"extension", "operation"},
		),
		SandboxesLive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "streambox_sandboxes_live",
				Help: "Sandboxes currently cached by the pool",
			},
		),
		SandboxesBuilt: f.NewCounter(
			prometheus.CounterOpts{
				Name: "streambox_sandboxes_built_total",
				Help: "Sandboxes constructed by the pool",
			},
		),

		BridgeCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streambox_bridge_calls_total",
				Help: "Network calls made by extensions",
			},
			[]string{"extension", "function", "outcome"},
		),
		BridgeRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streambox_bridge_rejected_total",
				Help: "Network calls refused before leaving the host",
			},
			[]string{"extension", "reason"},
		),

		UpdateChecks: f.NewCounter(
			prometheus.CounterOpts{
				Name: "streambox_update_checks_total",
				Help: "Completed update check runs",
			},
		),
		UpdatesApplied: f.NewCounter(
			prometheus.CounterOpts{
				Name: "streambox_updates_applied_total",
				Help: "Extensions updated by update checks",
			},
		),

		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "streambox_ws_connections",
				Help: "Open list watch connections",
			},
		),
	}

	m.Uptime = f.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "streambox_uptime_seconds",
			Help: "Process uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordInstall records an install or update pipeline outcome
func (m *Metrics) RecordInstall(operation, outcome string) {
	if m == nil {
		return
	}
	m.InstallsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordInvocation records an extension invocation
func (m *Metrics) RecordInvocation(extension, operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.InvocationsTotal.WithLabelValues(extension, operation, outcome).Inc()
	m.InvocationDuration.WithLabelValues(extension, operation).Observe(duration.Seconds())
}

// SetSandboxesLive sets the live sandbox gauge
func (m *Metrics) SetSandboxesLive(n int) {
	if m == nil {
		return
	}
	m.SandboxesLive.Set(float64(n))
}

// IncSandboxesBuilt counts a constructed sandbox
func (m *Metrics) IncSandboxesBuilt() {
	if m == nil {
		return
	}
	m.SandboxesBuilt.Inc()
}

// RecordBridgeCall records an outbound extension request
func (m *Metrics) RecordBridgeCall(extension, function, outcome string) {
	if m == nil {
		return
	}
	m.BridgeCalls.WithLabelValues(extension, function, outcome).Inc()
}

// RecordBridgeRejected records a request refused by policy
func (m *Metrics) RecordBridgeRejected(extension, reason string) {
	if m == nil {
		return
	}
	m.BridgeRejected.WithLabelValues(extension, reason).Inc()
}

// RecordUpdateCheck records a completed check run and its applied updates
func (m *Metrics) RecordUpdateCheck(applied int) {
	if m == nil {
		return
	}
	m.UpdateChecks.Inc()
	m.UpdatesApplied.Add(float64(applied))
}

// WSOpened tracks a new watch connection
func (m *Metrics) WSOpened() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// WSClosed tracks a closed watch connection
func (m *Metrics) WSClosed() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

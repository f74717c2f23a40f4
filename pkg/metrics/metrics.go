package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AcsMetrics holds all metrics for the ACS server
type AcsMetrics struct {
	// Common metrics
	ServiceInfo     *prometheus.GaugeVec
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec

	// CWMP metrics
	CWMPMessagesTotal  *prometheus.CounterVec
	CWMPActiveSessions prometheus.Gauge
	CWMPCommandsQueued *prometheus.CounterVec

	// USP metrics
	USPMessagesTotal   *prometheus.CounterVec
	USPDispatchesTotal *prometheus.CounterVec

	// Lifecycle metrics
	DevicesRegistered prometheus.Counter
	TaskTransitions   *prometheus.CounterVec
	WatchdogRecovered *prometheus.CounterVec
}

// New creates and registers the ACS metrics set
func New(serviceName string) *AcsMetrics {
	m := &AcsMetrics{
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "evoacs_service_info",
				Help: "Information about the EvoACS service",
			},
			[]string{"service", "version", "build_time"},
		),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evoacs_requests_total",
				Help: "Total number of HTTP requests processed",
			},
			[]string{"service", "method", "endpoint", "status"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evoacs_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "method", "endpoint"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evoacs_errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "error"},
		),

		CWMPMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evoacs_cwmp_messages_total",
				Help: "Total number of CWMP messages processed",
			},
			[]string{"service", "message_type", "direction"},
		),

		CWMPActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "evoacs_cwmp_active_sessions",
				Help: "Number of active TR-069 sessions",
			},
		),

		CWMPCommandsQueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evoacs_cwmp_commands_queued_total",
				Help: "Total number of commands queued into TR-069 sessions",
			},
			[]string{"service", "kind", "command_type"},
		),

		USPMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evoacs_usp_messages_total",
				Help: "Total number of USP messages processed",
			},
			[]string{"service", "version", "message_type", "transport"},
		),

		USPDispatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evoacs_usp_dispatches_total",
				Help: "Total number of USP operations dispatched by transport",
			},
			[]string{"service", "operation", "transport", "status"},
		),

		DevicesRegistered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "evoacs_devices_registered_total",
				Help: "Total number of devices auto-registered",
			},
		),

		TaskTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evoacs_task_transitions_total",
				Help: "Total number of task/command state transitions",
			},
			[]string{"service", "kind", "to_status"},
		),

		WatchdogRecovered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evoacs_watchdog_recovered_total",
				Help: "Total number of stuck commands handled by the watchdog",
			},
			[]string{"service", "outcome"},
		),
	}

	prometheus.MustRegister(
		m.ServiceInfo,
		m.RequestsTotal,
		m.RequestDuration,
		m.ErrorsTotal,
		m.CWMPMessagesTotal,
		m.CWMPActiveSessions,
		m.CWMPCommandsQueued,
		m.USPMessagesTotal,
		m.USPDispatchesTotal,
		m.DevicesRegistered,
		m.TaskTransitions,
		m.WatchdogRecovered,
	)

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", time.Now().Format("2006-01-02T15:04:05Z")).Set(1)

	return m
}

// HTTPHandler returns the Prometheus HTTP handler
func HTTPHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func (m *AcsMetrics) RecordHTTPRequest(service, method, endpoint, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, endpoint).Observe(duration.Seconds())
}

// RecordCWMPMessage records CWMP message metrics
func (m *AcsMetrics) RecordCWMPMessage(service, messageType, direction string) {
	m.CWMPMessagesTotal.WithLabelValues(service, messageType, direction).Inc()
}

// RecordUSPMessage records USP message metrics
func (m *AcsMetrics) RecordUSPMessage(service, version, messageType, transport string) {
	m.USPMessagesTotal.WithLabelValues(service, version, messageType, transport).Inc()
}

// RecordUSPDispatch records a transport dispatch outcome
func (m *AcsMetrics) RecordUSPDispatch(service, operation, transport, status string) {
	m.USPDispatchesTotal.WithLabelValues(service, operation, transport, status).Inc()
}

// RecordTaskTransition records a task/command state transition
func (m *AcsMetrics) RecordTaskTransition(service, kind, toStatus string) {
	m.TaskTransitions.WithLabelValues(service, kind, toStatus).Inc()
}

// RecordWatchdogOutcome records a watchdog recovery outcome (requeued, failed)
func (m *AcsMetrics) RecordWatchdogOutcome(service, outcome string) {
	m.WatchdogRecovered.WithLabelValues(service, outcome).Inc()
}

// RecordError records general error metrics
func (m *AcsMetrics) RecordError(service, errorType, errorName string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, errorName).Inc()
}

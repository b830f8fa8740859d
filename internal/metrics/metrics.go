package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "watermeter"

// Metrics holds the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	readings         prometheus.Counter
	consumption      prometheus.Counter
	commandsEnqueued *prometheus.CounterVec
	commandStatus    *prometheus.CounterVec
	alertsRaised     *prometheus.CounterVec
	webhookOutcomes  *prometheus.CounterVec
	registrations    *prometheus.CounterVec
}

// New creates and registers every collector on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_ingested_total",
			Help:      "Meter readings accepted.",
		}),
		consumption: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumption_volume_total",
			Help:      "Volume debited across all meters.",
		}),
		commandsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_enqueued_total",
			Help:      "Commands enqueued by type and priority.",
		}, []string{"type", "priority"}),
		commandStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_transitions_total",
			Help:      "Command state transitions by resulting status.",
		}, []string{"status"}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Alerts created by type.",
		}, []string{"type"}),
		webhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_outcomes_total",
			Help:      "Webhook processing outcomes by gateway.",
		}, []string{"gateway", "outcome"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_registrations_total",
			Help:      "Device registrations by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.readings,
		m.consumption,
		m.commandsEnqueued,
		m.commandStatus,
		m.alertsRaised,
		m.webhookOutcomes,
		m.registrations,
	)
	return m
}

// Handler exposes the registry for scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ReadingIngested(consumption float64) {
	if m == nil {
		return
	}
	m.readings.Inc()
	if consumption > 0 {
		m.consumption.Add(consumption)
	}
}

func (m *Metrics) CommandEnqueued(commandType, priority string) {
	if m == nil {
		return
	}
	m.commandsEnqueued.WithLabelValues(commandType, priority).Inc()
}

func (m *Metrics) CommandTransition(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.commandStatus.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) AlertRaised(alertType string) {
	if m == nil {
		return
	}
	m.alertsRaised.WithLabelValues(alertType).Inc()
}

func (m *Metrics) WebhookOutcome(gateway, outcome string) {
	if m == nil {
		return
	}
	m.webhookOutcomes.WithLabelValues(gateway, outcome).Inc()
}

func (m *Metrics) Registration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

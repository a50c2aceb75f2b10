// Package metrics provides Prometheus metrics for the QQ gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	ConnectsTotal     *prometheus.CounterVec
	ReconnectsTotal   *prometheus.CounterVec
	Connected         *prometheus.GaugeVec
	InboundEvents     *prometheus.CounterVec
	LastEventTS       *prometheus.GaugeVec
	QueueDropped      *prometheus.CounterVec
	OutboundTotal     *prometheus.CounterVec
	SendDuration      *prometheus.HistogramVec
	TokenRefreshTotal *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ConnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qqgateway_connects_total",
				Help: "Total gateway connection attempts by account and result.",
			},
			[]string{"account", "result"},
		),
		ReconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qqgateway_reconnects_total",
				Help: "Total scheduled reconnects by account and trigger.",
			},
			[]string{"account", "trigger"},
		),
		Connected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qqgateway_connected",
				Help: "1 while the account's gateway session is open.",
			},
			[]string{"account"},
		),
		InboundEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qqgateway_inbound_events_total",
				Help: "Inbound dispatch events by account and kind.",
			},
			[]string{"account", "kind"},
		),
		LastEventTS: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qqgateway_last_event_timestamp_seconds",
				Help: "Unix time of the account's most recent inbound dispatch event.",
			},
			[]string{"account"},
		),
		QueueDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qqgateway_queue_dropped_total",
				Help: "Inbound events dropped because the queue was full.",
			},
			[]string{"account"},
		),
		OutboundTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qqgateway_outbound_total",
				Help: "Outbound messages by account, route, and outcome.",
			},
			[]string{"account", "route", "outcome"},
		),
		SendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qqgateway_send_duration_seconds",
				Help:    "Outbound REST send duration by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		TokenRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qqgateway_token_refresh_total",
				Help: "Access token fetches by account and result.",
			},
			[]string{"account", "result"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qqgateway_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.ConnectsTotal)
	reg.MustRegister(m.ReconnectsTotal)
	reg.MustRegister(m.Connected)
	reg.MustRegister(m.InboundEvents)
	reg.MustRegister(m.LastEventTS)
	reg.MustRegister(m.QueueDropped)
	reg.MustRegister(m.OutboundTotal)
	reg.MustRegister(m.SendDuration)
	reg.MustRegister(m.TokenRefreshTotal)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordConnect increments the connect counter.
func (m *Metrics) RecordConnect(account, result string) {
	m.ConnectsTotal.WithLabelValues(account, result).Inc()
}

// RecordReconnect increments the reconnect counter.
func (m *Metrics) RecordReconnect(account, trigger string) {
	m.ReconnectsTotal.WithLabelValues(account, trigger).Inc()
}

// SetConnected flips the per-account connected gauge.
func (m *Metrics) SetConnected(account string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	m.Connected.WithLabelValues(account).Set(v)
}

// RecordInbound increments the inbound event counter and marks the
// account's last-event timestamp.
func (m *Metrics) RecordInbound(account, kind string) {
	m.InboundEvents.WithLabelValues(account, kind).Inc()
	m.LastEventTS.WithLabelValues(account).SetToCurrentTime()
}

// RecordQueueDrop increments the queue drop counter.
func (m *Metrics) RecordQueueDrop(account string) {
	m.QueueDropped.WithLabelValues(account).Inc()
}

// RecordOutbound increments the outbound counter.
func (m *Metrics) RecordOutbound(account, route, outcome string) {
	m.OutboundTotal.WithLabelValues(account, route, outcome).Inc()
}

// ObserveSendDuration records an outbound send duration.
func (m *Metrics) ObserveSendDuration(route string, seconds float64) {
	m.SendDuration.WithLabelValues(route).Observe(seconds)
}

// RecordTokenRefresh increments the token fetch counter.
func (m *Metrics) RecordTokenRefresh(account, result string) {
	m.TokenRefreshTotal.WithLabelValues(account, result).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}

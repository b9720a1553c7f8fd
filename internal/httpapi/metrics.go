package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus collectors for the HTTP API and delivery path.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	rateLimited          prometheus.Counter
	providerSends        *prometheus.CounterVec
	broadcastRecipients  prometheus.Histogram
	broadcastNotified    prometheus.Counter
	broadcastsSuppressed prometheus.Counter
	webhookUpdates       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pollcast",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pollcast",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pollcast",
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		providerSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pollcast",
			Name:      "provider_sends_total",
			Help:      "Messaging provider sends by kind and result",
		}, []string{"kind", "result"}),
		broadcastRecipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pollcast",
			Name:      "broadcast_recipients",
			Help:      "Recipients resolved per broadcast",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		broadcastNotified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pollcast",
			Name:      "broadcast_notified_total",
			Help:      "Recipients successfully notified by broadcasts",
		}),
		broadcastsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pollcast",
			Name:      "broadcast_suppressed_total",
			Help:      "Broadcasts skipped because the scope cooldown was active",
		}),
		webhookUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pollcast",
			Name:      "webhook_updates_total",
			Help:      "Telegram webhook updates by outcome",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.rateLimited,
		m.providerSends,
		m.broadcastRecipients,
		m.broadcastNotified,
		m.broadcastsSuppressed,
		m.webhookUpdates,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// IncRateLimited increments the rate limit counter.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// IncWebhook counts a webhook update by outcome.
func (m *Metrics) IncWebhook(outcome string) {
	if m == nil {
		return
	}
	m.webhookUpdates.WithLabelValues(outcome).Inc()
}

// ObserveSend counts one provider send.
func (m *Metrics) ObserveSend(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.providerSends.WithLabelValues(kind, result).Inc()
}

// ObserveBroadcast records the fan-out size and how many sends succeeded.
func (m *Metrics) ObserveBroadcast(recipients, notified int) {
	if m == nil {
		return
	}
	m.broadcastRecipients.Observe(float64(recipients))
	m.broadcastNotified.Add(float64(notified))
}

// ObserveSuppressed counts a broadcast dropped by the scope cooldown.
func (m *Metrics) ObserveSuppressed() {
	if m == nil {
		return
	}
	m.broadcastsSuppressed.Inc()
}

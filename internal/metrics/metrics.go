// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	messagesPosted  prometheus.Counter
	chatsCreated    prometheus.Counter
	subscriptions   prometheus.Gauge
	publishFailures prometheus.Counter
}

// New builds a private registry so tests and multiple servers never collide on registration.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "needtotell_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "needtotell_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		messagesPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "needtotell_chat_messages_posted_total",
			Help: "Chat messages stored.",
		}),
		chatsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "needtotell_chats_created_total",
			Help: "Chats created (idempotent repeats excluded).",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "needtotell_realtime_subscriptions",
			Help: "Open realtime chat streams.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "needtotell_realtime_publish_failures_total",
			Help: "Message inserts whose push event could not be published.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.requestDuration,
		m.messagesPosted,
		m.chatsCreated,
		m.subscriptions,
		m.publishFailures,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) MessagePosted() { m.messagesPosted.Inc() }
func (m *Metrics) ChatCreated()   { m.chatsCreated.Inc() }
func (m *Metrics) PublishFailed() { m.publishFailures.Inc() }
func (m *Metrics) StreamOpened()  { m.subscriptions.Inc() }
func (m *Metrics) StreamClosed()  { m.subscriptions.Dec() }

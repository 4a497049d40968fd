// Package metrics exports Prometheus metrics for shape streams and the serve
// mode fan-out.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dgnsrekt/shapesync/internal/stream"
)

const namespace = "shapesync"

// Metrics implements stream.Observer and the fetch retry hook.
type Metrics struct {
	responses       *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	messages        prometheus.Counter
	resets          prometheus.Counter
	retries         prometheus.Counter
	clients         *prometheus.GaugeVec
}

// Compile-time interface verification
var _ stream.Observer = (*Metrics)(nil)

// New registers the metrics with reg. Use prometheus.DefaultRegisterer to
// expose them on the default handler.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Shape responses by mode and HTTP status (0 for transport errors).",
		}, []string{"mode", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time to obtain a shape response, including retries.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"mode"}),
		messages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages delivered to subscribers.",
		}),
		resets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Shape handle conflicts that forced a refetch.",
		}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Failed fetch attempts that were retried with backoff.",
		}),
		clients: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Remote clients following the shape.",
		}, []string{"transport"}),
	}
}

func mode(live bool) string {
	if live {
		return "live"
	}
	return "catchup"
}

func (m *Metrics) ObserveResponse(live bool, status int, elapsed time.Duration) {
	m.responses.WithLabelValues(mode(live), strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(mode(live)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveBatch(n int) {
	m.messages.Add(float64(n))
}

func (m *Metrics) ObserveReset() {
	m.resets.Inc()
}

// FailedAttempt matches fetch.BackoffOptions.OnFailedAttempt.
func (m *Metrics) FailedAttempt(int, error) {
	m.retries.Inc()
}

func (m *Metrics) ClientConnected(transport string) {
	m.clients.WithLabelValues(transport).Inc()
}

func (m *Metrics) ClientDisconnected(transport string) {
	m.clients.WithLabelValues(transport).Dec()
}

package metrics

import (
	"errors"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics tracks outbox relay throughput and backlog.
type RelayMetrics struct {
	published *prometheus.CounterVec
	failures  *prometheus.CounterVec
	backlog   *prometheus.GaugeVec
	consumed  *prometheus.CounterVec
}

var (
	relayMetricsOnce sync.Once
	relayMetrics     *RelayMetrics
)

func Relay() *RelayMetrics {
	return RelayWithConfig(Config{})
}

func RelayWithConfig(cfg Config) *RelayMetrics {
	relayMetricsOnce.Do(func() {
		relayMetrics = newRelayMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return relayMetrics
}

func ResetRelayMetricsForTest() {
	relayMetricsOnce = sync.Once{}
	relayMetrics = nil
}

func newRelayMetrics(registerer prometheus.Registerer, cfg Config) *RelayMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	m := &RelayMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "verdant_outbox_published_total",
			Help:        "Outbox rows confirmed by the broker.",
			ConstLabels: labels,
		}, []string{"partition", "event_type"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "verdant_outbox_publish_failures_total",
			Help:        "Outbox publish attempts that failed and were rescheduled.",
			ConstLabels: labels,
		}, []string{"partition", "event_type"}),
		backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "verdant_outbox_backlog",
			Help:        "Undispatched outbox rows seen on the last poll.",
			ConstLabels: labels,
		}, []string{"partition"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "verdant_integration_events_consumed_total",
			Help:        "Integration events handled by consumers.",
			ConstLabels: labels,
		}, []string{"queue", "outcome"}),
	}

	m.published = registerCounterVec(registerer, m.published)
	m.failures = registerCounterVec(registerer, m.failures)
	m.consumed = registerCounterVec(registerer, m.consumed)
	if err := registerer.Register(m.backlog); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
				m.backlog = existing
			}
		}
	}
	return m
}

func (m *RelayMetrics) IncPublished(partition int, eventType string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(strconv.Itoa(partition), eventType).Inc()
}

func (m *RelayMetrics) IncFailure(partition int, eventType string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(strconv.Itoa(partition), eventType).Inc()
}

func (m *RelayMetrics) SetBacklog(partition int, rows int) {
	if m == nil {
		return
	}
	m.backlog.WithLabelValues(strconv.Itoa(partition)).Set(float64(rows))
}

// IncConsumed records a consumer outcome: ack, requeue or reject.
func (m *RelayMetrics) IncConsumed(queue, outcome string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(queue, outcome).Inc()
}

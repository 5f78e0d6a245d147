package turnserver

import "github.com/prometheus/client_golang/prometheus"

// serverMetrics counts requests the server itself handles, independent
// of the allocation-table gauges the Allocator already exposes.
type serverMetrics interface {
	incSTUNMessages()
	incAuthFailures()
}

type noopMetrics struct{}

func (noopMetrics) incSTUNMessages() {}
func (noopMetrics) incAuthFailures() {}

type promMetrics struct {
	stunMessages prometheus.Counter
	authFailures prometheus.Counter
}

func newPromMetrics(labels prometheus.Labels) *promMetrics {
	return &promMetrics{
		stunMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "turnd_stun_messages_total",
			Help:        "STUN/TURN messages received, excluding ones dropped by the client filter.",
			ConstLabels: labels,
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "turnd_auth_failures_total",
			Help:        "Requests rejected for missing or invalid long-term credentials.",
			ConstLabels: labels,
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *promMetrics) Describe(d chan<- *prometheus.Desc) {
	d <- m.stunMessages.Desc()
	d <- m.authFailures.Desc()
}

// Collect implements prometheus.Collector.
func (m *promMetrics) Collect(c chan<- prometheus.Metric) {
	m.stunMessages.Collect(c)
	m.authFailures.Collect(c)
}

func (m *promMetrics) incSTUNMessages() { m.stunMessages.Inc() }
func (m *promMetrics) incAuthFailures() { m.authFailures.Inc() }

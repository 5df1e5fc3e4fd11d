package precache

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "precache"

var lifecycleStates = []State{StateIdle, StateInstalling, StateInstalled, StateActivating, StateActivated, StateRedundant}

// metrics is nil-safe so components can run without a registry in tests.
type metrics struct {
	registry *prometheus.Registry

	requests           *prometheus.CounterVec
	installs           *prometheus.CounterVec
	generationsDeleted prometheus.Counter
	lifecycleState     *prometheus.GaugeVec
	notifications      *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{registry: prometheus.NewRegistry()}

	m.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests answered by the cache controller",
		},
		[]string{"strategy", "outcome"},
	)
	m.installs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "install_total",
			Help:      "Install attempts by result",
		},
		[]string{"result"},
	)
	m.generationsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "generations_deleted_total",
			Help:      "Stale cache generations removed on activate",
		},
	)
	m.lifecycleState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "lifecycle_state",
			Help:      "1 for the current lifecycle state, 0 otherwise",
		},
		[]string{"state"},
	)
	m.notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_total",
			Help:      "Notification events by kind",
		},
		[]string{"event"},
	)

	m.registry.MustRegister(
		m.requests,
		m.installs,
		m.generationsDeleted,
		m.lifecycleState,
		m.notifications,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeRequest(strategy, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strategy, outcome).Inc()
}

func (m *metrics) observeInstall(result string) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(result).Inc()
}

func (m *metrics) observeGenerationDeleted() {
	if m == nil {
		return
	}
	m.generationsDeleted.Inc()
}

func (m *metrics) setState(cur State) {
	if m == nil {
		return
	}
	for _, st := range lifecycleStates {
		v := 0.0
		if st == cur {
			v = 1
		}
		m.lifecycleState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *metrics) observeNotification(event string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(event).Inc()
}

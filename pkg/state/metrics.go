package state

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the coordination layer.
// A nil *Metrics is valid and records nothing, so metrics stay optional.
type Metrics struct {
	widgetsRegistered   prometheus.Counter
	widgetsDeleted      prometheus.Counter
	connectionsActive   prometheus.Gauge
	eventsPublished     *prometheus.CounterVec
	eventsDropped       prometheus.Counter
	callbackInvocations *prometheus.CounterVec
	sessionsCreated     prometheus.Counter
	localDeliveries     *prometheus.CounterVec
}

// MetricsConfig configures metric registration.
type MetricsConfig struct {
	// Namespace is the metrics namespace.
	// Default: "glint".
	Namespace string

	// Registry is the Prometheus registerer to use.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// NewMetrics registers and returns the coordination-layer collectors.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "glint"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		widgetsRegistered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "widgets_registered_total",
			Help:      "Total widget registrations (including re-registrations)",
		}),
		widgetsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "widgets_deleted_total",
			Help:      "Total explicit widget deletions",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "connections_active",
			Help:      "Live widget connections owned by this worker",
		}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "events_published_total",
			Help:      "Events published, by delivery path",
		}, []string{"path"}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber queue was full",
		}),
		callbackInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "callback_invocations_total",
			Help:      "Callback invocations, by result",
		}, []string{"result"}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "sessions_created_total",
			Help:      "Total user sessions created",
		}),
		localDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "widget_deliveries_total",
			Help:      "SendToWidget deliveries, by route taken",
		}, []string{"route"}),
	}
}

func (m *Metrics) widgetRegistered() {
	if m != nil {
		m.widgetsRegistered.Inc()
	}
}

func (m *Metrics) widgetDeleted() {
	if m != nil {
		m.widgetsDeleted.Inc()
	}
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.connectionsActive.Inc()
	}
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.connectionsActive.Dec()
	}
}

func (m *Metrics) eventPublished(path string) {
	if m != nil {
		m.eventsPublished.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) eventDropped() {
	if m != nil {
		m.eventsDropped.Inc()
	}
}

func (m *Metrics) callbackInvoked(result string) {
	if m != nil {
		m.callbackInvocations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) sessionCreated() {
	if m != nil {
		m.sessionsCreated.Inc()
	}
}

func (m *Metrics) widgetDelivery(route string) {
	if m != nil {
		m.localDeliveries.WithLabelValues(route).Inc()
	}
}

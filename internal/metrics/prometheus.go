// Package metrics exposes the pipeline event sink as Prometheus collectors
// registered under the chatflow namespace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusConfig configures the Prometheus sink.
type PrometheusConfig struct {
	// Namespace is the metrics namespace (default: "chatflow").
	Namespace string

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// PrometheusOption configures the Prometheus sink.
type PrometheusOption func(*PrometheusConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) PrometheusOption {
	return func(c *PrometheusConfig) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) PrometheusOption {
	return func(c *PrometheusConfig) {
		c.Registry = registry
	}
}

// Prometheus is a Sink backed by Prometheus collectors.
type Prometheus struct {
	connectionsOpen  *prometheus.GaugeVec
	connectionsTotal *prometheus.CounterVec
	disconnects      *prometheus.CounterVec
	messagesRouted   *prometheus.CounterVec
	fanout           prometheus.Histogram
	ringFull         *prometheus.CounterVec
	routingErrors    *prometheus.CounterVec
	messagesShed     *prometheus.CounterVec
	degradedSessions prometheus.Gauge
	degradedEpisodes prometheus.Counter
}

// NewPrometheus returns a Sink registering its collectors with the
// configured registry.
func NewPrometheus(opts ...PrometheusOption) *Prometheus {
	cfg := PrometheusConfig{
		Namespace: "chatflow",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Prometheus{
		connectionsOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "connections_open",
			Help:      "Currently open client connections by transport.",
		}, []string{"transport"}),
		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "connections_total",
			Help:      "Total accepted client connections by transport.",
		}, []string{"transport"}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "disconnects_total",
			Help:      "Connection closes by transport and reason.",
		}, []string{"transport", "reason"}),
		messagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "messages_routed_total",
			Help:      "Messages routed by type.",
		}, []string{"type"}),
		fanout: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "route_fanout",
			Help:      "Outbound copies produced per routed message.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
		ringFull: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "ring_full_total",
			Help:      "Backpressure occurrences by ring.",
		}, []string{"ring"}),
		routingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "routing_errors_total",
			Help:      "Routing errors surfaced to senders by code.",
		}, []string{"code"}),
		messagesShed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "messages_shed_total",
			Help:      "Non-critical messages shed from degraded sessions by type.",
		}, []string{"type"}),
		degradedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "degraded_sessions",
			Help:      "Sessions currently in a slow-consumer episode.",
		}),
		degradedEpisodes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "degraded_episodes_total",
			Help:      "Slow-consumer episodes entered.",
		}),
	}
}

func (p *Prometheus) ConnectionOpened(transport string) {
	p.connectionsOpen.WithLabelValues(transport).Inc()
	p.connectionsTotal.WithLabelValues(transport).Inc()
}

func (p *Prometheus) ConnectionClosed(transport, reason string) {
	p.connectionsOpen.WithLabelValues(transport).Dec()
	p.disconnects.WithLabelValues(transport, reason).Inc()
}

func (p *Prometheus) MessageRouted(msgType string, fanout int) {
	p.messagesRouted.WithLabelValues(msgType).Inc()
	p.fanout.Observe(float64(fanout))
}

func (p *Prometheus) RingFull(ring string) {
	p.ringFull.WithLabelValues(ring).Inc()
}

func (p *Prometheus) RoutingError(code string) {
	p.routingErrors.WithLabelValues(code).Inc()
}

func (p *Prometheus) MessageShed(msgType string) {
	p.messagesShed.WithLabelValues(msgType).Inc()
}

func (p *Prometheus) SessionDegraded() {
	p.degradedSessions.Inc()
	p.degradedEpisodes.Inc()
}

func (p *Prometheus) SessionRecovered() {
	p.degradedSessions.Dec()
}

var _ Sink = (*Prometheus)(nil)

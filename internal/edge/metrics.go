package edge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is the edge's prometheus surface, exposed on the internal listener.
type metrics struct {
	requests       *prometheus.CounterVec
	forwardedBytes prometheus.Counter
	activeTunnels  prometheus.GaugeFunc
	sessions       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, registry *Registry) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dvaar_requests_total",
			Help: "Public requests by routing outcome.",
		}, []string{"outcome"}),
		forwardedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "dvaar_forwarded_bytes_total",
			Help: "Response bytes streamed to public clients.",
		}),
		activeTunnels: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "dvaar_active_tunnels",
			Help: "Tunnels currently attached to this node.",
		}, func() float64 { return float64(registry.Len()) }),
		sessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "dvaar_tunnel_sessions_total",
			Help: "Tunnel sessions accepted since start.",
		}),
	}
}

package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PacketsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "ldn_packets_processed_total", Help: "Proxy packets dispatched to a handler"})
	PacketsDroppedTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ldn_packets_dropped_total", Help: "Proxy packets dropped by reason"}, []string{"reason"})
	DispatchQueueDepth    = promauto.NewGauge(prometheus.GaugeOpts{Name: "ldn_dispatch_queue_depth", Help: "Packets waiting in the dispatch queue"})
	ActiveSessions        = promauto.NewGauge(prometheus.GaugeOpts{Name: "ldn_active_sessions", Help: "Registered relay sessions"})
	SessionsRegistered    = promauto.NewCounter(prometheus.CounterOpts{Name: "ldn_sessions_registered_total", Help: "Successful session registrations"})
	SessionsRejected      = promauto.NewCounter(prometheus.CounterOpts{Name: "ldn_sessions_rejected_total", Help: "Registrations rejected for a bad or expired token"})
	NATMappingsActive     = promauto.NewGauge(prometheus.GaugeOpts{Name: "ldn_nat_mappings_active", Help: "Port mappings currently held on the gateway"})
)

// MetricsHandler serves the prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

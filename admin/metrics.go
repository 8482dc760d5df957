package admin

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const metricsContentType = "text/plain; version=0.0.4; charset=utf-8"

// serveMetrics writes controller state in the Prometheus text format.
func (s *Server) serveMetrics(c *gin.Context) {
	snap := s.ctl.Snapshot()
	stats := s.ctl.Stats()

	var processing, queued, connected int
	for _, conn := range snap.Connections {
		if conn.Processing {
			processing++
		}
		if conn.Queued {
			queued++
		}
		if conn.Connected {
			connected++
		}
	}

	var b strings.Builder
	gauge := func(name, help string, v any) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %v\n", name, help, name, name, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
	}

	gauge("srl_connections_total", "Connections in the pool", len(snap.Connections))
	gauge("srl_connections_connected", "Connections whose transport is up", connected)
	gauge("srl_connections_processing", "Connections held by a router", processing)
	gauge("srl_connections_queued", "Connections waiting for a router", queued)
	gauge("srl_active_queue_length", "Length of the active queue", snap.QueueLength)
	gauge("srl_providers_total", "Registered service providers", len(snap.Providers))
	gauge("srl_idle_timeout_seconds", "Default idle connection timeout", s.ctl.IdleConnectionTimeout().Seconds())

	counter("srl_connections_accepted_total", "Connections added to the pool", stats.Accepted)
	counter("srl_connections_enqueued_total", "Connections offered to the routers", stats.Enqueued)
	counter("srl_connections_dispatched_total", "Connections taken by a router", stats.Dispatched)
	counter("srl_connections_reaped_total", "Idle connections reaped", stats.Reaped)
	counter("srl_connections_lost_total", "Connections found disconnected", stats.Lost)
	counter("srl_connections_torn_down_total", "Connections torn down after a routing failure", stats.TornDown)
	counter("srl_connections_destroyed_total", "Connections removed from the pool", stats.Destroyed)
	counter("srl_providers_registered_total", "Provider registrations", stats.ProvidersRegistered)
	counter("srl_providers_unregistered_total", "Provider removals", stats.ProvidersUnregistered)
	counter("srl_interfaces_failed_total", "Communication interfaces dropped after a failed accept", stats.InterfacesFailed)

	b.WriteString("# HELP srl_provider_info Provider to connection binding\n# TYPE srl_provider_info gauge\n")
	for _, p := range snap.Providers {
		fmt.Fprintf(&b, "srl_provider_info{provider=%q,connection=\"%d\"} 1\n", p.Name, p.ConnectionID)
	}

	c.Data(http.StatusOK, metricsContentType, []byte(b.String()))
}

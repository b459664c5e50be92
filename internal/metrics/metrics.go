// Package metrics exposes Prometheus instrumentation for the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palaver_messages_sent_total",
		Help: "Messages accepted by the send path.",
	})

	RefreshesRun = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palaver_feed_refreshes_total",
		Help: "Full history re-fetches performed by feeds.",
	})

	StaleRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palaver_feed_stale_refreshes_total",
		Help: "Refresh completions discarded because a newer one already applied.",
	})

	RefreshErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palaver_feed_refresh_errors_total",
		Help: "History re-fetches that failed.",
	})

	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "palaver_online_users",
		Help: "Users with at least one active connection.",
	})

	PushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palaver_push_failures_total",
		Help: "Web push notifications that could not be delivered.",
	})
)

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the worker engine. Scraped by Prometheus, rendered
// in Grafana alongside the dashboard tier's own metrics.
var (
	InstancesConnectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wa_instances_connected_total",
		Help: "Total number of instances that reached CONNECTED",
	})

	InstancesDisconnectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_instances_disconnected_total",
		Help: "Total number of instance disconnects by classification",
	}, []string{"reason"})

	InstancesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wa_instances_active",
		Help: "Current number of instances with a live Socket Supervisor",
	})

	QRAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wa_qr_attempts_total",
		Help: "Total number of QR pairing payloads emitted",
	})

	BroadcastsCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wa_broadcasts_completed_total",
		Help: "Total number of broadcasts that reached COMPLETED",
	})

	BroadcastsPausedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_broadcasts_paused_total",
		Help: "Total number of times a broadcast was paused, by reason",
	}, []string{"reason"})

	MessagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wa_messages_sent_total",
		Help: "Total number of messages successfully sent",
	})

	MessagesFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_messages_failed_total",
		Help: "Total number of messages marked FAILED, by reason class",
	}, []string{"reason"})

	RateLimitTripsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wa_rate_limit_trips_total",
		Help: "Total number of rate-limit close codes observed",
	})

	CircuitBreakerTripsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wa_circuit_breaker_trips_total",
		Help: "Total number of per-broadcast circuit breaker trips",
	})

	ProcessMemoryMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wa_process_memory_mb",
		Help: "Current resident memory of the engine process, in MB",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wa_goroutines_active",
		Help: "Current number of active goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		InstancesConnectedTotal,
		InstancesDisconnectedTotal,
		InstancesActive,
		QRAttemptsTotal,
		BroadcastsCompletedTotal,
		BroadcastsPausedTotal,
		MessagesSentTotal,
		MessagesFailedTotal,
		RateLimitTripsTotal,
		CircuitBreakerTripsTotal,
		ProcessMemoryMB,
		GoroutinesActive,
	)
}

// Handler returns the Prometheus scrape handler for mounting on a mux.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics holds the Prometheus collectors shared by the control
// plane and the workers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counters
	TasksDispatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "renderfarm_tasks_dispatched_total",
			Help: "Total number of render tasks pushed onto the work queue",
		},
	)

	TasksFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderfarm_tasks_finished_total",
			Help: "Total number of tasks a worker drove to a terminal status",
		},
		[]string{"status"}, // COMPLETE, FAILED, TIMEOUT
	)

	TasksReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "renderfarm_tasks_reclaimed_total",
			Help: "Total number of stale in-progress tasks forced to TIMEOUT by the monitor",
		},
	)

	NodesRentedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "renderfarm_nodes_rented_total",
			Help: "Total number of instances successfully rented",
		},
	)

	OfferRacesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "renderfarm_offer_races_total",
			Help: "Total number of offers lost to another renter",
		},
	)

	NodeTeardownErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "renderfarm_node_teardown_errors_total",
			Help: "Total number of failed instance destroy calls",
		},
	)

	UploadedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "renderfarm_uploaded_bytes_total",
			Help: "Total bytes of render output uploaded to the artifact store",
		},
	)

	// Gauges
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "renderfarm_tasks",
			Help: "Current number of tasks in each status, as of the last monitor poll",
		},
		[]string{"status"},
	)

	NodesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderfarm_nodes_active",
			Help: "Current number of rented instances not yet destroyed",
		},
	)

	WorkerBusySlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderfarm_worker_busy_slots",
			Help: "Render slots currently occupied on this worker",
		},
	)

	// Buckets: 5s to ~1.4h
	RenderDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "renderfarm_render_duration_seconds",
			Help:    "Wall time of one task from claim to terminal status",
			Buckets: prometheus.ExponentialBuckets(5, 2, 11),
		},
		[]string{"status"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	ManagedServers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backplane_managed_servers",
			Help: "Number of attached managed servers by instance group",
		},
		[]string{"group"},
	)

	ControlledManifests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backplane_controlled_manifests",
			Help: "Number of instance and system manifests associated with a managed server",
		},
		[]string{"group", "server"},
	)

	// Synchronization metrics
	SyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backplane_sync_total",
			Help: "Total number of synchronize executions by result",
		},
		[]string{"result"},
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backplane_sync_duration_seconds",
			Help:    "Time taken by one synchronize execution in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backplane_sync_coalesced_total",
			Help: "Total number of synchronize calls that joined an in-flight execution",
		},
	)

	SoftErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backplane_sync_soft_errors_total",
			Help: "Total number of best-effort synchronize steps that failed",
		},
		[]string{"step"},
	)

	ManifestsRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backplane_manifests_removed_total",
			Help: "Total number of root manifests removed because the managed server dropped them",
		},
		[]string{"kind"},
	)

	GroupLockWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backplane_group_lock_wait_seconds",
			Help:    "Time spent waiting for an instance group lock in seconds",
			Buckets: []float64{.0001, .001, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"mode"},
	)

	// Remote metrics
	RemoteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backplane_remote_requests_total",
			Help: "Total number of requests to managed servers by operation and status",
		},
		[]string{"op", "status"},
	)

	RemoteRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backplane_remote_request_duration_seconds",
			Help:    "Managed server request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backplane_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backplane_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Bulk metrics
	BulkOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backplane_bulk_operations_total",
			Help: "Total number of per-instance bulk operations by action and result",
		},
		[]string{"action", "result"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backplane_reconcile_duration_seconds",
			Help:    "Time taken by one periodic synchronization cycle in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backplane_reconcile_cycles_total",
			Help: "Total number of periodic synchronization cycles by result",
		},
		[]string{"result"},
	)

	// Event metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backplane_events_published_total",
			Help: "Total number of change notifications published by type",
		},
		[]string{"type"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ManagedServers)
	prometheus.MustRegister(ControlledManifests)
	prometheus.MustRegister(SyncTotal)
	prometheus.MustRegister(SyncDuration)
	prometheus.MustRegister(SyncCoalesced)
	prometheus.MustRegister(SoftErrors)
	prometheus.MustRegister(ManifestsRemoved)
	prometheus.MustRegister(GroupLockWait)
	prometheus.MustRegister(RemoteRequestsTotal)
	prometheus.MustRegister(RemoteRequestDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(BulkOperationsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(EventsPublished)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

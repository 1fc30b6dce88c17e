package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Status label values.
const (
	statusOk   = "ok"
	statusFail = "fail"
)

var (
	storeOperationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livedb_store_operation_total",
		Help: "Total number of store operations",
	}, []string{"store", "operation", "status"})

	storeOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "livedb_store_operation_duration_seconds",
		Help:    "Duration of store operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15), // 0.5ms to ~8s
	}, []string{"store", "operation", "status"})

	poolAcquireDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "livedb_pool_acquire_duration_seconds",
		Help:    "Time spent waiting for a pooled database connection",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3s
	})

	poolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livedb_pool_in_use",
		Help: "Number of database connections currently checked out by store operations",
	})

	cacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livedb_cache_requests_total",
		Help: "Snapshot cache lookups, by result",
	}, []string{"result"})
)

// observe records the outcome of a store operation which began at started.
func observe(store, operation string, started time.Time, err error) {
	var status = statusOk
	if err != nil {
		status = statusFail
	}
	storeOperationTotal.WithLabelValues(store, operation, status).Inc()
	storeOperationDuration.WithLabelValues(store, operation, status).Observe(time.Since(started).Seconds())
}

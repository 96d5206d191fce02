package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	PoolsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_pools_total",
			Help: "Total number of pool containers by status",
		},
		[]string{"status"},
	)

	BotsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_bots_total",
			Help: "Total number of pooled bots by status",
		},
		[]string{"status"},
	)

	PoolMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_pool_memory_mb",
			Help: "Last observed pool container memory in MB",
		},
		[]string{"pool_id"},
	)

	PoolCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_pool_cpu_percent",
			Help: "Last observed pool container CPU percentage",
		},
		[]string{"pool_id"},
	)

	// Health monitor metrics
	HealthChecksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_health_checks_total",
			Help: "Total number of health check cycles",
		},
	)

	HealthCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_health_check_duration_seconds",
			Help:    "Duration of a full health check cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_recoveries_total",
			Help: "Total recovery actions by scope and outcome",
		},
		[]string{"scope", "outcome"},
	)

	// Reconciliation metrics
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_reconcile_duration_seconds",
			Help:    "Duration of a reconciliation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StaleSlotsRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_stale_slots_removed_total",
			Help: "Total slots dropped because the supervisor no longer runs them",
		},
	)

	OrphanedBotsFound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_orphaned_bots_total",
			Help: "Total supervisor programs observed without a matching slot",
		},
	)

	// Migration metrics
	MigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_migrations_total",
			Help: "Total bot migrations by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(PoolsTotal)
	prometheus.MustRegister(BotsTotal)
	prometheus.MustRegister(PoolMemoryMB)
	prometheus.MustRegister(PoolCPUPercent)
	prometheus.MustRegister(HealthChecksTotal)
	prometheus.MustRegister(HealthCheckDuration)
	prometheus.MustRegister(RecoveriesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(StaleSlotsRemoved)
	prometheus.MustRegister(OrphanedBotsFound)
	prometheus.MustRegister(MigrationsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across every mounted route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "logharbor",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// HTTPResponseBytes tracks response body size by route, sized for
// logharbor's shape: small envelopes for mutations, large pages for
// /search and /audit-log responses.
var HTTPResponseBytes = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "logharbor",
		Subsystem: "api",
		Name:      "response_bytes",
		Help:      "HTTP response body size in bytes.",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 8), // 256B .. ~4MB
	},
	[]string{"method", "path"},
)

// LogsIngestedTotal counts accepted submissions by project and log type (C5).
var LogsIngestedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "logharbor",
		Subsystem: "ingestion",
		Name:      "logs_ingested_total",
		Help:      "Total number of log submissions accepted and published.",
	},
	[]string{"project_id", "log_type"},
)

// ConstraintDeniedTotal counts C1 denials by the failing predicate name.
var ConstraintDeniedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "logharbor",
		Subsystem: "constraint",
		Name:      "denied_total",
		Help:      "Total number of submissions denied by the constraint evaluator, by predicate.",
	},
	[]string{"constraint"},
)

// QuotaExceededTotal counts C3 denials by owner.
var QuotaExceededTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "logharbor",
		Subsystem: "quota",
		Name:      "exceeded_total",
		Help:      "Total number of submissions denied by the quota counter.",
	},
	[]string{"owner_id"},
)

// QuotaCounterDegradedTotal counts every fail-open path taken because the
// counter store (Redis) was unreachable — the observability requirement
// from the quota counter's open question on outage handling.
var QuotaCounterDegradedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "logharbor",
		Subsystem: "quota",
		Name:      "counter_degraded_total",
		Help:      "Total number of submissions admitted via fail-open because the quota counter store was unavailable.",
	},
)

// AlarmsMatchedTotal counts alarm matches by delivery method.
var AlarmsMatchedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "logharbor",
		Subsystem: "alarm",
		Name:      "matched_total",
		Help:      "Total number of alarm matches fanned out to a delivery method.",
	},
	[]string{"method"},
)

// AlarmDeliveryFailedTotal counts delivery sink failures by method, none of
// which abort the remaining fan-out (spec §4.6).
var AlarmDeliveryFailedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "logharbor",
		Subsystem: "alarm",
		Name:      "delivery_failed_total",
		Help:      "Total number of alarm delivery attempts that failed, by method.",
	},
	[]string{"method"},
)

// IndexWriteDegradedTotal counts ingestion-consumer index mirror failures,
// which are logged but never fail the primary store write (spec §4.5).
var IndexWriteDegradedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "logharbor",
		Subsystem: "ingestion",
		Name:      "index_write_degraded_total",
		Help:      "Total number of ingestion-consumer search index writes that failed.",
	},
)

// PurgeDeletedTotal counts logs removed by the purge planner (C9).
var PurgeDeletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "logharbor",
		Subsystem: "purge",
		Name:      "deleted_total",
		Help:      "Total number of logs deleted by purge operations.",
	},
	[]string{"mode"}, // "ids" or "filter"
)

// All returns every logharbor-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		LogsIngestedTotal,
		ConstraintDeniedTotal,
		QuotaExceededTotal,
		QuotaCounterDegradedTotal,
		AlarmsMatchedTotal,
		AlarmDeliveryFailedTotal,
		IndexWriteDegradedTotal,
		PurgeDeletedTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
		HTTPResponseBytes,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}

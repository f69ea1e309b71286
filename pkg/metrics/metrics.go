package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TrackerWrites counts status/metric writes by kind and outcome
var TrackerWrites = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "autoscaler_tracker_writes_total",
		Help: "Total number of tracker store writes",
	},
	[]string{"kind", "status"},
)

// TrackerMalformedRecords counts stored payloads skipped as unparseable
var TrackerMalformedRecords = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "autoscaler_tracker_malformed_records_total",
		Help: "Total number of malformed stored records skipped on read",
	},
	[]string{"kind"},
)

// TrackedInstances reports the instance count seen per group on the last read
var TrackedInstances = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "autoscaler_tracked_instances",
		Help: "Number of non-expired instances per group at last read",
	},
	[]string{"group"},
)

// Lock acquisition metrics
var (
	LockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscaler_lock_acquisitions_total",
			Help: "Total number of processing lock acquisition attempts",
		},
		[]string{"status"},
	)

	LockWaitTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autoscaler_lock_wait_duration_seconds",
			Help:    "Time spent acquiring the processing lock",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		},
	)
)

// Control loop metrics
var (
	ProcessorRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscaler_processor_runs_total",
			Help: "Total number of control loop cycles by outcome",
		},
		[]string{"status"},
	)

	ProcessorDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autoscaler_processor_duration_seconds",
			Help:    "Duration of one control loop cycle",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	ScalingActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscaler_scaling_actions_total",
			Help: "Total number of scaling actions by group and direction",
		},
		[]string{"group", "direction"},
	)
)

// CloudOperations counts launcher calls by operation and outcome
var CloudOperations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "autoscaler_cloud_operations_total",
		Help: "Total number of cloud launcher operations",
	},
	[]string{"operation", "status"},
)

func init() {
	prometheus.MustRegister(TrackerWrites, TrackerMalformedRecords, TrackedInstances)
	prometheus.MustRegister(LockAcquisitions, LockWaitTime)
	prometheus.MustRegister(ProcessorRuns, ProcessorDuration, ScalingActions)
	prometheus.MustRegister(CloudOperations)
}

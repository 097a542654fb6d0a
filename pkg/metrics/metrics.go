package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Volume / blob store metrics
	VolumeKeysTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minikv_volume_keys_total",
			Help: "Total number of live keys held by this volume",
		},
	)

	VolumeBytesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minikv_volume_bytes_total",
			Help: "Total bytes of live blob data held by this volume",
		},
	)

	SegmentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minikv_segments_total",
			Help: "Number of segment files on this volume",
		},
	)

	PreparedUploadsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minikv_prepared_uploads_active",
			Help: "Number of prepared uploads currently buffered in memory",
		},
	)

	BloomHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minikv_bloom_total",
			Help: "Bloom filter check outcomes by result (maybe_present, definitely_absent)",
		},
		[]string{"result"},
	)

	WALAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minikv_wal_append_duration_seconds",
			Help:    "Time to append and (optionally) fsync a WAL record",
			Buckets: prometheus.DefBuckets,
		},
	)

	CompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minikv_compaction_duration_seconds",
			Help:    "Time taken for a full compaction pass",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 600},
		},
	)

	CompactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "minikv_compactions_total",
			Help: "Total number of completed compactions",
		},
	)

	// Raft / consensus metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minikv_raft_is_leader",
			Help: "Whether this coordinator is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minikv_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minikv_raft_apply_duration_seconds",
			Help:    "Time taken to replicate and commit a Raft log entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Coordinator orchestrator metrics
	VolumesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "minikv_volumes_total",
			Help: "Total number of known volumes by state",
		},
		[]string{"state"},
	)

	PutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minikv_put_duration_seconds",
			Help:    "End-to-end duration of a coordinator PUT (2PC)",
			Buckets: prometheus.DefBuckets,
		},
	)

	PrepareFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "minikv_prepare_failures_total",
			Help: "Total number of 2PC prepare-phase failures",
		},
	)

	CommitFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "minikv_commit_failures_total",
			Help: "Total number of 2PC commit-phase failures",
		},
	)
)

func init() {
	prometheus.MustRegister(
		VolumeKeysTotal,
		VolumeBytesTotal,
		SegmentsTotal,
		PreparedUploadsActive,
		BloomHitsTotal,
		WALAppendDuration,
		CompactionDuration,
		CompactionsTotal,
		RaftLeader,
		RaftAppliedIndex,
		RaftApplyDuration,
		VolumesTotal,
		PutDuration,
		PrepareFailuresTotal,
		CommitFailuresTotal,
	)
}

// Registry exposes the default Prometheus registerer so that an external
// façade can mount its own HTTP handler over these collectors.
func Registry() prometheus.Registerer {
	return prometheus.DefaultRegisterer
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

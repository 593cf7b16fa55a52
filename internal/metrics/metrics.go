package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ShardsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharder_shards_written_total",
		Help: "The total number of shard files written",
	}, []string{"format"})

	ShardBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharder_shard_bytes_total",
		Help: "Total bytes written to shard files",
	}, []string{"format"})

	ShardWriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sharder_shard_write_duration_seconds",
		Help:    "Histogram of per-shard write times",
		Buckets: prometheus.DefBuckets,
	}, []string{"format"})

	ShardSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sharder_shard_size_bytes",
		Help:    "Distribution of realized shard sizes",
		Buckets: prometheus.ExponentialBuckets(1<<20, 2, 12),
	})

	ShardWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharder_shard_write_failures_total",
		Help: "Total number of failed shard writes",
	}, []string{"format"})

	TensorsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharder_tensors_classified_total",
		Help: "Tensors seen by the classifier, by outcome",
	}, []string{"outcome"})

	LayersDetected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharder_layers_detected",
		Help: "Number of layer groups found in the last run",
	})

	PlansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharder_plans_total",
		Help: "Plans built, by planner mode",
	}, []string{"mode"})

	PlansClamped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharder_plans_clamped_total",
		Help: "Plans whose shard count was clamped to the unit count",
	})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharder_runs_total",
		Help: "Sharding runs, by result",
	}, []string{"result"})

	RunDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "sharder_run_duration_seconds",
		Help: "Duration of whole sharding runs",
	})

	ShardsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharder_shards_published_total",
		Help: "Shards streamed to a Flight endpoint",
	})
)

func RecordShardWrite(format string, bytes int64, duration time.Duration) {
	ShardsWrittenTotal.WithLabelValues(format).Inc()
	ShardBytesTotal.WithLabelValues(format).Add(float64(bytes))
	ShardWriteDuration.WithLabelValues(format).Observe(duration.Seconds())
	ShardSizeBytes.Observe(float64(bytes))
}

func RecordShardWriteFailure(format string) {
	ShardWriteFailures.WithLabelValues(format).Inc()
}

// RecordClassification records how many tensors landed in layer groups
// and how many were left ungrouped.
func RecordClassification(grouped, ungrouped, layers int) {
	TensorsClassified.WithLabelValues("layer").Add(float64(grouped))
	TensorsClassified.WithLabelValues("ungrouped").Add(float64(ungrouped))
	LayersDetected.Set(float64(layers))
}

func RecordPlan(mode string, clamped bool) {
	PlansTotal.WithLabelValues(mode).Inc()
	if clamped {
		PlansClamped.Inc()
	}
}

func RecordRun(err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	RunsTotal.WithLabelValues(result).Inc()
	RunDuration.Observe(duration.Seconds())
}

func RecordPublish() {
	ShardsPublished.Inc()
}

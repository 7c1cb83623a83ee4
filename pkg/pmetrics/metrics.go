// Package pmetrics exposes Prometheus collectors for the scheduler core:
// pool occupancy, hub dispatch activity, load-balancer rounds, incumbent
// value, and checkpoint I/O. All names are prefixed pebbl_.
package pmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LocalPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pebbl_local_pool_size",
			Help: "Number of subproblems currently held in this process's LocalPool",
		},
	)

	LocalPoolBestBound = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pebbl_local_pool_best_bound",
			Help: "Bound of the best subproblem in the LocalPool",
		},
	)

	TokenPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pebbl_token_pool_size",
			Help: "Number of tokens currently held in this hub's TokenPool",
		},
	)

	SubproblemsExplored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pebbl_subproblems_explored_total",
			Help: "Total number of subproblems bounded by this process",
		},
	)

	SubproblemsFathomed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pebbl_subproblems_fathomed_total",
			Help: "Total number of subproblems discarded by fathoming",
		},
	)

	TokensDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pebbl_tokens_dispatched_total",
			Help: "Total number of tokens dispatched by this hub to its workers",
		},
	)

	TokensReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pebbl_tokens_released_total",
			Help: "Total number of tokens released by this worker to its hub",
		},
	)

	RebalancesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pebbl_rebalances_total",
			Help: "Total number of upward rebalances performed by this worker",
		},
	)

	LoadBalRoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pebbl_loadbal_rounds_total",
			Help: "Total number of global load-balancing rounds completed",
		},
	)

	LoadBalTokensMoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pebbl_loadbal_tokens_moved_total",
			Help: "Total number of tokens moved by inter-cluster load balancing, by direction",
		},
		[]string{"direction"}, // "donated" | "received"
	)

	IncumbentValue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pebbl_incumbent_value",
			Help: "Value of the current incumbent as known to this process",
		},
	)

	IncumbentSource = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pebbl_incumbent_source",
			Help: "Process id that produced the current incumbent",
		},
	)

	IncumbentImprovementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pebbl_incumbent_improvements_total",
			Help: "Total number of strict incumbent improvements observed by this process",
		},
	)

	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pebbl_checkpoint_duration_seconds",
			Help:    "Time taken to serialize and write a checkpoint file",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pebbl_checkpoints_total",
			Help: "Total number of checkpoints written, by outcome",
		},
		[]string{"outcome"}, // "ok" | "error"
	)

	SchedulerBias = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pebbl_scheduler_bias",
			Help: "Most recently computed bias for a cooperative pseudo-thread",
		},
		[]string{"thread"},
	)

	BufferWarningsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pebbl_buffer_warnings_total",
			Help: "Total number of spBufferWarning messages sent ahead of an oversized payload",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LocalPoolSize,
		LocalPoolBestBound,
		TokenPoolSize,
		SubproblemsExplored,
		SubproblemsFathomed,
		TokensDispatched,
		TokensReleased,
		RebalancesTotal,
		LoadBalRoundsTotal,
		LoadBalTokensMoved,
		IncumbentValue,
		IncumbentSource,
		IncumbentImprovementsTotal,
		CheckpointDuration,
		CheckpointsTotal,
		SchedulerBias,
		BufferWarningsTotal,
	)
}

// Handler returns the Prometheus scrape handler for cmd/pebbl to serve.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time for a single operation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

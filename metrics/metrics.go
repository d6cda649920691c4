// Package metrics exposes Prometheus collectors for the process engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Config holds the namespace and registry of a Collector.
type Config struct {
	Namespace string
	Registry  prometheus.Registerer
}

// Collector records engine activity. A nil *Collector records nothing.
type Collector struct {
	instancesStarted   *prometheus.CounterVec
	instancesCompleted *prometheus.CounterVec
	commits            *prometheus.CounterVec
	commitDuration     *prometheus.HistogramVec
	commitRetries      prometheus.Counter
	saves              *prometheus.CounterVec
	joinArrivals       *prometheus.CounterVec
	joinsFired         *prometheus.CounterVec
	postconditions     *prometheus.CounterVec
	kpiLevels          *prometheus.HistogramVec
}

// New registers the engine collectors on cfg.Registry, or on the default
// registerer when none is given.
func New(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = "process_engine"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(cfg.Registry)
	ns := cfg.Namespace

	return &Collector{
		instancesStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "instances_started_total",
			Help:      "Process instances started, by definition.",
		}, []string{"definition"}),
		instancesCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "instances_completed_total",
			Help:      "Process instances that reached an end activity, by definition.",
		}, []string{"definition"}),
		commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "artifact_commits_total",
			Help:      "Artifact commits, by definition and outcome.",
		}, []string{"definition", "outcome"}),
		commitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "artifact_commit_duration_seconds",
			Help:      "Time spent committing an artifact and advancing the instance.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"definition"}),
		commitRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "commit_retries_total",
			Help:      "Commits retried after an instance version conflict.",
		}),
		saves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "artifact_saves_total",
			Help:      "Artifact saves, by definition and outcome.",
		}, []string{"definition", "outcome"}),
		joinArrivals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "join_arrivals_total",
			Help:      "Paths that arrived at a join, by join.",
		}, []string{"definition", "join"}),
		joinsFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "joins_fired_total",
			Help:      "Join barriers reached, by join.",
		}, []string{"definition", "join"}),
		postconditions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "postcondition_checks_total",
			Help:      "Postcondition scripts run after a commit, by result.",
		}, []string{"definition", "result"}),
		kpiLevels: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "kpi_compliance_level",
			Help:      "Compliance levels produced by KPI scripts.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}, []string{"definition", "kpi"}),
	}
}

// InstanceStarted counts a started instance.
func (c *Collector) InstanceStarted(definition string) {
	if c == nil {
		return
	}
	c.instancesStarted.WithLabelValues(definition).Inc()
}

// InstanceCompleted counts an instance that reached its end.
func (c *Collector) InstanceCompleted(definition string) {
	if c == nil {
		return
	}
	c.instancesCompleted.WithLabelValues(definition).Inc()
}

// Commit records the outcome and duration of a commit.
func (c *Collector) Commit(definition, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.commits.WithLabelValues(definition, outcome).Inc()
	c.commitDuration.WithLabelValues(definition).Observe(elapsed.Seconds())
}

// CommitRetried counts one retry after a version conflict.
func (c *Collector) CommitRetried() {
	if c == nil {
		return
	}
	c.commitRetries.Inc()
}

// Save records the outcome of an artifact save.
func (c *Collector) Save(definition, outcome string) {
	if c == nil {
		return
	}
	c.saves.WithLabelValues(definition, outcome).Inc()
}

// JoinArrival counts a path arriving at join.
func (c *Collector) JoinArrival(definition, join string) {
	if c == nil {
		return
	}
	c.joinArrivals.WithLabelValues(definition, join).Inc()
}

// JoinFired counts a join whose barrier was reached.
func (c *Collector) JoinFired(definition, join string) {
	if c == nil {
		return
	}
	c.joinsFired.WithLabelValues(definition, join).Inc()
}

// Postcondition records whether a postcondition held.
func (c *Collector) Postcondition(definition string, held bool) {
	if c == nil {
		return
	}
	result := "held"
	if !held {
		result = "failed"
	}
	c.postconditions.WithLabelValues(definition, result).Inc()
}

// KpiLevel records a KPI compliance level.
func (c *Collector) KpiLevel(definition, kpi string, level int) {
	if c == nil {
		return
	}
	c.kpiLevels.WithLabelValues(definition, kpi).Observe(float64(level))
}

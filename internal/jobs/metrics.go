package jobmetrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrSkipped marks a run that did not execute because another run held the
// job's lock. Trackers ending with it record status "skipped".
var ErrSkipped = errors.New("jobs: run skipped, previous run still in progress")

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	deactivated *prometheus.CounterVec
	candidates  *prometheus.GaugeVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure/skip counts
// and returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	switch {
	case errors.Is(err, ErrSkipped):
		status = "skipped"
	case err != nil:
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	if status != "skipped" {
		t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	}
	return err
}

// SetCandidates records how many accounts matched the inactivity rule on the
// latest run.
func (m *Metrics) SetCandidates(job string, count int) {
	if m == nil {
		return
	}
	m.candidates.WithLabelValues(job).Set(float64(count))
}

// AddDeactivated counts accounts whose deactivation was committed.
func (m *Metrics) AddDeactivated(job string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.deactivated.WithLabelValues(job).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	deactivated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_users_deactivated_total",
		Help: "Accounts deactivated for inactivity.",
	}, []string{"job"})
	candidates := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "odyssey_users_inactive_candidates",
		Help: "Accounts matching the inactivity rule on the latest run.",
	}, []string{"job"})
	registerer.MustRegister(runs, failures, duration, deactivated, candidates)
	return &Metrics{runs: runs, failures: failures, duration: duration, deactivated: deactivated, candidates: candidates}
}

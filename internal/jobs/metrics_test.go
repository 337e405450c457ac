package jobmetrics

import (
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const testJob = "users:deactivate-inactive"

func TestTrackerRecordsStatuses(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	for i := 0; i < 3; i++ {
		if err := metrics.Track(testJob).End(nil); err != nil {
			t.Fatalf("unexpected error ending tracker: %v", err)
		}
	}
	boom := errors.New("commit failed")
	if err := metrics.Track(testJob).End(boom); !errors.Is(err, boom) {
		t.Fatalf("expected error to propagate, got %v", err)
	}
	skipped := fmt.Errorf("wrapped: %w", ErrSkipped)
	if err := metrics.Track(testJob).End(skipped); !errors.Is(err, ErrSkipped) {
		t.Fatalf("expected skip to propagate, got %v", err)
	}

	if got := testutil.ToFloat64(metrics.runs.WithLabelValues(testJob, "success")); got != 3 {
		t.Fatalf("success runs = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.runs.WithLabelValues(testJob, "failure")); got != 1 {
		t.Fatalf("failure runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.runs.WithLabelValues(testJob, "skipped")); got != 1 {
		t.Fatalf("skipped runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.failures.WithLabelValues(testJob)); got != 1 {
		t.Fatalf("failures = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != "odyssey_job_duration_seconds" {
			continue
		}
		if count := fam.GetMetric()[0].GetHistogram().GetSampleCount(); count != 4 {
			t.Fatalf("duration samples = %d, want 4 (skips are not timed)", count)
		}
		return
	}
	t.Fatal("duration histogram not registered")
}

func TestDeactivationCounters(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.SetCandidates(testJob, 7)
	metrics.SetCandidates(testJob, 2)
	metrics.AddDeactivated(testJob, 2)
	metrics.AddDeactivated(testJob, 0)
	metrics.AddDeactivated(testJob, 5)

	if got := testutil.ToFloat64(metrics.candidates.WithLabelValues(testJob)); got != 2 {
		t.Fatalf("candidates = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.deactivated.WithLabelValues(testJob)); got != 7 {
		t.Fatalf("deactivated = %v, want 7", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.SetCandidates(testJob, 1)
	metrics.AddDeactivated(testJob, 1)
	if err := metrics.Track(testJob).End(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

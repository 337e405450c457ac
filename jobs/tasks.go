package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/retention/internal/jobs"
)

const (
	// QueueMaintenance is the queue housekeeping jobs run on.
	QueueMaintenance = "maintenance"
	// TaskUsersDeactivateInactive deactivates accounts idle beyond the retention window.
	TaskUsersDeactivateInactive = "users:deactivate-inactive"

	// RequestedByScheduler tags runs enqueued by the cron scheduler.
	RequestedByScheduler = "scheduler"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// DeactivateInactivePayload describes who asked for a run. The job does not
// depend on it; it only feeds the logs.
type DeactivateInactivePayload struct {
	RequestedBy string     `json:"requested_by,omitempty"`
	RequestedAt *time.Time `json:"requested_at,omitempty"`
}

// NewDeactivateInactiveTask constructs an Asynq task for the deactivation job.
// The scheduler variant carries no timestamp so identical enqueues collapse
// under asynq.Unique.
func NewDeactivateInactiveTask(requestedBy string, at time.Time) (*asynq.Task, error) {
	if requestedBy == "" {
		requestedBy = RequestedByScheduler
	}
	payload := DeactivateInactivePayload{RequestedBy: requestedBy}
	if !at.IsZero() {
		at = at.UTC()
		payload.RequestedAt = &at
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskUsersDeactivateInactive, body, asynq.Queue(QueueMaintenance)), nil
}

// DeactivateInactiveOptions are the enqueue options shared by cron and manual
// triggers: no in-cycle retry, duplicates collapse for the lease lifetime.
func DeactivateInactiveOptions(lockTTL time.Duration) []asynq.Option {
	opts := []asynq.Option{asynq.Queue(QueueMaintenance), asynq.MaxRetry(0)}
	if lockTTL > 0 {
		opts = append(opts, asynq.Unique(lockTTL), asynq.Timeout(lockTTL))
	}
	return opts
}

package cli

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/retention/jobs"
)

// JobsCLI wraps manual management helpers for the maintenance queue.
type JobsCLI struct {
	client    *jobs.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client, err := jobs.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &JobsCLI{client: client, inspector: asynq.NewInspector(opts)}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a manual deactivation run. A run already waiting in the
// queue is reported through asynq.ErrDuplicateTask.
func (c *JobsCLI) Trigger(ctx context.Context, requestedBy string, lockTTL time.Duration) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	return c.client.EnqueueDeactivateInactive(ctx, requestedBy, lockTTL)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
}

// InspectQueue reports the maintenance queue metrics. A queue that has never
// received a task reports zeros.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	stats := QueueStats{Queue: jobs.QueueMaintenance}
	queues, err := c.inspector.Queues()
	if err != nil {
		return QueueStats{}, err
	}
	if !slices.Contains(queues, jobs.QueueMaintenance) {
		return stats, nil
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueMaintenance)
	if err != nil {
		return QueueStats{}, err
	}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
		stats.Processed = info.Processed
		stats.Failed = info.Failed
	}
	return stats, nil
}

// ListScheduled returns the cron entries registered by running workers.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.SchedulerEntry, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	entries, err := c.inspector.SchedulerEntries()
	if err != nil {
		return nil, err
	}
	out := make([]*asynq.SchedulerEntry, 0, len(entries))
	for _, e := range entries {
		if e.Task != nil && e.Task.Type() == jobs.TaskUsersDeactivateInactive {
			out = append(out, e)
		}
	}
	if len(out) > size {
		out = out[:size]
	}
	return out, nil
}

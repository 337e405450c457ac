package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/retention/internal/jobs"
	"github.com/odyssey-erp/retention/internal/platform/lock"
	"github.com/odyssey-erp/retention/internal/users"
)

var (
	// ErrSessionAcquisition means no repository session could be opened; nothing was read.
	ErrSessionAcquisition = errors.New("deactivate inactive: acquire session")
	// ErrQuery means the candidate query failed; nothing was staged.
	ErrQuery = errors.New("deactivate inactive: query inactive users")
	// ErrCommit means the batch write failed; nothing was persisted.
	ErrCommit = errors.New("deactivate inactive: commit")
	// ErrLock means the lock backend failed; the repository was not touched.
	ErrLock = errors.New("deactivate inactive: lock backend")
	// ErrSkipped means another run held the lock.
	ErrSkipped = jobmetrics.ErrSkipped
)

const releaseTimeout = 5 * time.Second

// defaultLocker serialises jobs that were built without an explicit locker
// within this process.
var defaultLocker = lock.NewLocalLocker()

// DeactivateJobConfig wires dependencies for the deactivation job.
type DeactivateJobConfig struct {
	Store     users.Store
	Locker    lock.Locker
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	Retention users.Retention
	LockTTL   time.Duration
}

// DeactivateResult summarises one completed run.
type DeactivateResult struct {
	Cutoff      time.Time
	Candidates  int
	Deactivated []int64
	Duration    time.Duration
}

// DeactivateInactiveUsersJob flips the active flag of accounts idle beyond the
// retention window in one transaction, never running twice at the same time.
type DeactivateInactiveUsersJob struct {
	Store     users.Store
	Locker    lock.Locker
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	Retention users.Retention
	LockTTL   time.Duration
	clock     func() time.Time
}

// NewDeactivateInactiveUsersJob constructs the job handler.
func NewDeactivateInactiveUsersJob(cfg DeactivateJobConfig) *DeactivateInactiveUsersJob {
	if cfg.Locker == nil {
		cfg.Locker = defaultLocker
	}
	if cfg.Retention.IsZero() {
		cfg.Retention = users.DefaultRetention
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = lock.DefaultTTL
	}
	return &DeactivateInactiveUsersJob{
		Store:     cfg.Store,
		Locker:    cfg.Locker,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
		Retention: cfg.Retention,
		LockTTL:   cfg.LockTTL,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle fulfils the asynq.HandlerFunc contract. Failures are logged and
// counted by Run but never returned: the next scheduled trigger is the retry.
func (j *DeactivateInactiveUsersJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload DeactivateInactivePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			j.logger().Warn("ignoring malformed payload", slog.Any("error", err))
		}
	}
	if payload.RequestedBy == "" {
		payload.RequestedBy = RequestedByScheduler
	}
	ctx = WithRequester(ctx, payload.RequestedBy)
	_, _ = j.Run(ctx)
	return nil
}

// Run executes one deactivation cycle. It returns ErrSkipped without touching
// the repository when another run holds the lock.
func (j *DeactivateInactiveUsersJob) Run(ctx context.Context) (result DeactivateResult, err error) {
	if j == nil || j.Store == nil {
		return result, errors.New("deactivate inactive: store not configured")
	}
	began := time.Now()
	logger := j.logger().With(slog.String("requested_by", requesterFrom(ctx)))

	tracker := j.metrics().Track(TaskUsersDeactivateInactive)
	defer func() {
		err = tracker.End(err)
		j.report(logger, result, err)
	}()

	lease, err := j.locker().TryAcquire(ctx, lock.JobKey(TaskUsersDeactivateInactive), j.lockTTL())
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return result, ErrSkipped
		}
		return result, fmt.Errorf("%w: %w", ErrLock, err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if relErr := lease.Release(releaseCtx); relErr != nil {
			logger.Warn("release lock", slog.String("key", lease.Key()), slog.Any("error", relErr))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, j.lockTTL())
	defer cancel()

	result.Cutoff = users.Cutoff(j.now(), j.retention())
	deactivated, candidates, err := j.deactivate(runCtx, logger, result.Cutoff)
	result.Candidates = candidates
	if err != nil {
		return result, err
	}
	result.Deactivated = deactivated
	result.Duration = time.Since(began)
	j.metrics().AddDeactivated(TaskUsersDeactivateInactive, len(deactivated))
	return result, nil
}

func (j *DeactivateInactiveUsersJob) deactivate(ctx context.Context, logger *slog.Logger, cutoff time.Time) ([]int64, int, error) {
	session, err := j.Store.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrSessionAcquisition, err)
	}
	defer closeSession(ctx, logger, session)

	candidates, err := session.QueryInactive(ctx, cutoff)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrQuery, err)
	}
	j.metrics().SetCandidates(TaskUsersDeactivateInactive, len(candidates))

	ids := make([]int64, 0, len(candidates))
	for i := range candidates {
		session.Deactivate(&candidates[i])
		ids = append(ids, candidates[i].ID)
	}
	if len(ids) > 0 {
		logger.Debug("deactivating users", slog.Any("user_ids", ids))
	}

	if err := session.Commit(ctx); err != nil {
		return nil, len(candidates), fmt.Errorf("%w: %w", ErrCommit, err)
	}
	return ids, len(candidates), nil
}

// closeSession rolls back an uncommitted session, bounded by releaseTimeout
// even when ctx is already done.
func closeSession(ctx context.Context, logger *slog.Logger, session users.Session) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := session.Close(closeCtx); err != nil {
		logger.Warn("close session", slog.Any("error", err))
	}
}

// Preview lists the accounts the next run would deactivate without staging or
// committing anything. It does not take the job lock.
func (j *DeactivateInactiveUsersJob) Preview(ctx context.Context) (time.Time, []users.User, error) {
	if j == nil || j.Store == nil {
		return time.Time{}, nil, errors.New("deactivate inactive: store not configured")
	}
	cutoff := users.Cutoff(j.now(), j.retention())
	session, err := j.Store.Begin(ctx)
	if err != nil {
		return cutoff, nil, fmt.Errorf("%w: %w", ErrSessionAcquisition, err)
	}
	defer closeSession(ctx, j.logger(), session)
	candidates, err := session.QueryInactive(ctx, cutoff)
	if err != nil {
		return cutoff, nil, fmt.Errorf("%w: %w", ErrQuery, err)
	}
	return cutoff, candidates, nil
}

func (j *DeactivateInactiveUsersJob) report(logger *slog.Logger, result DeactivateResult, err error) {
	cutoff := slog.String("cutoff", result.Cutoff.Format(time.DateOnly))
	switch {
	case err == nil:
		logger.Info("deactivated inactive users",
			cutoff,
			slog.Int("deactivated", len(result.Deactivated)),
			slog.Duration("duration", result.Duration),
		)
	case errors.Is(err, ErrSkipped):
		logger.Warn("skipped run, previous run still in progress")
	case errors.Is(err, ErrCommit):
		logger.Error("commit failed, no users deactivated", cutoff, slog.Int("candidates", result.Candidates), slog.Any("error", err))
	default:
		logger.Error("deactivation run failed", slog.Any("error", err))
	}
}

func (j *DeactivateInactiveUsersJob) locker() lock.Locker {
	if j.Locker != nil {
		return j.Locker
	}
	return defaultLocker
}

func (j *DeactivateInactiveUsersJob) retention() users.Retention {
	if j.Retention.IsZero() {
		return users.DefaultRetention
	}
	return j.Retention
}

func (j *DeactivateInactiveUsersJob) lockTTL() time.Duration {
	if j.LockTTL > 0 {
		return j.LockTTL
	}
	return lock.DefaultTTL
}

func (j *DeactivateInactiveUsersJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *DeactivateInactiveUsersJob) logger() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskUsersDeactivateInactive))
	}
	return slog.Default().With(slog.String("job", TaskUsersDeactivateInactive))
}

func (j *DeactivateInactiveUsersJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *DeactivateInactiveUsersJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}

type requesterKey struct{}

// WithRequester tags the run started with ctx for logging.
func WithRequester(ctx context.Context, who string) context.Context {
	return context.WithValue(ctx, requesterKey{}, who)
}

func requesterFrom(ctx context.Context) string {
	if who, ok := ctx.Value(requesterKey{}).(string); ok && who != "" {
		return who
	}
	return "manual"
}

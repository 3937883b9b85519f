// Package queue implements the task state machine and the claim protocol.
//
// A claim is a single conditional UPDATE keyed by job id, so racing workers
// produce exactly one winner. A running task whose lock is at least
// StaleThreshold old is claimable again; that is the only crash recovery.
// The attempts value returned by a claim is its fencing token: complete,
// retry and fail only apply while the task still carries it, so a slow
// worker cannot overwrite the outcome of the worker that reclaimed its task.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"productshot/internal/domain"
	"productshot/internal/infra"
	"productshot/internal/jobs"
	"productshot/internal/ledger"
	"productshot/internal/sqlinline"
)

var (
	// ErrNotClaimable means the task is terminal, owned by a live claim, or
	// waiting for its run_after.
	ErrNotClaimable = errors.New("task not claimable")
	// ErrClaimLost means the task was reclaimed or finished since this
	// claim was taken; nothing was written.
	ErrClaimLost = errors.New("claim superseded")
	// ErrRetriesExhausted means a reclaim pushed attempts over the ceiling;
	// the job was failed and refunded instead of executed.
	ErrRetriesExhausted = errors.New("task retries exhausted")
)

// Error codes written to failed jobs by the queue itself.
const (
	CodeRetriesExhausted = "retries_exhausted"
)

const (
	DefaultStaleThreshold = 90 * time.Second
	DefaultMaxAttempts    = 3
	DefaultBaseBackoff    = 5 * time.Second
	DefaultMaxBackoff     = 5 * time.Minute
)

// Refunder returns a failed job's charge inside the failing transaction.
type Refunder interface {
	Refund(ctx context.Context, tx infra.SQLExecutor, jobID string) (ledger.RefundResult, error)
}

// Options tunes the claim protocol. Zero values take the defaults.
type Options struct {
	StaleThreshold time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	// Now overrides the database clock. Leave nil in production.
	Now func() time.Time
	// Jitter returns a value in [0, 1). Defaults to math/rand.
	Jitter func() float64
}

func (o Options) withDefaults() Options {
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = DefaultStaleThreshold
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.Jitter == nil {
		o.Jitter = rand.Float64
	}
	return o
}

// Claim is ownership of one task execution.
type Claim struct {
	TaskID   string
	JobID    string
	Type     domain.JobType
	Attempt  int
	LockedAt time.Time
	Payload  json.RawMessage
}

// Result is what a successful execution attaches to its job.
type Result struct {
	URL  string
	Data json.RawMessage
}

// Failure describes an execution error. Retryable failures are requeued
// while attempts remain.
type Failure struct {
	Code      string
	Message   string
	Retryable bool
}

// Outcome reports how Fail resolved.
type Outcome struct {
	Retried  bool
	Delay    time.Duration
	Refunded bool
	Snapshot domain.JobSnapshot
}

// Queue runs the claim protocol against the tasks table.
type Queue struct {
	db       infra.TxExecutor
	refunder Refunder
	logger   zerolog.Logger
	opts     Options
}

func New(db infra.TxExecutor, refunder Refunder, logger zerolog.Logger, opts Options) *Queue {
	return &Queue{
		db:       db,
		refunder: refunder,
		logger:   infra.ComponentLogger(logger, "queue"),
		opts:     opts.withDefaults(),
	}
}

// Options returns the effective options.
func (q *Queue) Options() Options {
	return q.opts
}

func (q *Queue) now() *time.Time {
	if q.opts.Now == nil {
		return nil
	}
	t := q.opts.Now()
	return &t
}

// Claim takes ownership of the task of jobID. It returns ErrNotClaimable
// when another worker won or the task is not ready, and ErrRetriesExhausted
// when the claim was the one too many.
func (q *Queue) Claim(ctx context.Context, jobID string) (*Claim, error) {
	var c Claim
	err := q.db.QueryRow(ctx, sqlinline.QTaskClaim, jobID, q.opts.StaleThreshold.Seconds(), q.now()).
		Scan(&c.TaskID, &c.JobID, &c.Type, &c.Attempt, &c.LockedAt, &c.Payload)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, ErrNotClaimable
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}

	log := q.logger.With().Str("job_id", c.JobID).Int("attempt", c.Attempt).Logger()
	if c.Attempt > 1 {
		log.Info().Msg("queue: reclaimed")
	} else {
		log.Debug().Msg("queue: claimed")
	}

	if c.Attempt > q.opts.MaxAttempts {
		msg := fmt.Sprintf("task exceeded %d attempts", q.opts.MaxAttempts)
		if _, err := q.failTerminal(ctx, &c, Failure{Code: CodeRetriesExhausted, Message: msg}); err != nil {
			return nil, err
		}
		return nil, ErrRetriesExhausted
	}
	return &c, nil
}

// ClaimableJobIDs lists up to limit jobs whose tasks could be claimed now,
// oldest run_after first.
func (q *Queue) ClaimableJobIDs(ctx context.Context, limit int) ([]string, error) {
	if limit < 1 {
		limit = 1
	}
	rows, err := q.db.Query(ctx, sqlinline.QTaskClaimable, q.opts.StaleThreshold.Seconds(), q.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list claimable tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claimable task: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Complete marks the task and its job successful in one transaction.
func (q *Queue) Complete(ctx context.Context, c *Claim, res Result) (domain.JobSnapshot, error) {
	var snap domain.JobSnapshot
	err := q.db.InTx(ctx, func(tx infra.SQLExecutor) error {
		if err := fenced(tx.Exec(ctx, sqlinline.QTaskComplete, c.TaskID, c.Attempt)); err != nil {
			return err
		}
		var url *string
		if res.URL != "" {
			url = &res.URL
		}
		tag, err := tx.Exec(ctx, sqlinline.QJobMarkSuccess, c.JobID, url, res.Data)
		if err != nil {
			return fmt.Errorf("mark job success: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("job %s is no longer processing", c.JobID)
		}
		snap, err = jobs.NotifySnapshot(ctx, tx, c.JobID)
		return err
	})
	if err != nil {
		return domain.JobSnapshot{}, err
	}
	q.logger.Info().Str("job_id", c.JobID).Int("attempt", c.Attempt).Msg("queue: completed")
	return snap, nil
}

// Fail records an execution error. A retryable failure with attempts left
// puts the task back in the queue after a backoff; anything else fails the
// task and job and refunds the charge in one transaction.
func (q *Queue) Fail(ctx context.Context, c *Claim, f Failure) (Outcome, error) {
	if f.Retryable && c.Attempt < q.opts.MaxAttempts {
		return q.requeue(ctx, c, f)
	}
	return q.failTerminal(ctx, c, f)
}

func (q *Queue) requeue(ctx context.Context, c *Claim, f Failure) (Outcome, error) {
	delay := Backoff(q.opts.BaseBackoff, q.opts.MaxBackoff, c.Attempt, q.opts.Jitter())
	err := q.db.InTx(ctx, func(tx infra.SQLExecutor) error {
		if err := fenced(tx.Exec(ctx, sqlinline.QTaskRequeue, c.TaskID, c.Attempt, q.now(), delay.Seconds(), f.describe())); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, sqlinline.QJobBumpRetry, c.JobID); err != nil {
			return fmt.Errorf("bump job retry: %w", err)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	q.logger.Warn().
		Str("job_id", c.JobID).
		Int("attempt", c.Attempt).
		Dur("delay", delay).
		Str("code", f.Code).
		Msg("queue: retry scheduled")
	return Outcome{Retried: true, Delay: delay}, nil
}

func (q *Queue) failTerminal(ctx context.Context, c *Claim, f Failure) (Outcome, error) {
	var out Outcome
	err := q.db.InTx(ctx, func(tx infra.SQLExecutor) error {
		if err := fenced(tx.Exec(ctx, sqlinline.QTaskFail, c.TaskID, c.Attempt, f.describe())); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, sqlinline.QJobMarkFailed, c.JobID, f.Code, f.Message)
		if err != nil {
			return fmt.Errorf("mark job failed: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("job %s is no longer processing", c.JobID)
		}
		refund, err := q.refunder.Refund(ctx, tx, c.JobID)
		if err != nil {
			return fmt.Errorf("refund job: %w", err)
		}
		out.Refunded = refund.Refunded
		out.Snapshot, err = jobs.NotifySnapshot(ctx, tx, c.JobID)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	q.logger.Error().
		Str("job_id", c.JobID).
		Int("attempt", c.Attempt).
		Str("code", f.Code).
		Str("error", f.Message).
		Bool("refunded", out.Refunded).
		Msg("queue: job failed")
	return out, nil
}

func (f Failure) describe() string {
	if f.Code == "" {
		return f.Message
	}
	return f.Code + ": " + f.Message
}

// fenced turns a zero-row fenced update into ErrClaimLost.
func fenced(tag interface{ RowsAffected() int64 }, err error) error {
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// Backoff is base·2^(attempt-1) spread by ±5% using jitter in [0, 1), and
// capped at limit.
func Backoff(base, limit time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt && delay < limit; i++ {
		delay *= 2
	}
	if delay > limit {
		delay = limit
	}
	spread := float64(delay) * 0.05
	delay += time.Duration(spread * (2*jitter - 1))
	if delay > limit {
		delay = limit
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

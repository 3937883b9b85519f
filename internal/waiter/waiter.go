// Package waiter blocks a caller until a job reaches a terminal state.
//
// Two independent channels observe the job: a change subscription scoped to
// the job id and a fixed-interval poll. Whichever sees a terminal state first
// resolves the wait. Cancelling a wait only detaches the observer; the job
// keeps running.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"productshot/internal/domain"
	"productshot/internal/infra"
)

const DefaultInterval = 2 * time.Second

// ErrCancelled is returned when the caller's context ends before the job
// does. It never means the job failed.
var ErrCancelled = errors.New("wait cancelled")

// JobFailedError carries the snapshot of a job that ended in failed.
type JobFailedError struct {
	Snapshot domain.JobSnapshot
}

func (e *JobFailedError) Error() string {
	s := e.Snapshot
	if s.ErrorCode == "" {
		return fmt.Sprintf("job %s failed: %s", s.JobID, s.ErrorMessage)
	}
	return fmt.Sprintf("job %s failed: %s: %s", s.JobID, s.ErrorCode, s.ErrorMessage)
}

// Subscriber streams snapshots of one job. The returned function releases
// the subscription and must be safe to call more than once.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string) (<-chan domain.JobSnapshot, func(), error)
}

// Poller reads the current snapshot of one job.
type Poller interface {
	Poll(ctx context.Context, jobID string) (domain.JobSnapshot, error)
}

// Coordinator composes a Subscriber and a Poller behind Wait. The
// subscriber may be nil, in which case Wait only polls.
type Coordinator struct {
	sub      Subscriber
	poller   Poller
	interval time.Duration
	logger   zerolog.Logger
}

func New(sub Subscriber, poller Poller, interval time.Duration, logger zerolog.Logger) *Coordinator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Coordinator{
		sub:      sub,
		poller:   poller,
		interval: interval,
		logger:   infra.ComponentLogger(logger, "waiter"),
	}
}

// Wait returns the terminal snapshot of jobID. A failed job yields
// *JobFailedError together with its snapshot; an ended context yields
// ErrCancelled wrapping the context cause; an unknown job yields
// domain.ErrNotFound.
func (c *Coordinator) Wait(ctx context.Context, jobID string) (domain.JobSnapshot, error) {
	if ctx.Err() != nil {
		return domain.JobSnapshot{}, cancelled(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before the first poll so a transition between the two is
	// delivered rather than left to the next tick.
	var updates <-chan domain.JobSnapshot
	if c.sub != nil {
		ch, unsubscribe, err := c.sub.Subscribe(ctx, jobID)
		if err != nil {
			c.logger.Debug().Err(err).Str("job_id", jobID).Msg("waiter: subscription unavailable, polling only")
		} else {
			defer unsubscribe()
			updates = ch
		}
	}

	snap, err := c.poller.Poll(ctx, jobID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return domain.JobSnapshot{}, err
	case err != nil:
		if ctx.Err() != nil {
			return domain.JobSnapshot{}, cancelled(ctx)
		}
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("waiter: initial poll failed")
	case snap.Terminal():
		return settle(snap)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return domain.JobSnapshot{}, cancelled(ctx)
		case snap, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if snap.Terminal() {
				return settle(c.complete(ctx, jobID, snap))
			}
		case <-ticker.C:
			snap, err := c.poller.Poll(ctx, jobID)
			if errors.Is(err, domain.ErrNotFound) {
				return domain.JobSnapshot{}, err
			}
			if err != nil {
				if ctx.Err() != nil {
					return domain.JobSnapshot{}, cancelled(ctx)
				}
				c.logger.Warn().Err(err).Str("job_id", jobID).Msg("waiter: poll failed")
				continue
			}
			if snap.Terminal() {
				return settle(snap)
			}
		}
	}
}

// complete fills in result data that change notifications leave out.
func (c *Coordinator) complete(ctx context.Context, jobID string, snap domain.JobSnapshot) domain.JobSnapshot {
	if snap.Status != domain.JobStatusSuccess || len(snap.ResultData) > 0 {
		return snap
	}
	full, err := c.poller.Poll(ctx, jobID)
	if err != nil || !full.Terminal() {
		return snap
	}
	return full
}

func settle(snap domain.JobSnapshot) (domain.JobSnapshot, error) {
	if snap.Status == domain.JobStatusFailed {
		return snap, &JobFailedError{Snapshot: snap}
	}
	return snap, nil
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}

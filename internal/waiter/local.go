package waiter

import (
	"context"
	"sync"

	"productshot/internal/domain"
	"productshot/internal/events"
)

// HubSubscriber subscribes to an in-process job hub fed by the database
// notification bridge. With UserID set, snapshots of other users' jobs are
// dropped, matching OwnedPoller.
type HubSubscriber struct {
	Hub    *events.Hub[domain.JobSnapshot]
	UserID string
}

func (s HubSubscriber) Subscribe(ctx context.Context, jobID string) (<-chan domain.JobSnapshot, func(), error) {
	ch, unsubscribe := s.Hub.Subscribe(jobID)
	if s.UserID == "" {
		return ch, unsubscribe, nil
	}

	out := make(chan domain.JobSnapshot, cap(ch))
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			unsubscribe()
		})
	}
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case snap, ok := <-ch:
				if !ok {
					return
				}
				if snap.UserID != s.UserID {
					continue
				}
				select {
				case out <- snap:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, stop, nil
}

// SnapshotReader is the read side of the job service.
type SnapshotReader interface {
	Snapshot(ctx context.Context, jobID string) (domain.JobSnapshot, error)
}

// OwnedPoller polls a job through the job service, hiding jobs of other
// users.
type OwnedPoller struct {
	Jobs   SnapshotReader
	UserID string
}

func (p OwnedPoller) Poll(ctx context.Context, jobID string) (domain.JobSnapshot, error) {
	snap, err := p.Jobs.Snapshot(ctx, jobID)
	if err != nil {
		return domain.JobSnapshot{}, err
	}
	if p.UserID != "" && snap.UserID != p.UserID {
		return domain.JobSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

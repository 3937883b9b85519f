// Package metrics counts worker activity and reads queue depth.
package metrics

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"productshot/internal/domain"
	"productshot/internal/infra"
	"productshot/internal/sqlinline"
)

type Counters struct {
	Claimed   uint64 `json:"claimed"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Lost      uint64 `json:"claims_lost"`
	Exhausted uint64 `json:"retries_exhausted"`
	Panics    uint64 `json:"panics"`
	Nudges    uint64 `json:"nudges"`
}

type Metrics struct {
	claimed   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	lost      atomic.Uint64
	exhausted atomic.Uint64
	panics    atomic.Uint64
	nudges    atomic.Uint64
}

func (m *Metrics) IncClaimed()   { m.claimed.Add(1) }
func (m *Metrics) IncCompleted() { m.completed.Add(1) }
func (m *Metrics) IncFailed()    { m.failed.Add(1) }
func (m *Metrics) IncRetried()   { m.retried.Add(1) }
func (m *Metrics) IncLost()      { m.lost.Add(1) }
func (m *Metrics) IncExhausted() { m.exhausted.Add(1) }
func (m *Metrics) IncPanics()    { m.panics.Add(1) }
func (m *Metrics) IncNudges()    { m.nudges.Add(1) }

func (m *Metrics) Snapshot() Counters {
	return Counters{
		Claimed:   m.claimed.Load(),
		Completed: m.completed.Load(),
		Failed:    m.failed.Load(),
		Retried:   m.retried.Load(),
		Lost:      m.lost.Load(),
		Exhausted: m.exhausted.Load(),
		Panics:    m.panics.Load(),
		Nudges:    m.nudges.Load(),
	}
}

// Every calls f on a ticker until the returned function is called.
func Every(d time.Duration, f func()) func() {
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				f()
			}
		}
	}()
	return func() { close(stop) }
}

// QueueDepth counts tasks per status.
func QueueDepth(ctx context.Context, db infra.SQLExecutor) (map[domain.TaskStatus]int64, error) {
	rows, err := db.Query(ctx, sqlinline.QTaskCountByStatus)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := map[domain.TaskStatus]int64{}
	for rows.Next() {
		var (
			status domain.TaskStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

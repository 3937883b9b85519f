package metrics

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"productshot/internal/domain"
	"productshot/internal/infra/memdb"
	"productshot/internal/sqlinline"
)

func TestCountersAreConcurrencySafe(t *testing.T) {
	var m Metrics
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncClaimed()
			m.IncCompleted()
		}()
	}
	wg.Wait()
	m.IncRetried()
	s := m.Snapshot()
	if s.Claimed != 50 || s.Completed != 50 || s.Retried != 1 || s.Failed != 0 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestEveryStops(t *testing.T) {
	var calls atomic.Int32
	stop := Every(time.Millisecond, func() { calls.Add(1) })
	time.Sleep(20 * time.Millisecond)
	stop()
	seen := calls.Load()
	if seen == 0 {
		t.Fatal("ticker never fired")
	}
	time.Sleep(10 * time.Millisecond)
	if calls.Load() > seen+1 {
		t.Fatalf("still ticking after stop: %d -> %d", seen, calls.Load())
	}
}

func TestQueueDepth(t *testing.T) {
	db := memdb.New()
	user := uuid.NewString()
	db.SeedProfile(user, 0, 10)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		jobID := uuid.NewString()
		if _, err := db.Exec(ctx, sqlinline.QJobInsert, jobID, user, string(domain.JobTypeAnalysis), json.RawMessage(`{}`), 1, 0, 1, nil, nil, 0); err != nil {
			t.Fatalf("insert job: %v", err)
		}
		if _, err := db.Exec(ctx, sqlinline.QTaskInsert, uuid.NewString(), jobID, string(domain.JobTypeAnalysis), json.RawMessage(`{}`)); err != nil {
			t.Fatalf("insert task: %v", err)
		}
	}
	depth, err := QueueDepth(ctx, db)
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth[domain.TaskStatusQueued] != 3 || len(depth) != 1 {
		t.Fatalf("depth = %v", depth)
	}
}

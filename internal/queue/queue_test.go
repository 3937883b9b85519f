package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"productshot/internal/domain"
	"productshot/internal/infra/memdb"
	"productshot/internal/jobs"
	"productshot/internal/ledger"
	"productshot/internal/nudge"
	"productshot/internal/pricing"
	"productshot/internal/sqlinline"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type harness struct {
	db     *memdb.DB
	clock  *testClock
	base   time.Time
	queue  *Queue
	jobs   *jobs.Service
	userID string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &testClock{now: base}
	db := memdb.New()
	db.SetClock(clock.Now)
	userID := uuid.NewString()
	db.SeedProfile(userID, 5, 10)

	l := ledger.New(db, zerolog.Nop(), ledger.Options{})
	return &harness{
		db:     db,
		clock:  clock,
		base:   base,
		queue:  New(db, l, zerolog.Nop(), Options{Now: clock.Now, Jitter: func() float64 { return 0.5 }}),
		jobs:   jobs.NewService(db, l, pricing.NewSource(""), nudge.Noop{}, zerolog.Nop()),
		userID: userID,
	}
}

// submit creates an 8-credit job, charged as 5 subscription + 3 purchased.
func (h *harness) submit(t *testing.T) string {
	t.Helper()
	res, err := h.jobs.Submit(context.Background(), jobs.SubmitRequest{
		UserID:  h.userID,
		Type:    domain.JobTypeImageGen,
		Payload: json.RawMessage(`{"image_url":"https://cdn.example.com/p.png","model":"nano-banana","resolution":"2K","count":2}`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return res.JobID
}

func (h *harness) at(d time.Duration) {
	h.clock.Set(h.base.Add(d))
}

func (h *harness) task(t *testing.T, jobID string) domain.Task {
	t.Helper()
	task, ok := h.db.Task(jobID)
	if !ok {
		t.Fatalf("task for %s missing", jobID)
	}
	return task
}

func (h *harness) job(t *testing.T, jobID string) domain.Job {
	t.Helper()
	job, ok := h.db.Job(jobID)
	if !ok {
		t.Fatalf("job %s missing", jobID)
	}
	return job
}

func TestConcurrentClaimsHaveExactlyOneWinner(t *testing.T) {
	h := newHarness(t)
	jobID := h.submit(t)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		losers  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.queue.Claim(context.Background(), jobID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrNotClaimable):
				losers++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 || losers != workers-1 {
		t.Fatalf("winners=%d losers=%d", winners, losers)
	}
	if got := h.task(t, jobID).Attempts; got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestClaimStatementAffectsOneRowThenZero(t *testing.T) {
	h := newHarness(t)
	jobID := h.submit(t)
	stale := DefaultStaleThreshold.Seconds()
	now := h.base

	first, err := h.db.Exec(context.Background(), sqlinline.QTaskClaim, jobID, stale, &now)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	second, err := h.db.Exec(context.Background(), sqlinline.QTaskClaim, jobID, stale, &now)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if first.RowsAffected() != 1 || second.RowsAffected() != 0 {
		t.Fatalf("rows affected = %d, %d; want 1, 0", first.RowsAffected(), second.RowsAffected())
	}
}

func TestStaleTaskIsReclaimableExactlyAtThreshold(t *testing.T) {
	h := newHarness(t)
	jobID := h.submit(t)

	first, err := h.queue.Claim(context.Background(), jobID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	h.at(DefaultStaleThreshold - time.Millisecond)
	if _, err := h.queue.Claim(context.Background(), jobID); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("claim before threshold err = %v, want ErrNotClaimable", err)
	}

	h.at(DefaultStaleThreshold)
	second, err := h.queue.Claim(context.Background(), jobID)
	if err != nil {
		t.Fatalf("claim at threshold: %v", err)
	}
	if second.Attempt != first.Attempt+1 {
		t.Fatalf("attempt = %d, want %d", second.Attempt, first.Attempt+1)
	}
	task := h.task(t, jobID)
	if task.Status != domain.TaskStatusRunning || task.LockedAt == nil || !task.LockedAt.Equal(h.base.Add(DefaultStaleThreshold)) {
		t.Fatalf("task after reclaim = %+v", task)
	}
}

func TestSupersededClaimCannotWrite(t *testing.T) {
	h := newHarness(t)
	jobID := h.submit(t)

	slow, err := h.queue.Claim(context.Background(), jobID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	h.at(DefaultStaleThreshold)
	fresh, err := h.queue.Claim(context.Background(), jobID)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	if _, err := h.queue.Complete(context.Background(), slow, Result{URL: "https://cdn.example.com/stale.png"}); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("stale complete err = %v, want ErrClaimLost", err)
	}
	if _, err := h.queue.Fail(context.Background(), slow, Failure{Code: "provider_error", Message: "late"}); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("stale fail err = %v, want ErrClaimLost", err)
	}
	if job := h.job(t, jobID); job.Status != domain.JobStatusProcessing || job.ResultURL != nil {
		t.Fatalf("job after stale writes = %+v", job)
	}

	snap, err := h.queue.Complete(context.Background(), fresh, Result{URL: "https://cdn.example.com/fresh.png", Data: json.RawMessage(`{"images":["fresh"]}`)})
	if err != nil {
		t.Fatalf("fresh complete: %v", err)
	}
	if snap.Status != domain.JobStatusSuccess || snap.ResultURL != "https://cdn.example.com/fresh.png" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestCompleteIsTerminal(t *testing.T) {
	h := newHarness(t)
	jobID := h.submit(t)

	c, err := h.queue.Claim(context.Background(), jobID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := h.queue.Complete(context.Background(), c, Result{URL: "https://cdn.example.com/a.png"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if task := h.task(t, jobID); task.Status != domain.TaskStatusSuccess || task.LockedAt != nil {
		t.Fatalf("task = %+v", task)
	}
	if job := h.job(t, jobID); job.Status != domain.JobStatusSuccess || *job.ResultURL != "https://cdn.example.com/a.png" {
		t.Fatalf("job = %+v", job)
	}

	h.at(10 * DefaultStaleThreshold)
	if _, err := h.queue.Claim(context.Background(), jobID); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("claim after success err = %v, want ErrNotClaimable", err)
	}
	if _, err := h.queue.Complete(context.Background(), c, Result{}); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("double complete err = %v, want ErrClaimLost", err)
	}

	events := h.db.Notifications(sqlinline.ChannelJobEvents)
	if len(events) != 1 {
		t.Fatalf("job notifications = %d, want 1", len(events))
	}
	var snap domain.JobSnapshot
	if err := json.Unmarshal([]byte(events[0].Payload), &snap); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if snap.JobID != jobID || snap.Status != domain.JobStatusSuccess {
		t.Fatalf("notified snapshot = %+v", snap)
	}
}

func TestRetryableFailureRequeuesWithBackoff(t *testing.T) {
	h := newHarness(t)
	jobID := h.submit(t)

	c, err := h.queue.Claim(context.Background(), jobID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	out, err := h.queue.Fail(context.Background(), c, Failure{Code: "upstream_timeout", Message: "timeout", Retryable: true})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !out.Retried || out.Delay != DefaultBaseBackoff {
		t.Fatalf("outcome = %+v", out)
	}

	task := h.task(t, jobID)
	if task.Status != domain.TaskStatusQueued || task.LockedAt != nil || !task.RunAfter.Equal(h.base.Add(DefaultBaseBackoff)) {
		t.Fatalf("task = %+v", task)
	}
	if task.LastError == nil || *task.LastError != "upstream_timeout: timeout" {
		t.Fatalf("last_error = %v", task.LastError)
	}
	if job := h.job(t, jobID); job.Status != domain.JobStatusProcessing || job.BERetry != 1 {
		t.Fatalf("job = %+v", job)
	}

	h.at(DefaultBaseBackoff - time.Second)
	if _, err := h.queue.Claim(context.Background(), jobID); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("claim during backoff err = %v, want ErrNotClaimable", err)
	}
	h.at(DefaultBaseBackoff)
	again, err := h.queue.Claim(context.Background(), jobID)
	if err != nil {
		t.Fatalf("claim after backoff: %v", err)
	}
	if again.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", again.Attempt)
	}
}

func TestFailureAtCeilingFailsJobAndRefunds(t *testing.T) {
	h := newHarness(t)
	jobID := h.submit(t)

	var (
		c   *Claim
		err error
	)
	elapsed := time.Duration(0)
	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		c, err = h.queue.Claim(context.Background(), jobID)
		if err != nil {
			t.Fatalf("claim %d: %v", attempt, err)
		}
		out, err := h.queue.Fail(context.Background(), c, Failure{Code: "upstream_error", Message: "502", Retryable: true})
		if err != nil {
			t.Fatalf("fail %d: %v", attempt, err)
		}
		if attempt < DefaultMaxAttempts {
			if !out.Retried {
				t.Fatalf("attempt %d not retried", attempt)
			}
			elapsed += out.Delay
			h.at(elapsed)
			continue
		}
		if out.Retried || !out.Refunded || out.Snapshot.Status != domain.JobStatusFailed {
			t.Fatalf("final outcome = %+v", out)
		}
	}

	job := h.job(t, jobID)
	if job.Status != domain.JobStatusFailed || !job.IsRefunded || *job.ErrorCode != "upstream_error" || job.BERetry != 2 {
		t.Fatalf("job = %+v", job)
	}
	if task := h.task(t, jobID); task.Status != domain.TaskStatusFailed || task.Attempts != DefaultMaxAttempts {
		t.Fatalf("task = %+v", task)
	}
	p, _ := h.db.Profile(h.userID)
	if p.Balance != (domain.Balance{Subscription: 5, Purchased: 10}) {
		t.Fatalf("balance = %+v, want (5, 10)", p.Balance)
	}
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	h := newHarness(t)
	jobID := h.submit(t)

	c, err := h.queue.Claim(context.Background(), jobID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	out, err := h.queue.Fail(context.Background(), c, Failure{Code: "invalid_image", Message: "unsupported format"})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if out.Retried || !out.Refunded {
		t.Fatalf("outcome = %+v", out)
	}
	if job := h.job(t, jobID); job.Status != domain.JobStatusFailed || *job.ErrorMessage != "unsupported format" {
		t.Fatalf("job = %+v", job)
	}
}

func TestRefundFailureRollsBackTerminalFailure(t *testing.T) {
	h := newHarness(t)
	jobID := h.submit(t)

	c, err := h.queue.Claim(context.Background(), jobID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	h.db.FailOn(sqlinline.QJobMarkRefunded, errors.New("connection reset"))
	if _, err := h.queue.Fail(context.Background(), c, Failure{Code: "invalid_image", Message: "bad"}); err == nil {
		t.Fatal("expected refund error")
	}
	if job := h.job(t, jobID); job.Status != domain.JobStatusProcessing || job.IsRefunded {
		t.Fatalf("job = %+v, want untouched", job)
	}
	if task := h.task(t, jobID); task.Status != domain.TaskStatusRunning {
		t.Fatalf("task = %+v, want still running", task)
	}

	h.db.FailOn(sqlinline.QJobMarkRefunded, nil)
	if _, err := h.queue.Fail(context.Background(), c, Failure{Code: "invalid_image", Message: "bad"}); err != nil {
		t.Fatalf("retry fail: %v", err)
	}
	if job := h.job(t, jobID); job.Status != domain.JobStatusFailed || !job.IsRefunded {
		t.Fatalf("job = %+v", job)
	}
}

func TestCrashLoopingTaskIsFailedOnceCeilingIsExceeded(t *testing.T) {
	h := newHarness(t)
	jobID := h.submit(t)

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		h.at(time.Duration(attempt-1) * DefaultStaleThreshold)
		if _, err := h.queue.Claim(context.Background(), jobID); err != nil {
			t.Fatalf("claim %d: %v", attempt, err)
		}
	}

	h.at(time.Duration(DefaultMaxAttempts) * DefaultStaleThreshold)
	if _, err := h.queue.Claim(context.Background(), jobID); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}
	job := h.job(t, jobID)
	if job.Status != domain.JobStatusFailed || *job.ErrorCode != CodeRetriesExhausted || !job.IsRefunded {
		t.Fatalf("job = %+v", job)
	}
	if task := h.task(t, jobID); task.Status != domain.TaskStatusFailed || task.Attempts != DefaultMaxAttempts+1 {
		t.Fatalf("task = %+v", task)
	}
}

func TestClaimableJobIDsOrdersByRunAfter(t *testing.T) {
	h := newHarness(t)
	h.db.SeedProfile(h.userID, 100, 0)
	first := h.submit(t)
	h.at(time.Second)
	second := h.submit(t)
	h.at(2 * time.Second)
	running := h.submit(t)
	if _, err := h.queue.Claim(context.Background(), running); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ids, err := h.queue.ClaimableJobIDs(context.Background(), 10)
	if err != nil {
		t.Fatalf("claimable: %v", err)
	}
	if len(ids) != 2 || ids[0] != first || ids[1] != second {
		t.Fatalf("ids = %v, want [%s %s]", ids, first, second)
	}
}

func TestBackoff(t *testing.T) {
	base, limit := 5*time.Second, 5*time.Minute
	cases := []struct {
		attempt int
		jitter  float64
		want    time.Duration
	}{
		{1, 0.5, 5 * time.Second},
		{2, 0.5, 10 * time.Second},
		{3, 0.5, 20 * time.Second},
		{3, 0, 19 * time.Second},
		{3, 1, 21 * time.Second},
		{20, 0.5, 5 * time.Minute},
		{20, 1, 5 * time.Minute},
		{0, 0.5, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(base, limit, tc.attempt, tc.jitter); got != tc.want {
			t.Fatalf("Backoff(attempt=%d, jitter=%v) = %s, want %s", tc.attempt, tc.jitter, got, tc.want)
		}
	}
}

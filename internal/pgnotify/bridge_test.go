package pgnotify

import (
	"testing"

	"github.com/rs/zerolog"

	"productshot/internal/domain"
	"productshot/internal/events"
	"productshot/internal/sqlinline"
)

func newBridge() (*Bridge, *events.Hub[domain.JobSnapshot], *events.Hub[domain.BalanceEvent]) {
	jobs := events.NewHub[domain.JobSnapshot](4)
	credits := events.NewHub[domain.BalanceEvent](4)
	return NewBridge("", jobs, credits, zerolog.Nop()), jobs, credits
}

func TestDispatchJobEventReachesJobAndUserTopics(t *testing.T) {
	b, jobs, _ := newBridge()
	byJob, unsubJob := jobs.Subscribe("job-1")
	defer unsubJob()
	byUser, unsubUser := jobs.Subscribe(UserTopic("user-1"))
	defer unsubUser()

	err := b.Dispatch(sqlinline.ChannelJobEvents, `{"job_id":"job-1","user_id":"user-1","status":"success","is_refunded":false,"updated_at":"2026-03-01T12:00:00Z"}`)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for _, ch := range []<-chan domain.JobSnapshot{byJob, byUser} {
		snap := <-ch
		if snap.JobID != "job-1" || snap.Status != domain.JobStatusSuccess {
			t.Fatalf("snapshot = %+v", snap)
		}
	}
}

func TestDispatchCreditEvent(t *testing.T) {
	b, _, credits := newBridge()
	ch, unsub := credits.Subscribe("user-1")
	defer unsub()

	if err := b.Dispatch(sqlinline.ChannelCreditEvents, `{"user_id":"user-1","subscription_credits":2,"purchased_credits":3,"available":5}`); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	ev := <-ch
	if ev.Available != 5 || ev.Subscription != 2 || ev.Purchased != 3 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestDispatchRejectsGarbage(t *testing.T) {
	b, _, _ := newBridge()
	cases := []struct{ channel, payload string }{
		{sqlinline.ChannelJobEvents, "not json"},
		{sqlinline.ChannelJobEvents, `{"status":"success"}`},
		{sqlinline.ChannelCreditEvents, `{"available":1}`},
		{"other", `{}`},
	}
	for _, tc := range cases {
		if err := b.Dispatch(tc.channel, tc.payload); err == nil {
			t.Fatalf("Dispatch(%s, %s) succeeded", tc.channel, tc.payload)
		}
	}
}

package domain

import (
	"encoding/json"
	"testing"
)

func TestJobStatusTerminal(t *testing.T) {
	cases := map[JobStatus]bool{
		JobStatusProcessing: false,
		JobStatusSuccess:    true,
		JobStatusFailed:     true,
		JobStatus("queued"): false,
	}
	for status, want := range cases {
		if got := (JobSnapshot{Status: status}).Terminal(); got != want {
			t.Fatalf("Terminal(%q) = %v, want %v", status, got, want)
		}
	}
}

func TestJobTypeValid(t *testing.T) {
	for _, typ := range []JobType{JobTypeAnalysis, JobTypeImageGen, JobTypeStyleReplicate} {
		if !typ.Valid() {
			t.Fatalf("%q should be valid", typ)
		}
	}
	if JobType("VIDEO_GEN").Valid() {
		t.Fatal("VIDEO_GEN should not be valid")
	}
}

func TestSnapshotFlattensOptionalFields(t *testing.T) {
	code, msg := "provider_error", "upstream 500"
	j := Job{ID: "j1", UserID: "u1", Type: JobTypeImageGen, Status: JobStatusFailed, ErrorCode: &code, ErrorMessage: &msg, IsRefunded: true}

	snap := j.Snapshot()
	if snap.ErrorCode != code || snap.ErrorMessage != msg || snap.ResultURL != "" || !snap.IsRefunded {
		t.Fatalf("snapshot = %+v", snap)
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := fields["result_url"]; ok {
		t.Fatalf("empty result_url should be omitted: %s", raw)
	}
	if fields["status"] != "failed" || fields["is_refunded"] != true {
		t.Fatalf("fields = %v", fields)
	}
}

func TestBalanceEventAvailable(t *testing.T) {
	ev := NewBalanceEvent("u1", Balance{Subscription: 3, Purchased: 4})
	if ev.Available != 7 {
		t.Fatalf("available = %d, want 7", ev.Available)
	}
	raw, _ := json.Marshal(ev)
	var fields map[string]any
	_ = json.Unmarshal(raw, &fields)
	if fields["subscription_credits"] != float64(3) || fields["purchased_credits"] != float64(4) {
		t.Fatalf("fields = %v", fields)
	}
}

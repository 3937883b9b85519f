package nudge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"productshot/internal/infra"
)

func TestHTTPNudgeReachesSource(t *testing.T) {
	source := NewHTTPSource(4)
	srv := httptest.NewServer(source)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ids, err := source.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	if err := NewHTTPNudger(srv.URL, srv.Client()).Nudge(ctx, "job-1"); err != nil {
		t.Fatalf("nudge: %v", err)
	}

	select {
	case id := <-ids:
		if id != "job-1" {
			t.Fatalf("got %q, want job-1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("nudge not delivered")
	}
}

func TestHTTPSourceRejectsMalformedBodies(t *testing.T) {
	source := NewHTTPSource(1)
	for _, body := range []string{"not json", `{"job_id":""}`} {
		rec := httptest.NewRecorder()
		source.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/nudge", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status %d, want 400", body, rec.Code)
		}
	}
}

func TestHTTPSourceDropsWhenFull(t *testing.T) {
	source := NewHTTPSource(1)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		source.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/nudge", strings.NewReader(`{"job_id":"j"}`)))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status %d, want 202", rec.Code)
		}
	}
	if len(source.ch) != 1 {
		t.Fatalf("buffered = %d, want 1", len(source.ch))
	}
}

func TestHTTPNudgerReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := NewHTTPNudger(srv.URL, srv.Client()).Nudge(context.Background(), "job-1"); err == nil {
		t.Fatal("expected error for 503")
	}
}

type recordingNudger struct {
	mu   sync.Mutex
	ids  []string
	err  error
	done chan struct{}
}

func (r *recordingNudger) Nudge(ctx context.Context, jobID string) error {
	r.mu.Lock()
	r.ids = append(r.ids, jobID)
	r.mu.Unlock()
	close(r.done)
	return r.err
}

func TestAsyncSwallowsErrorsAndOutlivesCaller(t *testing.T) {
	inner := &recordingNudger{err: errors.New("unreachable"), done: make(chan struct{})}
	n := Async(inner, zerolog.Nop(), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	if err := n.Nudge(ctx, "job-9"); err != nil {
		t.Fatalf("async nudge returned %v", err)
	}
	cancel()

	select {
	case <-inner.done:
	case <-time.After(time.Second):
		t.Fatal("inner nudger never called")
	}
	inner.mu.Lock()
	defer inner.mu.Unlock()
	if len(inner.ids) != 1 || inner.ids[0] != "job-9" {
		t.Fatalf("ids = %v", inner.ids)
	}
}

func TestNoop(t *testing.T) {
	if err := (Noop{}).Nudge(context.Background(), "x"); err != nil {
		t.Fatalf("noop returned %v", err)
	}
}

func TestOpenTransport(t *testing.T) {
	none, err := Open(&infra.Config{NudgeTransport: infra.NudgeNone}, zerolog.Nop())
	if err != nil || none.Source != nil || none.Handler != nil {
		t.Fatalf("none = %+v, %v", none, err)
	}
	if _, ok := none.Nudger.(Noop); !ok {
		t.Fatalf("none nudger = %T", none.Nudger)
	}

	h, err := Open(&infra.Config{NudgeTransport: infra.NudgeHTTP, WorkerNudgeURL: "http://worker.internal/v1/nudge"}, zerolog.Nop())
	if err != nil || h.Source == nil || h.Handler == nil || h.Nudger == nil {
		t.Fatalf("http = %+v, %v", h, err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := Open(&infra.Config{NudgeTransport: "carrier-pigeon"}, zerolog.Nop()); err == nil {
		t.Fatal("unknown transport accepted")
	}
}

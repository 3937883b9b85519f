package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"productshot/internal/domain"
	"productshot/internal/pgnotify"
	"productshot/internal/waiter"
)

// JobEvents streams snapshots of one job over a websocket: the current state
// first, then every change, closing after the terminal one.
func (a *App) JobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	poller := waiter.OwnedPoller{Jobs: a.Jobs, UserID: a.currentUserID(r)}

	// Subscribe before reading so a change between the two is not lost.
	updates, unsubscribe := a.JobHub.Subscribe(jobID)
	defer unsubscribe()
	current, err := poller.Poll(r.Context(), jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	conn, err := a.upgrader().Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	err = pump(conn, []domain.JobSnapshot{current}, updates, stream[domain.JobSnapshot]{
		final: domain.JobSnapshot.Terminal,
		prepare: func(s domain.JobSnapshot) domain.JobSnapshot {
			return withResultData(context.WithoutCancel(r.Context()), poller, s)
		},
		resync: func() (domain.JobSnapshot, error) { return poller.Poll(r.Context(), jobID) },
	})
	if err != nil {
		a.Logger.Debug().Err(err).Str("job_id", jobID).Msg("api: job stream ended")
	}
}

// JobFeed streams every job change of the caller: the jobs still processing
// first, oldest first, then each change until the client goes away.
func (a *App) JobFeed(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	poller := waiter.OwnedPoller{Jobs: a.Jobs, UserID: userID}

	updates, unsubscribe := a.JobHub.Subscribe(pgnotify.UserTopic(userID))
	defer unsubscribe()
	recent, err := a.Jobs.List(r.Context(), userID, 0)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var pending []domain.JobSnapshot
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Status == domain.JobStatusProcessing {
			pending = append(pending, recent[i].Snapshot())
		}
	}

	conn, err := a.upgrader().Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	err = pump(conn, pending, updates, stream[domain.JobSnapshot]{
		prepare: func(s domain.JobSnapshot) domain.JobSnapshot {
			return withResultData(context.WithoutCancel(r.Context()), poller, s)
		},
	})
	if err != nil {
		a.Logger.Debug().Err(err).Str("user_id", userID).Msg("api: job feed ended")
	}
}

// withResultData re-reads a successful job whose notification left out
// result_data.
func withResultData(ctx context.Context, poller waiter.Poller, s domain.JobSnapshot) domain.JobSnapshot {
	if s.Status != domain.JobStatusSuccess || len(s.ResultData) > 0 {
		return s
	}
	if full, err := poller.Poll(ctx, s.JobID); err == nil {
		return full
	}
	return s
}

// CreditEvents streams the caller's balance: the current one first, then
// every change until the client goes away.
func (a *App) CreditEvents(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	updates, unsubscribe := a.CreditHub.Subscribe(userID)
	defer unsubscribe()
	profile, err := a.Ledger.Profile(r.Context(), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	conn, err := a.upgrader().Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if err := pump(conn, []domain.BalanceEvent{domain.NewBalanceEvent(userID, profile.Balance)}, updates, stream[domain.BalanceEvent]{}); err != nil {
		a.Logger.Debug().Err(err).Str("user_id", userID).Msg("api: credit stream ended")
	}
}

type stream[T any] struct {
	// final ends the stream after the value is sent.
	final func(T) bool
	// prepare rewrites a value before it is sent.
	prepare func(T) T
	// resync re-reads the state on every ping tick, covering updates the
	// hub dropped.
	resync func() (T, error)
}

func pump[T any](conn *websocket.Conn, first []T, updates <-chan T, s stream[T]) error {
	// Clear the deadline inherited from the server's read timeout.
	_ = conn.SetReadDeadline(time.Time{})
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	// send reports whether the stream is finished.
	send := func(v T) (bool, error) {
		if s.prepare != nil {
			v = s.prepare(v)
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(v); err != nil {
			return true, err
		}
		if s.final != nil && s.final(v) {
			return true, closeNormal(conn)
		}
		return false, nil
	}

	for _, v := range first {
		if done, err := send(v); done {
			return err
		}
	}
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return nil
		case v, ok := <-updates:
			if !ok {
				return closeNormal(conn)
			}
			if done, err := send(v); done {
				return err
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return err
			}
			if s.resync == nil || s.final == nil {
				continue
			}
			if v, err := s.resync(); err == nil && s.final(v) {
				_, err := send(v)
				return err
			}
		}
	}
}

func closeNormal(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteTimeout))
}

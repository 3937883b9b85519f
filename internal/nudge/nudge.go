// Package nudge wakes a worker sooner than its next poll. Delivery is best
// effort: a lost nudge only costs latency because the task queue stays
// pollable.
package nudge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Nudger signals that the task of jobID is ready to be claimed.
type Nudger interface {
	Nudge(ctx context.Context, jobID string) error
}

// Source delivers nudged job ids to a worker until ctx is done. The channel
// closes when the source stops.
type Source interface {
	Listen(ctx context.Context) (<-chan string, error)
}

// Message is the wire body shared by every transport.
type Message struct {
	JobID string `json:"job_id"`
}

func encode(jobID string) ([]byte, error) {
	return json.Marshal(Message{JobID: jobID})
}

func decode(body []byte) (string, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return "", fmt.Errorf("decode nudge: %w", err)
	}
	if m.JobID == "" {
		return "", fmt.Errorf("decode nudge: missing job_id")
	}
	return m.JobID, nil
}

// Noop drops every nudge.
type Noop struct{}

func (Noop) Nudge(context.Context, string) error { return nil }

type async struct {
	next    Nudger
	logger  zerolog.Logger
	timeout time.Duration
}

// Async returns a Nudger that sends in the background with its own timeout
// and never reports an error to the caller.
func Async(next Nudger, logger zerolog.Logger, timeout time.Duration) Nudger {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &async{next: next, logger: logger, timeout: timeout}
}

func (a *async) Nudge(ctx context.Context, jobID string) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.next.Nudge(ctx, jobID); err != nil {
			a.logger.Debug().Err(err).Str("job_id", jobID).Msg("nudge: delivery failed, worker will poll")
		}
	}()
	return nil
}

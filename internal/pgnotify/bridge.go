// Package pgnotify forwards Postgres NOTIFY payloads into the in-process
// event hubs. Missed notifications are tolerated: every consumer also polls.
package pgnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"productshot/internal/domain"
	"productshot/internal/events"
	"productshot/internal/infra"
	"productshot/internal/sqlinline"
)

const pingInterval = 90 * time.Second

// Bridge listens on the job and credit channels.
type Bridge struct {
	dsn     string
	jobs    *events.Hub[domain.JobSnapshot]
	credits *events.Hub[domain.BalanceEvent]
	logger  zerolog.Logger
}

func NewBridge(dsn string, jobs *events.Hub[domain.JobSnapshot], credits *events.Hub[domain.BalanceEvent], logger zerolog.Logger) *Bridge {
	return &Bridge{dsn: dsn, jobs: jobs, credits: credits, logger: infra.ComponentLogger(logger, "pgnotify")}
}

// Run blocks until ctx is done. The pq listener reconnects on its own.
func (b *Bridge) Run(ctx context.Context) error {
	listener := pq.NewListener(b.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			b.logger.Info().Msg("pgnotify: connected")
		case pq.ListenerEventDisconnected:
			b.logger.Warn().Err(err).Msg("pgnotify: disconnected")
		case pq.ListenerEventReconnected:
			b.logger.Info().Msg("pgnotify: reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			b.logger.Warn().Err(err).Msg("pgnotify: connection attempt failed")
		}
	})
	defer listener.Close()

	for _, channel := range []string{sqlinline.ChannelJobEvents, sqlinline.ChannelCreditEvents} {
		if err := listener.Listen(channel); err != nil {
			return fmt.Errorf("listen %s: %w", channel, err)
		}
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// Delivered after a reconnect; anything sent meanwhile is lost.
				continue
			}
			if err := b.Dispatch(n.Channel, n.Extra); err != nil {
				b.logger.Warn().Err(err).Str("channel", n.Channel).Msg("pgnotify: dropped notification")
			}
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					b.logger.Warn().Err(err).Msg("pgnotify: ping failed")
				}
			}()
		}
	}
}

// Dispatch decodes one payload and publishes it to the matching hub.
func (b *Bridge) Dispatch(channel, payload string) error {
	switch channel {
	case sqlinline.ChannelJobEvents:
		var snap domain.JobSnapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return fmt.Errorf("decode job event: %w", err)
		}
		if snap.JobID == "" {
			return fmt.Errorf("job event without job_id")
		}
		b.jobs.Publish(snap.JobID, snap)
		if snap.UserID != "" {
			b.jobs.Publish(UserTopic(snap.UserID), snap)
		}
	case sqlinline.ChannelCreditEvents:
		var ev domain.BalanceEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return fmt.Errorf("decode credit event: %w", err)
		}
		if ev.UserID == "" {
			return fmt.Errorf("credit event without user_id")
		}
		b.credits.Publish(ev.UserID, ev)
	default:
		return fmt.Errorf("unexpected channel %q", channel)
	}
	return nil
}

// UserTopic is the job hub topic carrying every job of one user.
func UserTopic(userID string) string {
	return "user:" + userID
}

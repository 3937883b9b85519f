package nudge

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRedisChannel is the pub/sub channel nudges travel on.
const DefaultRedisChannel = "productshot:task-ready"

// RedisNudger publishes nudges on a Redis channel.
type RedisNudger struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisNudger(client redis.UniversalClient, channel string) *RedisNudger {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisNudger{client: client, channel: channel}
}

func (n *RedisNudger) Nudge(ctx context.Context, jobID string) error {
	body, err := encode(jobID)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, n.channel, body).Err(); err != nil {
		return fmt.Errorf("publish nudge: %w", err)
	}
	return nil
}

// RedisSource subscribes to the nudge channel.
type RedisSource struct {
	client  redis.UniversalClient
	channel string
	logger  zerolog.Logger
}

func NewRedisSource(client redis.UniversalClient, channel string, logger zerolog.Logger) *RedisSource {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSource{client: client, channel: channel, logger: logger}
}

func (s *RedisSource) Listen(ctx context.Context) (<-chan string, error) {
	sub := s.client.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				jobID, err := decode([]byte(msg.Payload))
				if err != nil {
					s.logger.Warn().Err(err).Msg("nudge: ignoring malformed redis message")
					continue
				}
				select {
				case out <- jobID:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

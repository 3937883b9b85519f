package nudge

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"productshot/internal/infra"
)

const sendTimeout = 2 * time.Second

// Transport is the configured nudge transport of one process. The API uses
// Nudger; the worker listens on Source. Handler is set for the HTTP
// transport and must be mounted on the worker server.
type Transport struct {
	Name    string
	Nudger  Nudger
	Source  Source
	Handler http.Handler
	closers []func() error
}

// Open builds the transport named by cfg.NudgeTransport. "none" yields a
// Noop nudger and no source, leaving the worker on polling alone.
func Open(cfg *infra.Config, logger zerolog.Logger) (*Transport, error) {
	logger = infra.ComponentLogger(logger, "nudge")
	t := &Transport{Name: cfg.NudgeTransport}
	switch cfg.NudgeTransport {
	case infra.NudgeHTTP:
		src := NewHTTPSource(0)
		t.Nudger = NewHTTPNudger(cfg.WorkerNudgeURL, nil)
		t.Source, t.Handler = src, src
	case infra.NudgeRedis:
		client, err := NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		t.Nudger = NewRedisNudger(client, "")
		t.Source = NewRedisSource(client, "", logger)
		t.closers = append(t.closers, client.Close)
	case infra.NudgeAMQP:
		conn, err := DialAMQP(cfg.AMQPURL, "")
		if err != nil {
			return nil, err
		}
		t.Nudger = NewAMQPNudger(conn)
		t.Source = NewAMQPSource(conn, logger)
		t.closers = append(t.closers, conn.Close)
	case infra.NudgeNone, "":
		t.Name = infra.NudgeNone
		t.Nudger = Noop{}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported nudge transport %q", cfg.NudgeTransport)
	}
	t.Nudger = Async(t.Nudger, logger, sendTimeout)
	return t, nil
}

// Close releases the transport's connections.
func (t *Transport) Close() error {
	var errs []error
	for _, c := range t.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

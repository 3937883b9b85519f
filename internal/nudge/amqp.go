package nudge

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// DefaultAMQPQueue is the queue nudges are published to.
const DefaultAMQPQueue = "productshot.task-ready"

// AMQPConn owns one connection and channel with a declared nudge queue.
type AMQPConn struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	mu    sync.Mutex
}

// DialAMQP connects and declares the queue. Nudges are transient: the queue
// is not durable and messages are not persisted.
func DialAMQP(url, queue string) (*AMQPConn, error) {
	if queue == "" {
		queue = DefaultAMQPQueue
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare(queue, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare amqp queue: %w", err)
	}
	return &AMQPConn{conn: conn, ch: ch, queue: q.Name}, nil
}

func (c *AMQPConn) Close() error {
	if err := c.ch.Close(); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}

// AMQPNudger publishes nudges to the declared queue.
type AMQPNudger struct {
	conn *AMQPConn
}

func NewAMQPNudger(conn *AMQPConn) *AMQPNudger {
	return &AMQPNudger{conn: conn}
}

func (n *AMQPNudger) Nudge(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encode(jobID)
	if err != nil {
		return err
	}
	n.conn.mu.Lock()
	defer n.conn.mu.Unlock()
	err = n.conn.ch.Publish("", n.conn.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish nudge: %w", err)
	}
	return nil
}

// AMQPSource consumes the nudge queue with auto-ack; a nudge that is lost
// because its consumer died is recovered by polling.
type AMQPSource struct {
	conn   *AMQPConn
	logger zerolog.Logger
}

func NewAMQPSource(conn *AMQPConn, logger zerolog.Logger) *AMQPSource {
	return &AMQPSource{conn: conn, logger: logger}
}

func (s *AMQPSource) Listen(ctx context.Context) (<-chan string, error) {
	s.conn.mu.Lock()
	deliveries, err := s.conn.ch.Consume(s.conn.queue, "", true, false, false, false, nil)
	s.conn.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("consume amqp: %w", err)
	}
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					s.logger.Warn().Msg("nudge: amqp deliveries closed, falling back to polling")
					return
				}
				jobID, err := decode(d.Body)
				if err != nil {
					s.logger.Warn().Err(err).Msg("nudge: ignoring malformed amqp message")
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

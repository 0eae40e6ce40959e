package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	deadLetterExchange = "callflow.dlx"
	connectionName     = "callflow-engine"
	heartbeat          = 10 * time.Second
	dialTimeout        = 15 * time.Second
	reconnectBackoff   = time.Second
	maxBackoff         = 30 * time.Second
)

// RabbitMQ is the shared broker connection. It redials lazily when the
// connection drops and declares the call queues once per connection.
type RabbitMQ struct {
	url    string
	logger *zap.Logger

	dialMu sync.Mutex
	mu     sync.RWMutex
	conn   *amqp.Connection
}

func NewRabbitMQ(ctx context.Context, url string, logger *zap.Logger) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &RabbitMQ{url: url, logger: logger}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if _, err := r.connection(dialCtx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// Ping opens and closes a channel; readiness fails while the broker is unreachable.
func (r *RabbitMQ) Ping(ctx context.Context) error {
	ch, err := r.channel(ctx)
	if err != nil {
		return err
	}
	return ch.Close()
}

// channel opens a channel on the live connection, redialing once if the
// connection turns out to be dead.
func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := r.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err == nil {
		return ch, nil
	}

	r.logger.Warn("rabbitmq channel open failed, redialing", zap.Error(err))
	r.drop(conn)
	if conn, err = r.connection(ctx); err != nil {
		return nil, err
	}
	if ch, err = conn.Channel(); err != nil {
		return nil, fmt.Errorf("failed to open rabbitmq channel after redial: %w", err)
	}
	return ch, nil
}

func (r *RabbitMQ) current() *amqp.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conn == nil || r.conn.IsClosed() {
		return nil
	}
	return r.conn
}

func (r *RabbitMQ) drop(conn *amqp.Connection) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()
	if conn != nil && !conn.IsClosed() {
		_ = conn.Close()
	}
}

// connection returns the live connection or dials a new one with exponential
// backoff until ctx is done.
func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	if conn := r.current(); conn != nil {
		return conn, nil
	}

	r.dialMu.Lock()
	defer r.dialMu.Unlock()
	if conn := r.current(); conn != nil {
		return conn, nil
	}

	wait := reconnectBackoff
	for attempt := 1; ; attempt++ {
		conn, err := r.dial()
		if err == nil {
			r.mu.Lock()
			r.conn = conn
			r.mu.Unlock()
			if attempt > 1 {
				r.logger.Info("rabbitmq connected", zap.Int("attempts", attempt))
			}
			return conn, nil
		}

		r.logger.Warn("rabbitmq dial failed",
			zap.Int("attempt", attempt),
			zap.Duration("retryIn", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rabbitmq dial canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
		wait = min(wait*2, maxBackoff)
	}
}

func (r *RabbitMQ) dial() (*amqp.Connection, error) {
	conn, err := amqp.DialConfig(r.url, amqp.Config{
		Heartbeat:  heartbeat,
		Properties: amqp.Table{"connection_name": connectionName},
	})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open topology channel: %w", err)
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := declareCallQueues(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// callQueueArgs are the arguments every work queue is declared with. Rejected
// or twice-failed messages are routed to the queue's DLQ under its own name.
func callQueueArgs(queue string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    deadLetterExchange,
		"x-dead-letter-routing-key": queue,
		"x-max-priority":            queueMaxPriority,
	}
}

func declareCallQueues(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(deadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %q: %w", deadLetterExchange, err)
	}

	for _, queue := range workQueues {
		dlq := DLQName(queue)
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, queue, deadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %q: %w", dlq, err)
		}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, callQueueArgs(queue)); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", queue, err)
		}
	}
	return nil
}

package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scopelens/pkg/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// Nudge asks a dispatcher to run soon. It carries the job that caused it
// for logging only; the dispatcher always drains the queue as a whole.
type Nudge struct {
	Queue models.Queue `json:"queue"`
	JobID uuid.UUID    `json:"job_id"`
	At    time.Time    `json:"at"`
}

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher sends nudges to a durable queue on the default exchange.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	pub   publishChannel
	queue string
}

// NewPublisher dials url and declares queue.
func NewPublisher(url, queue string) (*Publisher, error) {
	conn, ch, err := open(url, queue)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, pub: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Notify publishes a nudge for a newly queued job.
func (p *Publisher) Notify(ctx context.Context, q models.Queue, jobID uuid.UUID) error {
	body, err := json.Marshal(Nudge{Queue: q, JobID: jobID, At: time.Now().UTC()})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return p.pub.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// RunFunc runs one dispatch for the given queue.
type RunFunc func(ctx context.Context, q models.Queue) error

// Consumer turns nudges into dispatcher runs, one at a time.
type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewConsumer dials url, declares queue and limits delivery to one unacked nudge.
func NewConsumer(url, queue string) (*Consumer, error) {
	conn, ch, err := open(url, queue)
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}
	return &Consumer{conn: conn, ch: ch, queue: queue}, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Listen consumes nudges until ctx is done or the broker closes the channel.
func (c *Consumer) Listen(ctx context.Context, run RunFunc) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	return Serve(ctx, msgs, run)
}

// ErrChannelClosed is returned by Serve when the delivery channel closes.
var ErrChannelClosed = errors.New("delivery channel closed")

// Serve handles deliveries sequentially. Nudges are hints, so every delivery
// is acked once handled whether or not the run succeeded; malformed ones are
// rejected without requeue.
func Serve(ctx context.Context, msgs <-chan amqp.Delivery, run RunFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return ErrChannelClosed
			}
			handle(ctx, d, run)
		}
	}
}

func handle(ctx context.Context, d amqp.Delivery, run RunFunc) {
	var n Nudge
	if err := json.Unmarshal(d.Body, &n); err != nil || n.Queue == "" {
		slog.Warn("discarding malformed dispatch nudge", "error", err)
		_ = d.Nack(false, false)
		return
	}

	if err := run(ctx, n.Queue); err != nil {
		slog.Error("triggered dispatch failed", "error", err, "queue", n.Queue, "job_id", n.JobID)
	}
	if err := d.Ack(false); err != nil {
		slog.Warn("ack dispatch nudge", "error", err)
	}
}

func open(url, queue string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("rabbit dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbit channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("queue declare: %w", err)
	}
	return conn, ch, nil
}

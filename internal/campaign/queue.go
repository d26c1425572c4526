package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// ErrQueueFull is returned by the in-memory queue when its buffer is full.
var ErrQueueFull = errors.New("campaign queue is full")

// Handler processes one queued campaign id.
type Handler func(ctx context.Context, campaignID uint) error

// Queue carries campaign ids from the request layer to the worker.
type Queue interface {
	Enqueue(ctx context.Context, campaignID uint) error
	// Consume feeds jobs to handler one at a time until ctx is done.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// MemoryQueue is a buffered in-process queue.
type MemoryQueue struct {
	jobs      chan uint
	closeOnce sync.Once
	done      chan struct{}
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{jobs: make(chan uint, size), done: make(chan struct{})}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, campaignID uint) error {
	select {
	case <-q.done:
		return errors.New("campaign queue is closed")
	default:
	}
	select {
	case q.jobs <- campaignID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return nil
		case id := <-q.jobs:
			_ = handler(ctx, id)
		}
	}
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

// job is the AMQP message body.
type job struct {
	CampaignID uint `json:"campaign_id"`
}

// AMQPQueue keeps campaign jobs in a durable RabbitMQ queue.
type AMQPQueue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	name string
	log  logrus.FieldLogger

	mu sync.Mutex
}

// NewAMQPQueue dials url and declares the durable queue name.
func NewAMQPQueue(url, name string, log logrus.FieldLogger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	return &AMQPQueue{conn: conn, ch: ch, name: name, log: log.WithField("queue", name)}, nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, campaignID uint) error {
	body, err := json.Marshal(job{CampaignID: campaignID})
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.Publish("", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Consume acks every delivery once handled. Campaign failures are recorded
// on the campaign itself, so nothing is requeued.
func (q *AMQPQueue) Consume(ctx context.Context, handler Handler) error {
	deliveries, err := q.ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			var j job
			if err := json.Unmarshal(d.Body, &j); err != nil {
				q.log.WithError(err).Warn("Dropping invalid job")
				_ = d.Ack(false)
				continue
			}
			_ = handler(ctx, j.CampaignID)
			_ = d.Ack(false)
		}
	}
}

func (q *AMQPQueue) Close() error {
	q.ch.Close()
	return q.conn.Close()
}

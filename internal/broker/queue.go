// Package broker owns the durable task queue and the worker loop that
// drains it: a worker process runs cfg.WorkerCount consumer goroutines,
// each running tasks through the dependency builder and the microVM
// orchestrator in turn, one task at a time per goroutine (prefetch-1).
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPublish is the sentinel for a failure enqueuing a task.
var ErrPublish = errors.New("broker: publish failed")

// ErrConsume is the sentinel for a failure establishing the consumer.
var ErrConsume = errors.New("broker: consume failed")

const deadLetterExchange = "backtest_tasks.dlx"
const deadLetterQueue = "backtest_tasks.dead"

// Queue wraps one durable AMQP queue: "backtest_tasks" by default, declared
// with a dead-letter exchange so a task that a worker never acks (crash
// mid-processing) eventually lands somewhere inspectable instead of being
// silently requeued forever.
type Queue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	name  string
	dlx   string
	dlq   string
	maxRD int
}

// TaskMessage is the wire shape published to and consumed from the queue;
// field names match what the submitting API handler and the worker agree on.
type TaskMessage struct {
	TaskID       string `json:"task_id"`
	Code         string `json:"code"`
	Requirements string `json:"requirements"`
}

// NewQueue dials amqpURL and declares the named durable queue plus its
// dead-letter exchange/queue. maxRedeliveries bounds the
// x-delivery-limit applied via the dead-letter policy; 0 disables the
// limit (infinite redelivery, matching the original at-least-once policy).
func NewQueue(amqpURL, queueName string, maxRedeliveries int) (*Queue, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrConsume, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: open channel: %v", ErrConsume, err)
	}

	if err := ch.ExchangeDeclare(deadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%w: declare dead-letter exchange: %v", ErrConsume, err)
	}

	if _, err := ch.QueueDeclare(deadLetterQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%w: declare dead-letter queue: %v", ErrConsume, err)
	}
	if err := ch.QueueBind(deadLetterQueue, "", deadLetterExchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%w: bind dead-letter queue: %v", ErrConsume, err)
	}

	args := amqp.Table{"x-dead-letter-exchange": deadLetterExchange}
	if maxRedeliveries > 0 {
		args["x-delivery-limit"] = maxRedeliveries
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, args); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%w: declare queue %s: %v", ErrConsume, queueName, err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%w: set qos: %v", ErrConsume, err)
	}

	return &Queue{conn: conn, ch: ch, name: queueName, dlx: deadLetterExchange, dlq: deadLetterQueue, maxRD: maxRedeliveries}, nil
}

// Publish enqueues a task as a persistent message, so a broker restart can't
// lose work that was accepted but not yet picked up by a worker.
func (q *Queue) Publish(ctx context.Context, msg TaskMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrPublish, err)
	}

	err = q.ch.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         data,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	return nil
}

// Consume returns the queue's delivery channel. Callers are responsible for
// acking or nacking every delivery themselves.
func (q *Queue) Consume(ctx context.Context, consumerTag string) (<-chan amqp.Delivery, error) {
	deliveries, err := q.ch.ConsumeWithContext(ctx, q.name, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConsume, err)
	}
	return deliveries, nil
}

// Close shuts down the channel and connection.
func (q *Queue) Close() error {
	chErr := q.ch.Close()
	connErr := q.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}

// Package broker wraps the AMQP work queue that carries backtest tasks
// from the API front to the workers. The queue is durable and messages
// are persistent, so submissions survive a broker restart; consumers use
// prefetch-1 and ack only after publishing the task's terminal event,
// giving at-least-once delivery.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/velora/pulsar/internal/task"
)

// Broker holds one AMQP connection and channel.
type Broker struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Connect dials the broker, declares the durable task queue, and returns
// a ready Broker.
func Connect(url string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		task.QueueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	return &Broker{conn: conn, channel: ch}, nil
}

// Close tears down the channel and connection.
func (b *Broker) Close() error {
	if b.channel != nil {
		b.channel.Close()
	}
	return b.conn.Close()
}

// NotifyClose returns a channel that fires when the underlying connection
// drops, so daemons can reconnect.
func (b *Broker) NotifyClose() chan *amqp.Error {
	return b.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Publish enqueues one task as a persistent message.
func (b *Broker) Publish(ctx context.Context, t *task.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.channel.PublishWithContext(ctx,
		"",             // default exchange
		task.QueueName, // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// Consume registers a prefetch-1 consumer on the task queue. Deliveries
// must be acked manually by the worker.
func (b *Broker) Consume() (<-chan amqp.Delivery, error) {
	if err := b.channel.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := b.channel.Consume(
		task.QueueName,
		"",    // consumer tag (server-generated)
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

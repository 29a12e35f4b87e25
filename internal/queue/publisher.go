// Package queue publishes queued broker instructions to RabbitMQ so execution
// agents can consume them instead of polling the forward-log table.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// DefaultQueue is used when no queue name is configured.
const DefaultQueue = "alertdesk.forwards"

// Instruction is the message body published for each pending forward.
type Instruction struct {
	ForwardLogID string    `json:"forward_log_id"`
	ConnectionID string    `json:"connection_id"`
	RoomID       string    `json:"room_id"`
	MessageID    string    `json:"message_id"`
	BrokerType   string    `json:"broker_type"`
	Action       string    `json:"action"`
	Symbol       string    `json:"symbol"`
	Quantity     float64   `json:"quantity"`
	Price        *float64  `json:"price,omitempty"`
	StopLoss     *float64  `json:"sl,omitempty"`
	TakeProfit   *float64  `json:"tp,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Publisher is the port the forwarding bridge depends on.
type Publisher interface {
	Publish(ctx context.Context, in Instruction) error
}

// AMQPPublisher publishes instructions to a durable queue.
type AMQPPublisher struct {
	url   string
	queue string
	log   zerolog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Dial connects to url with a bounded number of attempts and declares queue.
func Dial(url, queue string, log zerolog.Logger) (*AMQPPublisher, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	p := &AMQPPublisher{url: url, queue: queue, log: log}

	const maxRetries = 5
	const retryDelay = 2 * time.Second
	var err error
	for i := 0; i < maxRetries; i++ {
		if err = p.connect(); err == nil {
			log.Info().Str("queue", queue).Msg("connected to RabbitMQ")
			return p, nil
		}
		if i < maxRetries-1 {
			log.Warn().Err(err).Int("attempt", i+1).Dur("retry_in", retryDelay).Msg("RabbitMQ connect failed")
			time.Sleep(retryDelay)
		}
	}
	return nil, fmt.Errorf("rabbitmq: %w", err)
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		p.queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	p.conn, p.channel = conn, ch
	return nil
}

// Publish sends in as a persistent JSON message. A closed channel is
// re-opened once before giving up.
func (p *AMQPPublisher) Publish(ctx context.Context, in Instruction) error {
	msg, err := encode(in)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, msg)
	if errors.Is(err, amqp.ErrClosed) {
		p.log.Warn().Msg("RabbitMQ channel closed; reconnecting")
		if cerr := p.connect(); cerr != nil {
			return fmt.Errorf("rabbitmq reconnect: %w", cerr)
		}
		err = p.publishLocked(ctx, msg)
	}
	return err
}

func (p *AMQPPublisher) publishLocked(ctx context.Context, msg amqp.Publishing) error {
	if p.channel == nil {
		return amqp.ErrClosed
	}
	return p.channel.PublishWithContext(ctx,
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		msg,
	)
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func encode(in Instruction) (amqp.Publishing, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal instruction: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    in.ForwardLogID,
		Timestamp:    in.CreatedAt,
		Type:         "forward." + in.Action,
		Body:         body,
	}, nil
}

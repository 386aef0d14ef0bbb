// Package queue abstracts the message broker carrying judge tasks in and
// judgement events out. The interface is small so tests can substitute an
// in-memory queue for Kafka.
package queue

import (
	"context"
	"time"
)

// Message is one queue message.
type Message struct {
	// ID keys the message; judge tasks use the submission id so a
	// partition preserves per-submission order.
	ID string `json:"id"`

	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`

	Timestamp time.Time `json:"timestamp"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// NewMessage creates a message with the given body.
func NewMessage(body []byte) *Message {
	return &Message{
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// HandlerFunc processes one message. A nil return commits the message;
// an error return retries it up to the subscription's max retries.
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	ConsumerGroup string
	// Concurrency is the number of handler workers. Judge tasks use 1;
	// the orchestrator pool is the real concurrency bound.
	Concurrency int
	MaxRetries  int
	RetryDelay  time.Duration
	// DeadLetterTopic receives messages that exhaust their retries.
	DeadLetterTopic string
}

func (o *SubscribeOptions) setDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
}

// MessageQueue is the broker contract used by the service.
type MessageQueue interface {
	// Publish writes one message to a topic.
	Publish(ctx context.Context, topic string, message *Message) error

	// Subscribe registers a handler for a topic. Consumption begins on
	// Start.
	Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error

	// Start begins consuming for all registered subscriptions.
	Start() error

	// Stop drains in-flight handlers and stops consuming.
	Stop() error

	// Ping verifies broker connectivity.
	Ping(ctx context.Context) error

	Close() error
}

// Package report publishes final judgement events for downstream
// consumers (contest scoreboards, persistence workers).
package report

import (
	"context"
	"encoding/json"
	"time"

	"gavel/internal/queue"
	"gavel/internal/status"
	appErr "gavel/pkg/errors"
)

// EventFinal marks a terminal judgement event.
const EventFinal = "judgement.final"

// Event is the published envelope.
type Event struct {
	Type      string        `json:"type"`
	Record    status.Record `json:"record"`
	CreatedAt int64         `json:"created_at"`
}

// Publisher emits judgement events.
type Publisher interface {
	PublishFinal(ctx context.Context, rec status.Record) error
}

// QueuePublisher publishes judgement events to a message queue topic.
type QueuePublisher struct {
	queue queue.MessageQueue
	topic string
}

// NewQueuePublisher creates a queue-backed publisher.
func NewQueuePublisher(q queue.MessageQueue, topic string) *QueuePublisher {
	return &QueuePublisher{queue: q, topic: topic}
}

// PublishFinal emits the terminal event for one submission.
func (p *QueuePublisher) PublishFinal(ctx context.Context, rec status.Record) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("report publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("report topic is required")
	}
	if rec.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	event := Event{
		Type:      EventFinal,
		Record:    rec,
		CreatedAt: time.Now().Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "encode judgement event failed")
	}
	msg := queue.NewMessage(payload)
	msg.ID = rec.SubmissionID
	if err := p.queue.Publish(ctx, p.topic, msg); err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "publish judgement event failed")
	}
	return nil
}

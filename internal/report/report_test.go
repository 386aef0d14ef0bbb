package report_test

import (
	"context"
	"encoding/json"
	"testing"

	"gavel/internal/queue"
	"gavel/internal/report"
	"gavel/internal/status"
	appErr "gavel/pkg/errors"
)

type memQueue struct {
	topics   []string
	messages []*queue.Message
	err      error
}

func (m *memQueue) Publish(ctx context.Context, topic string, message *queue.Message) error {
	if m.err != nil {
		return m.err
	}
	m.topics = append(m.topics, topic)
	m.messages = append(m.messages, message)
	return nil
}

func (m *memQueue) Subscribe(ctx context.Context, topic string, handler queue.HandlerFunc, opts *queue.SubscribeOptions) error {
	return nil
}
func (m *memQueue) Start() error                   { return nil }
func (m *memQueue) Stop() error                    { return nil }
func (m *memQueue) Ping(ctx context.Context) error { return nil }
func (m *memQueue) Close() error                   { return nil }

func TestPublishFinal(t *testing.T) {
	q := &memQueue{}
	p := report.NewQueuePublisher(q, "judge.status.final")

	rec := status.Record{SubmissionID: "sub-1", Status: "finished", Verdict: "AC"}
	if err := p.PublishFinal(context.Background(), rec); err != nil {
		t.Fatalf("PublishFinal: %v", err)
	}

	if len(q.messages) != 1 || q.topics[0] != "judge.status.final" {
		t.Fatalf("published %d messages to %v", len(q.messages), q.topics)
	}
	msg := q.messages[0]
	if msg.ID != "sub-1" {
		t.Errorf("message id = %q, want sub-1", msg.ID)
	}

	var event report.Event
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Type != report.EventFinal {
		t.Errorf("event type = %q, want %q", event.Type, report.EventFinal)
	}
	if event.Record.SubmissionID != "sub-1" || event.Record.Verdict != "AC" {
		t.Errorf("record = %+v", event.Record)
	}
	if event.CreatedAt == 0 {
		t.Error("created_at not set")
	}
}

func TestPublishFinalValidation(t *testing.T) {
	p := report.NewQueuePublisher(&memQueue{}, "topic")
	err := p.PublishFinal(context.Background(), status.Record{})
	if appErr.GetCode(err) != appErr.ValidationFailed {
		t.Errorf("code = %v, want ValidationFailed", appErr.GetCode(err))
	}

	noTopic := report.NewQueuePublisher(&memQueue{}, "")
	if err := noTopic.PublishFinal(context.Background(), status.Record{SubmissionID: "s"}); err == nil {
		t.Error("missing topic accepted")
	}
}

func TestPublishFinalWrapsQueueError(t *testing.T) {
	q := &memQueue{err: appErr.New(appErr.ServiceUnavailable)}
	p := report.NewQueuePublisher(q, "topic")
	err := p.PublishFinal(context.Background(), status.Record{SubmissionID: "s"})
	if appErr.GetCode(err) != appErr.QueueError {
		t.Errorf("code = %v, want QueueError", appErr.GetCode(err))
	}
}

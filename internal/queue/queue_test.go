package queue

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestMessageRoundTrip(t *testing.T) {
	m := NewMessage([]byte(`{"submission_id":"sub-1"}`))
	m.ID = "sub-1"
	m.RetryCount = 2
	m.MaxRetries = 5
	m.SetHeader("content-type", "application/json")

	km := toKafkaMessage("judge.tasks", m)
	if string(km.Key) != "sub-1" {
		t.Errorf("kafka key = %q, want sub-1", km.Key)
	}
	if km.Topic != "judge.tasks" {
		t.Errorf("topic = %q", km.Topic)
	}

	got := fromKafkaMessage(km)
	if got.ID != m.ID {
		t.Errorf("id = %q, want %q", got.ID, m.ID)
	}
	if string(got.Body) != string(m.Body) {
		t.Errorf("body = %q", got.Body)
	}
	if got.RetryCount != 2 || got.MaxRetries != 5 {
		t.Errorf("retries = %d/%d, want 2/5", got.RetryCount, got.MaxRetries)
	}
	if got.Headers["content-type"] != "application/json" {
		t.Errorf("headers = %v", got.Headers)
	}
	if !got.Timestamp.Equal(m.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, m.Timestamp)
	}
}

func TestFromKafkaMessageWithoutHeaders(t *testing.T) {
	now := time.Now()
	got := fromKafkaMessage(kafka.Message{Value: []byte("raw"), Time: now})
	if got.ID != "" {
		t.Errorf("id = %q, want empty", got.ID)
	}
	if !got.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, now)
	}
}

func TestSubscribeOptionsDefaults(t *testing.T) {
	opts := &SubscribeOptions{}
	opts.setDefaults()
	if opts.Concurrency != 1 {
		t.Errorf("concurrency = %d, want 1", opts.Concurrency)
	}
	if opts.MaxRetries != 3 {
		t.Errorf("max retries = %d, want 3", opts.MaxRetries)
	}
	if opts.RetryDelay != time.Second {
		t.Errorf("retry delay = %v, want 1s", opts.RetryDelay)
	}

	set := &SubscribeOptions{Concurrency: 4, MaxRetries: 1, RetryDelay: 5 * time.Second}
	set.setDefaults()
	if set.Concurrency != 4 || set.MaxRetries != 1 || set.RetryDelay != 5*time.Second {
		t.Errorf("explicit options were overwritten: %+v", set)
	}
}

package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/AfshinJalili/barterx/libs/kafka"
	"github.com/IBM/sarama"
	"log/slog"
)

type fakeSweeper struct {
	calls int
	err   error
}

func (f *fakeSweeper) RunExpirySweep(context.Context) (int, error) {
	f.calls++
	return 3, f.err
}

type published struct {
	topic string
	key   string
	value any
}

type fakeProducer struct {
	records []published
}

func (f *fakeProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	f.records = append(f.records, published{topic: topic, key: key, value: value})
	return 0, int64(len(f.records)), nil
}

func (f *fakeProducer) Close() error { return nil }

func encodeRequest(t *testing.T, eventType string) []byte {
	t.Helper()
	env, err := kafka.NewEnvelope(eventType, 1, "")
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	raw, err := json.Marshal(SweepRequestedEvent{Envelope: env, RequestedBy: "ops"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestSweepConsumerRunsSweep(t *testing.T) {
	sweeper := &fakeSweeper{}
	c := NewSweepConsumer(sweeper, slog.Default())

	err := c.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: encodeRequest(t, SweepRequestedEventType)})
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if sweeper.calls != 1 {
		t.Fatalf("expected one sweep, got %d", sweeper.calls)
	}
}

func TestSweepConsumerRejectsUnexpectedEvent(t *testing.T) {
	sweeper := &fakeSweeper{}
	c := NewSweepConsumer(sweeper, slog.Default())

	err := c.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: encodeRequest(t, "trade.completed")})
	var dlqErr *kafka.DLQError
	if !errors.As(err, &dlqErr) || dlqErr.Reason != "unexpected_event" {
		t.Fatalf("expected unexpected_event DLQ error, got %v", err)
	}
	if sweeper.calls != 0 {
		t.Fatalf("sweep must not run for foreign events")
	}
}

func TestSweepConsumerRejectsGarbage(t *testing.T) {
	c := NewSweepConsumer(&fakeSweeper{}, slog.Default())

	for _, msg := range []*sarama.ConsumerMessage{nil, {Value: nil}, {Value: []byte("{not json")}} {
		var dlqErr *kafka.DLQError
		if err := c.HandleMessage(context.Background(), msg); !errors.As(err, &dlqErr) {
			t.Fatalf("expected DLQ error, got %v", err)
		}
	}
}

func TestSweepConsumerRetriesSweepFailure(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("db unavailable")}
	c := NewSweepConsumer(sweeper, slog.Default())

	err := c.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: encodeRequest(t, SweepRequestedEventType)})
	if err == nil {
		t.Fatalf("expected error")
	}
	var dlqErr *kafka.DLQError
	if errors.As(err, &dlqErr) {
		t.Fatalf("sweep failures must be retried, not dead-lettered")
	}
}

func TestRequestSweepPublishesEnvelope(t *testing.T) {
	producer := &fakeProducer{}
	id, err := RequestSweep(context.Background(), producer, "escrow.sweep.requested", "ops")
	if err != nil {
		t.Fatalf("RequestSweep: %v", err)
	}
	if len(producer.records) != 1 {
		t.Fatalf("expected one record, got %d", len(producer.records))
	}
	rec := producer.records[0]
	event, ok := rec.value.(SweepRequestedEvent)
	if !ok {
		t.Fatalf("unexpected payload %T", rec.value)
	}
	if rec.topic != "escrow.sweep.requested" || rec.key != "ops" || event.EventID != id || event.EventType != SweepRequestedEventType {
		t.Fatalf("unexpected record %+v", rec)
	}

	if _, err := RequestSweep(context.Background(), nil, "t", "ops"); err == nil {
		t.Fatalf("expected error without publisher")
	}
}

package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AfshinJalili/barterx/libs/kafka"
	"github.com/IBM/sarama"
)

const SweepRequestedEventType = "escrow.sweep.requested"

// SweepRequestedEvent asks any escrow instance to run the expiry sweep now.
type SweepRequestedEvent struct {
	kafka.Envelope
	RequestedBy string `json:"requested_by"`
}

func (e *SweepRequestedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != SweepRequestedEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	return nil
}

type Sweeper interface {
	RunExpirySweep(ctx context.Context) (int, error)
}

type SweepConsumer struct {
	sweeper Sweeper
	logger  *slog.Logger
}

func NewSweepConsumer(sweeper Sweeper, logger *slog.Logger) *SweepConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepConsumer{sweeper: sweeper, logger: logger}
}

// HandleMessage runs one sweep per request. Malformed requests go to the
// dead letter topic; sweep failures are retried by the consumer.
func (c *SweepConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(errors.New("empty kafka message"), "empty_message")
	}
	var event SweepRequestedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode %s: %w", SweepRequestedEventType, err), "decode_error")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "unexpected_event")
	}

	expired, err := c.sweeper.RunExpirySweep(ctx)
	if err != nil {
		return fmt.Errorf("requested sweep: %w", err)
	}
	c.logger.Info("requested sweep finished", "event_id", event.EventID, "requested_by", event.RequestedBy, "expired", expired)
	return nil
}

// RequestSweep publishes a sweep request keyed by the requester.
func RequestSweep(ctx context.Context, publisher kafka.Publisher, topic, requestedBy string) (string, error) {
	if publisher == nil {
		return "", errors.New("kafka publisher not configured")
	}
	env, err := kafka.NewEnvelope(SweepRequestedEventType, 1, "")
	if err != nil {
		return "", err
	}
	event := SweepRequestedEvent{Envelope: env, RequestedBy: requestedBy}
	if _, _, err := publisher.PublishJSON(ctx, topic, requestedBy, event); err != nil {
		return "", fmt.Errorf("publish sweep request: %w", err)
	}
	return env.EventID, nil
}

// Package notify dispatches best-effort trade notifications after commit.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AfshinJalili/barterx/libs/kafka"
	"github.com/google/uuid"
)

type Kind string

const (
	KindOfferReceived   Kind = "trade.offer_received"
	KindConfirmPending  Kind = "trade.confirmation_pending"
	KindTradeCompleted  Kind = "trade.completed"
	KindDisputeOpened   Kind = "trade.dispute_opened"
	KindDisputeResolved Kind = "trade.dispute_resolved"
	KindTradeExpired    Kind = "trade.expired"
	KindTradeVerified   Kind = "trade.verified"
)

type Notification struct {
	Kind        Kind
	TradeID     uuid.UUID
	RecipientID uuid.UUID
	Message     string
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

const eventVersion = 1

type notificationEvent struct {
	kafka.Envelope
	TradeID     string `json:"trade_id"`
	RecipientID string `json:"recipient_id"`
	Message     string `json:"message"`
}

// Kafka publishes each notification as an enveloped event keyed by trade so
// a trade's notifications stay ordered within a partition.
type Kafka struct {
	publisher kafka.Publisher
	topic     string
	logger    *slog.Logger
}

func NewKafka(publisher kafka.Publisher, topic string, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{publisher: publisher, topic: topic, logger: logger}
}

func (k *Kafka) Notify(ctx context.Context, n Notification) error {
	if k.publisher == nil {
		return fmt.Errorf("notification publisher not configured")
	}
	eventID := kafka.DeterministicEventID(string(n.Kind), n.TradeID.String(), n.RecipientID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, string(n.Kind), eventVersion, n.TradeID.String())
	if err != nil {
		return err
	}
	event := notificationEvent{
		Envelope:    env,
		TradeID:     n.TradeID.String(),
		RecipientID: n.RecipientID.String(),
		Message:     n.Message,
	}
	if _, _, err := k.publisher.PublishJSON(ctx, k.topic, n.TradeID.String(), event); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

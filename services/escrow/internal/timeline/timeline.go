// Package timeline enforces the ordering of per-trade lifecycle events.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/AfshinJalili/barterx/services/escrow/internal/storage"
	"github.com/google/uuid"
)

type State string

const (
	OfferSent      State = "OFFER_SENT"
	OfferAccepted  State = "OFFER_ACCEPTED"
	ItemsLocked    State = "ITEMS_LOCKED"
	MeetupAgreed   State = "MEETUP_AGREED"
	TradeCompleted State = "TRADE_COMPLETED"
	TradeVerified  State = "TRADE_VERIFIED"

	DisputeOpened   State = "DISPUTE_OPENED"
	DisputeResolved State = "DISPUTE_RESOLVED"
	TradeExpired    State = "TRADE_EXPIRED"
	CashProposed    State = "CASH_PROPOSED"

	// None is reported for a trade without events.
	None State = "NONE"
)

var (
	ErrInvalidState       = errors.New("invalid timeline state")
	ErrInvalidProgression = errors.New("invalid timeline progression")
)

var canonical = []State{OfferSent, OfferAccepted, ItemsLocked, MeetupAgreed, TradeCompleted, TradeVerified}

var exceptions = map[State]bool{
	DisputeOpened:   true,
	DisputeResolved: true,
	TradeExpired:    true,
	CashProposed:    true,
}

// Index is the position of s in the canonical sequence, or -1.
func Index(s State) int {
	for i, c := range canonical {
		if c == s {
			return i
		}
	}
	return -1
}

func IsException(s State) bool { return exceptions[s] }

func Known(s State) bool { return Index(s) >= 0 || IsException(s) }

// Validate reports whether next may follow history. Exception states may be
// interleaved anywhere after the first event and do not move the canonical
// cursor; canonical states must advance it by exactly one.
func Validate(history []State, next State) error {
	if !Known(next) {
		return fmt.Errorf("%w: %q", ErrInvalidState, next)
	}
	if len(history) == 0 {
		if next != OfferSent {
			return fmt.Errorf("%w: first event must be %s, got %s", ErrInvalidProgression, OfferSent, next)
		}
		return nil
	}
	if IsException(next) {
		return nil
	}

	last := -1
	for _, s := range history {
		if idx := Index(s); idx >= 0 {
			last = idx
		}
	}
	idx := Index(next)
	switch {
	case idx <= last:
		return fmt.Errorf("%w: %s cannot follow %s", ErrInvalidProgression, next, canonical[last])
	case idx > last+1:
		return fmt.Errorf("%w: %s skips %s", ErrInvalidProgression, next, canonical[last+1])
	}
	return nil
}

// CanAppend is Validate as a predicate.
func CanAppend(history []State, next State) bool {
	return Validate(history, next) == nil
}

// CurrentState returns the state of the latest event, or None.
func CurrentState(events []storage.TimelineEvent) State {
	if len(events) == 0 {
		return None
	}
	return State(events[len(events)-1].State)
}

func States(events []storage.TimelineEvent) []State {
	out := make([]State, len(events))
	for i, e := range events {
		out[i] = State(e.State)
	}
	return out
}

// Store is the slice of a storage transaction the log needs. Callers hold
// the trade row lock, so the read-check-append below cannot interleave with
// another writer on the same trade.
type Store interface {
	ListTimeline(ctx context.Context, tradeID uuid.UUID) ([]storage.TimelineEvent, error)
	InsertTimelineEvent(ctx context.Context, event storage.TimelineEvent) error
}

// Append validates and writes the next event for a trade. Timestamps are
// strictly increasing per trade even if the clock stalls or steps back.
func Append(ctx context.Context, st Store, tradeID uuid.UUID, state State, metadata map[string]string, now time.Time) (storage.TimelineEvent, error) {
	events, err := st.ListTimeline(ctx, tradeID)
	if err != nil {
		return storage.TimelineEvent{}, fmt.Errorf("load timeline: %w", err)
	}
	if err := Validate(States(events), state); err != nil {
		return storage.TimelineEvent{}, err
	}

	at := now.UTC().Truncate(time.Microsecond)
	if n := len(events); n > 0 {
		if last := events[n-1].CreatedAt.UTC(); !at.After(last) {
			at = last.Add(time.Microsecond)
		}
	}

	event := storage.TimelineEvent{
		ID:        uuid.New(),
		TradeID:   tradeID,
		State:     string(state),
		Metadata:  maps.Clone(metadata),
		CreatedAt: at,
	}
	if err := st.InsertTimelineEvent(ctx, event); err != nil {
		return storage.TimelineEvent{}, fmt.Errorf("append timeline event: %w", err)
	}
	return event, nil
}

// AppendIfLegal appends state only when the ordering rules allow it and
// reports whether it did.
func AppendIfLegal(ctx context.Context, st Store, tradeID uuid.UUID, state State, metadata map[string]string, now time.Time) (bool, error) {
	_, err := Append(ctx, st, tradeID, state, metadata, now)
	if errors.Is(err, ErrInvalidProgression) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

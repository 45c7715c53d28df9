// Package velocity tracks per-buyer trade velocity over a rolling window.
package velocity

import (
	"context"
	"errors"
	"time"
)

var ErrLimitExceeded = errors.New("velocity limit exceeded")

type Limits struct {
	MaxTrades int
	MaxVolume int64
	Window    time.Duration
}

func DefaultLimits() Limits {
	return Limits{MaxTrades: 5, MaxVolume: 5000, Window: 24 * time.Hour}
}

// Reason names the limit that rejected a reservation.
type Reason string

const (
	ReasonNone   Reason = ""
	ReasonCount  Reason = "count"
	ReasonVolume Reason = "volume"
)

// Decision is the outcome of a reservation attempt.
type Decision struct {
	Allowed bool
	Reason  Reason
	Count   int
	Volume  int64
}

// Store holds reservations keyed by buyer. Reserve checks the limits and
// records the reservation atomically; Release undoes a reservation whose
// trade was never committed.
type Store interface {
	Reserve(ctx context.Context, key, reservationID string, amountVP int64, now time.Time) (Decision, error)
	Release(ctx context.Context, key, reservationID string) error
}

func evaluate(limits Limits, count int, volume, amount int64) Decision {
	d := Decision{Count: count, Volume: volume}
	switch {
	case count >= limits.MaxTrades:
		d.Reason = ReasonCount
	case amount > limits.MaxVolume-volume:
		d.Reason = ReasonVolume
	default:
		d.Allowed = true
	}
	return d
}

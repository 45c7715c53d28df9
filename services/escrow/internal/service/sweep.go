package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AfshinJalili/barterx/services/escrow/internal/audit"
	"github.com/AfshinJalili/barterx/services/escrow/internal/notify"
	"github.com/AfshinJalili/barterx/services/escrow/internal/storage"
	"github.com/AfshinJalili/barterx/services/escrow/internal/timeline"
	"github.com/google/uuid"
)

// errNotExpired marks a trade that was confirmed, disputed or extended
// between listing and locking it.
var errNotExpired = errors.New("trade no longer expired")

// RunExpirySweep cancels every LOCKED trade whose window has elapsed,
// relists its item and refunds the coordination escrow. Each trade settles
// in its own transaction; a failure is logged and the sweep moves on.
// Concurrent sweeps in one process are serialized and repeated sweeps are
// idempotent.
func (s *TradeService) RunExpirySweep(ctx context.Context) (expired int, err error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	ctx, finish := s.begin(ctx, "expiry_sweep")
	defer func() {
		finish(err)
		if err != nil {
			s.metrics.IncSweepRun("error")
		} else {
			s.metrics.IncSweepRun("success")
		}
	}()

	now := s.now()
	var after uuid.UUID
	failed := 0
	for {
		ids, err := s.store.ListExpiredTradeIDs(ctx, now, after, s.settings.SweepBatchSize)
		if err != nil {
			return expired, fmt.Errorf("list expired trades: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return expired, err
			}
			trade, err := s.expireTrade(ctx, id)
			switch {
			case errors.Is(err, errNotExpired):
				s.metrics.IncSweepTrade("skipped")
			case err != nil:
				failed++
				s.metrics.IncSweepTrade("error")
				s.logger.Error("expire trade failed", "trade_id", id, "error", err)
			default:
				expired++
				s.metrics.IncSweepTrade("expired")
				s.notify(ctx, notify.Notification{Kind: notify.KindTradeExpired, TradeID: trade.ID, RecipientID: trade.BuyerID, Message: "your trade expired and the escrow was refunded"})
				s.notify(ctx, notify.Notification{Kind: notify.KindTradeExpired, TradeID: trade.ID, RecipientID: trade.SellerID, Message: "your trade expired and the listing is active again"})
			}
		}
		after = ids[len(ids)-1]
		if len(ids) < s.settings.SweepBatchSize {
			break
		}
	}

	s.logger.Info("expiry sweep finished", "expired", expired, "failed", failed)
	return expired, nil
}

func (s *TradeService) expireTrade(ctx context.Context, tradeID uuid.UUID) (storage.Trade, error) {
	var trade storage.Trade
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTradeForUpdate(ctx, tradeID)
		if err != nil {
			return err
		}
		now := s.now()
		if t.Status != storage.TradeLocked || !t.ExpiresAt.Before(now) {
			return errNotExpired
		}

		if err := tx.UpdateListingStatus(ctx, t.ListingID, storage.ListingActive, now); err != nil {
			return err
		}
		refunded, err := s.refundEscrow(ctx, tx, t, now)
		if err != nil {
			return err
		}
		t.Status = storage.TradeCancelled
		t.UpdatedAt = now
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		if _, err := timeline.Append(ctx, tx, t.ID, timeline.TradeExpired, map[string]string{"expires_at": t.ExpiresAt.UTC().Format(time.RFC3339)}, now); err != nil {
			return err
		}
		if _, err := s.audit.Record(ctx, tx, audit.Entry{
			Action:  "trade.expired",
			Actor:   sweepActor,
			Details: map[string]any{"trade_id": t.ID, "refund_vp": refunded},
		}); err != nil {
			return err
		}
		trade = t
		return nil
	})
	return trade, err
}

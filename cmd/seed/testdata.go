package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// seedTestData adds a LOCKED trade whose window has already elapsed, so the
// next expiry sweep has something to cancel and refund.
func seedTestData(ctx context.Context, pool *pgxpool.Pool) error {
	tradeID := uuid.MustParse("00000000-0000-0000-0000-000000000201")
	listingID := uuid.MustParse("00000000-0000-0000-0000-000000000106")
	const (
		priceVP  = 500
		escrowVP = 50 // services cap the escrow rate at 10%
	)

	now := time.Now().UTC()
	createdAt := now.Add(-13 * time.Hour)
	expiresAt := createdAt.Add(12 * time.Hour)

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO listings (id, seller_id, title, category, price_vp, status, created_at, updated_at)
			VALUES ($1, $2, 'Lawn mowing', 'Services', $3, 'TRADED', $4, $4)
			ON CONFLICT (id) DO NOTHING
		`, listingID, caraID, priceVP, createdAt); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO trades (id, listing_id, category, buyer_id, seller_id, offer_vp, coordination_escrow_vp, status, expires_at, created_at, updated_at)
			VALUES ($1, $2, 'Services', $3, $4, $5, $6, 'LOCKED', $7, $8, $8)
			ON CONFLICT (id) DO NOTHING
		`, tradeID, listingID, aliceID, caraID, priceVP, escrowVP, expiresAt, createdAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO trade_timeline (id, trade_id, state, metadata, created_at)
			VALUES ($1, $2, 'OFFER_SENT', jsonb_build_object('buyer_id', $3::text), $4)
		`, uuid.New(), tradeID, aliceID.String(), createdAt); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO transactions (id, trade_id, type, from_kind, to_kind, amount_vp, created_at)
			VALUES ($1, $2, 'OPERATIONAL_ESCROW', 'SYSTEM', 'SYSTEM', $3, $4)
		`, uuid.New(), tradeID, escrowVP, createdAt)
		return err
	})
}

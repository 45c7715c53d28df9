package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// auditChainLockKey is the advisory lock that serializes audit appends.
const auditChainLockKey int64 = 0x6175646974

const tradeColumns = `id, listing_id, category, buyer_id, seller_id, offer_vp, coordination_escrow_vp, status,
	buyer_confirmed, seller_confirmed, is_verified, cash_offer_amount, cash_currency, expires_at, created_at, updated_at`

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	pgReader
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{
		pgReader: pgReader{q: pool},
		pool:     pool,
		logger:   logger,
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InTx runs fn at READ COMMITTED. Writers take row locks through the
// ForUpdate reads, which serializes every operation touching the same trade
// or listing. Transactions that append to the audit chain also take the
// global advisory lock in LockAuditHead and hold it until commit, so their
// commits are serialized on the chain head even across unrelated trades.
func (s *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{pgReader: pgReader{q: tx}, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

func (s *Postgres) ListExpiredTradeIDs(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM trades
		WHERE status = 'LOCKED' AND expires_at < $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`, now, after, pgLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Postgres) ListAuditRecords(ctx context.Context, afterSeq int64, limit int) ([]AuditRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, action, actor, details, risk_score, previous_hash, hash, created_at
		FROM audit_logs
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2
	`, afterSeq, pgLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Postgres) GetAuditRecord(ctx context.Context, seq int64) (AuditRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT seq, id, action, actor, details, risk_score, previous_hash, hash, created_at
		FROM audit_logs
		WHERE seq = $1
	`, seq)
	rec, err := scanAuditRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return AuditRecord{}, fmt.Errorf("%w: audit record %d", ErrNotFound, seq)
	}
	return rec, err
}

type pgReader struct {
	q querier
}

func (r pgReader) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	var u User
	err := r.q.QueryRow(ctx, `
		SELECT id, display_name, balance_vp, created_at FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.DisplayName, &u.BalanceVP, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return u, err
}

func (r pgReader) GetListing(ctx context.Context, id uuid.UUID) (Listing, error) {
	return r.getListing(ctx, id, "")
}

func (r pgReader) getListing(ctx context.Context, id uuid.UUID, suffix string) (Listing, error) {
	var l Listing
	var status string
	err := r.q.QueryRow(ctx, `
		SELECT id, seller_id, title, category, price_vp, status, created_at, updated_at
		FROM listings WHERE id = $1`+suffix, id).
		Scan(&l.ID, &l.SellerID, &l.Title, &l.Category, &l.PriceVP, &status, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Listing{}, fmt.Errorf("%w: listing %s", ErrNotFound, id)
	}
	l.Status = ListingStatus(status)
	return l, err
}

func (r pgReader) GetTrade(ctx context.Context, id uuid.UUID) (Trade, error) {
	return r.getTrade(ctx, id, "")
}

func (r pgReader) getTrade(ctx context.Context, id uuid.UUID, suffix string) (Trade, error) {
	row := r.q.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`+suffix, id)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Trade{}, fmt.Errorf("%w: trade %s", ErrNotFound, id)
	}
	return t, err
}

func (r pgReader) ListTradesByUser(ctx context.Context, userID uuid.UUID) ([]Trade, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r pgReader) ListTimeline(ctx context.Context, tradeID uuid.UUID) ([]TimelineEvent, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, trade_id, state, metadata, created_at
		FROM trade_timeline
		WHERE trade_id = $1
		ORDER BY created_at, id
	`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimelineEvent
	for rows.Next() {
		var e TimelineEvent
		var raw []byte
		if err := rows.Scan(&e.ID, &e.TradeID, &e.State, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode timeline metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r pgReader) ListOperationCosts(ctx context.Context, tradeID uuid.UUID) ([]OperationCost, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, trade_id, bucket, amount_vp, justification, admin_id, created_at
		FROM trade_operation_costs
		WHERE trade_id = $1
		ORDER BY created_at, id
	`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OperationCost
	for rows.Next() {
		var c OperationCost
		if err := rows.Scan(&c.ID, &c.TradeID, &c.Bucket, &c.AmountVP, &c.Justification, &c.AdminID, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r pgReader) ListTransactions(ctx context.Context, tradeID uuid.UUID) ([]Transaction, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, trade_id, type, from_kind, from_user_id, from_fund, to_kind, to_user_id, to_fund, amount_vp, created_at
		FROM transactions
		WHERE trade_id = $1
		ORDER BY created_at, id
	`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			t                Transaction
			txType           string
			fromKind, toKind string
			fromUser, toUser *uuid.UUID
			fromFund, toFund *string
		)
		if err := rows.Scan(&t.ID, &t.TradeID, &txType, &fromKind, &fromUser, &fromFund, &toKind, &toUser, &toFund, &t.AmountVP, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = TransactionType(txType)
		if t.From, err = decodeParty(PartyKind(fromKind), fromUser, fromFund); err != nil {
			return nil, err
		}
		if t.To, err = decodeParty(PartyKind(toKind), toUser, toFund); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r pgReader) GetFundBalance(ctx context.Context, fund Fund) (int64, error) {
	var balance int64
	err := r.q.QueryRow(ctx, `SELECT balance_vp FROM protocol_funds WHERE fund = $1`, string(fund)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrFundNotFound, fund)
	}
	return balance, err
}

type pgTx struct {
	pgReader
	tx pgx.Tx
}

func (t *pgTx) GetListingForUpdate(ctx context.Context, id uuid.UUID) (Listing, error) {
	return t.getListing(ctx, id, " FOR UPDATE")
}

func (t *pgTx) UpdateListingStatus(ctx context.Context, id uuid.UUID, status ListingStatus, now time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE listings SET status = $1, updated_at = $2 WHERE id = $3`, string(status), now, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: listing %s", ErrNotFound, id)
	}
	return nil
}

func (t *pgTx) GetTradeForUpdate(ctx context.Context, id uuid.UUID) (Trade, error) {
	return t.getTrade(ctx, id, " FOR UPDATE")
}

func (t *pgTx) InsertTrade(ctx context.Context, tr Trade) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, tr.ID, tr.ListingID, tr.Category, tr.BuyerID, tr.SellerID, tr.OfferVP, tr.CoordinationEscrowVP, string(tr.Status),
		tr.BuyerConfirmed, tr.SellerConfirmed, tr.IsVerified, tr.CashOfferAmount, tr.CashCurrency, tr.ExpiresAt, tr.CreatedAt, tr.UpdatedAt)
	return err
}

func (t *pgTx) UpdateTrade(ctx context.Context, tr Trade) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE trades
		SET status = $1, buyer_confirmed = $2, seller_confirmed = $3, is_verified = $4, updated_at = $5
		WHERE id = $6
	`, string(tr.Status), tr.BuyerConfirmed, tr.SellerConfirmed, tr.IsVerified, tr.UpdatedAt, tr.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: trade %s", ErrNotFound, tr.ID)
	}
	return nil
}

func (t *pgTx) InsertTimelineEvent(ctx context.Context, e TimelineEvent) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode timeline metadata: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO trade_timeline (id, trade_id, state, metadata, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
	`, e.ID, e.TradeID, e.State, string(raw), e.CreatedAt)
	return err
}

func (t *pgTx) InsertOperationCosts(ctx context.Context, costs []OperationCost) error {
	if len(costs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range costs {
		batch.Queue(`
			INSERT INTO trade_operation_costs (id, trade_id, bucket, amount_vp, justification, admin_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, c.ID, c.TradeID, c.Bucket, c.AmountVP, c.Justification, c.AdminID, c.CreatedAt)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr Transaction) error {
	fromKind, fromUser, fromFund, err := encodeParty(tr.From)
	if err != nil {
		return err
	}
	toKind, toUser, toFund, err := encodeParty(tr.To)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO transactions (id, trade_id, type, from_kind, from_user_id, from_fund, to_kind, to_user_id, to_fund, amount_vp, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, tr.ID, tr.TradeID, string(tr.Type), string(fromKind), fromUser, fromFund, string(toKind), toUser, toFund, tr.AmountVP, tr.CreatedAt)
	return err
}

func (t *pgTx) CreditUser(ctx context.Context, userID uuid.UUID, amountVP int64, now time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE users SET balance_vp = balance_vp + $1, updated_at = $2 WHERE id = $3
	`, amountVP, now, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return nil
}

func (t *pgTx) CreditFund(ctx context.Context, fund Fund, amountVP int64, now time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE protocol_funds SET balance_vp = balance_vp + $1, updated_at = $2 WHERE fund = $3
	`, amountVP, now, string(fund))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrFundNotFound, fund)
	}
	return nil
}

func (t *pgTx) LockAuditHead(ctx context.Context) (AuditHead, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLockKey); err != nil {
		return AuditHead{}, fmt.Errorf("lock audit chain: %w", err)
	}
	var head AuditHead
	err := t.tx.QueryRow(ctx, `SELECT seq, hash FROM audit_logs ORDER BY seq DESC LIMIT 1`).Scan(&head.Seq, &head.Hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return AuditHead{Empty: true}, nil
	}
	return head, err
}

func (t *pgTx) InsertAuditRecord(ctx context.Context, rec *AuditRecord) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO audit_logs (id, action, actor, details, risk_score, previous_hash, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq
	`, rec.ID, rec.Action, rec.Actor, rec.Details, rec.RiskScore, rec.PreviousHash, rec.Hash, rec.CreatedAt).Scan(&rec.Seq)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("audit record collides with existing hash: %w", err)
	}
	return err
}

func scanTrade(row pgx.Row) (Trade, error) {
	var t Trade
	var status string
	err := row.Scan(&t.ID, &t.ListingID, &t.Category, &t.BuyerID, &t.SellerID, &t.OfferVP, &t.CoordinationEscrowVP, &status,
		&t.BuyerConfirmed, &t.SellerConfirmed, &t.IsVerified, &t.CashOfferAmount, &t.CashCurrency, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt)
	t.Status = TradeStatus(status)
	return t, err
}

func scanAuditRecord(row pgx.Row) (AuditRecord, error) {
	var rec AuditRecord
	err := row.Scan(&rec.Seq, &rec.ID, &rec.Action, &rec.Actor, &rec.Details, &rec.RiskScore, &rec.PreviousHash, &rec.Hash, &rec.CreatedAt)
	return rec, err
}

// pgLimit maps a non-positive limit to NULL, which Postgres reads as no limit.
func pgLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

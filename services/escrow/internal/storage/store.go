package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrFundNotFound = errors.New("protocol fund not found")
)

// Reader is the read side shared by Store and Tx.
type Reader interface {
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
	GetListing(ctx context.Context, id uuid.UUID) (Listing, error)
	GetTrade(ctx context.Context, id uuid.UUID) (Trade, error)
	ListTimeline(ctx context.Context, tradeID uuid.UUID) ([]TimelineEvent, error)
	ListOperationCosts(ctx context.Context, tradeID uuid.UUID) ([]OperationCost, error)
	ListTransactions(ctx context.Context, tradeID uuid.UUID) ([]Transaction, error)
	ListTradesByUser(ctx context.Context, userID uuid.UUID) ([]Trade, error)
	GetFundBalance(ctx context.Context, fund Fund) (int64, error)
}

// Tx is a unit of work. Every mutation made through it commits or rolls
// back together. The ForUpdate reads hold a row lock until the end of the
// transaction.
type Tx interface {
	Reader

	GetListingForUpdate(ctx context.Context, id uuid.UUID) (Listing, error)
	UpdateListingStatus(ctx context.Context, id uuid.UUID, status ListingStatus, now time.Time) error

	GetTradeForUpdate(ctx context.Context, id uuid.UUID) (Trade, error)
	InsertTrade(ctx context.Context, trade Trade) error
	UpdateTrade(ctx context.Context, trade Trade) error

	InsertTimelineEvent(ctx context.Context, event TimelineEvent) error
	InsertOperationCosts(ctx context.Context, costs []OperationCost) error
	InsertTransaction(ctx context.Context, tx Transaction) error

	CreditUser(ctx context.Context, userID uuid.UUID, amountVP int64, now time.Time) error
	CreditFund(ctx context.Context, fund Fund, amountVP int64, now time.Time) error

	// LockAuditHead serializes audit appends until the transaction ends
	// and returns the current chain head.
	LockAuditHead(ctx context.Context) (AuditHead, error)
	InsertAuditRecord(ctx context.Context, rec *AuditRecord) error
}

type Store interface {
	Reader

	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// ListExpiredTradeIDs returns LOCKED trades whose hold ended before now,
	// ordered by id and starting strictly after the given cursor.
	ListExpiredTradeIDs(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error)

	// ListAuditRecords returns records with Seq > afterSeq in chain order.
	ListAuditRecords(ctx context.Context, afterSeq int64, limit int) ([]AuditRecord, error)
	GetAuditRecord(ctx context.Context, seq int64) (AuditRecord, error)

	Ping(ctx context.Context) error
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
	_ Tx    = (*pgTx)(nil)
	_ Tx    = (*memTx)(nil)
)

package storage

import (
	"time"

	"github.com/google/uuid"
)

type ListingStatus string

const (
	ListingActive   ListingStatus = "ACTIVE"
	ListingTraded   ListingStatus = "TRADED"
	ListingArchived ListingStatus = "ARCHIVED"
)

type TradeStatus string

const (
	TradeLocked    TradeStatus = "LOCKED"
	TradeCompleted TradeStatus = "COMPLETED"
	TradeDisputed  TradeStatus = "DISPUTED"
	TradeCancelled TradeStatus = "CANCELLED"
)

// Terminal reports whether no further transition applies.
func (s TradeStatus) Terminal() bool {
	return s == TradeCompleted || s == TradeCancelled
}

type TransactionType string

const (
	TxOperationalEscrow TransactionType = "OPERATIONAL_ESCROW"
	TxEscrowRefund      TransactionType = "ESCROW_REFUND"
	TxPayout            TransactionType = "PAYOUT"
	TxPlatformFee       TransactionType = "PLATFORM_FEE"
	TxProtocolFund      TransactionType = "PROTOCOL_FUND"
)

type Fund string

const (
	FundEmergency      Fund = "EMERGENCY"
	FundAmbassador     Fund = "AMBASSADOR"
	FundAdminLogistics Fund = "ADMIN_LOGISTICS"
)

type User struct {
	ID          uuid.UUID
	DisplayName string
	BalanceVP   int64
	CreatedAt   time.Time
}

type Listing struct {
	ID        uuid.UUID
	SellerID  uuid.UUID
	Title     string
	Category  string
	PriceVP   int64
	Status    ListingStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Trade struct {
	ID                   uuid.UUID
	ListingID            uuid.UUID
	Category             string
	BuyerID              uuid.UUID
	SellerID             uuid.UUID
	OfferVP              int64
	CoordinationEscrowVP int64
	Status               TradeStatus
	BuyerConfirmed       bool
	SellerConfirmed      bool
	IsVerified           bool
	CashOfferAmount      *int64
	CashCurrency         string
	ExpiresAt            time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IsParty reports whether userID is the buyer or the seller.
func (t Trade) IsParty(userID uuid.UUID) bool {
	return userID == t.BuyerID || userID == t.SellerID
}

// Counterparty returns the other side of the trade for a party.
func (t Trade) Counterparty(userID uuid.UUID) uuid.UUID {
	if userID == t.BuyerID {
		return t.SellerID
	}
	return t.BuyerID
}

type TimelineEvent struct {
	ID        uuid.UUID
	TradeID   uuid.UUID
	State     string
	Metadata  map[string]string
	CreatedAt time.Time
}

type OperationCost struct {
	ID            uuid.UUID
	TradeID       uuid.UUID
	Bucket        string
	AmountVP      int64
	Justification string
	AdminID       uuid.UUID
	CreatedAt     time.Time
}

// Transaction is an immutable value movement. From and To are never nil.
type Transaction struct {
	ID        uuid.UUID
	TradeID   uuid.UUID
	Type      TransactionType
	From      Party
	To        Party
	AmountVP  int64
	CreatedAt time.Time
}

type AuditRecord struct {
	Seq          int64
	ID           uuid.UUID
	Action       string
	Actor        string
	Details      string
	RiskScore    int
	PreviousHash string
	Hash         string
	CreatedAt    time.Time
}

// AuditHead is the position new audit records chain onto.
type AuditHead struct {
	Seq   int64
	Hash  string
	Empty bool
}

type TradeDetails struct {
	Trade          Trade
	Timeline       []TimelineEvent
	OperationCosts []OperationCost
	Transactions   []Transaction
}

// Package audit maintains the hash-chained audit ledger. Every record embeds
// the hash of the record before it, so editing any stored field is
// detectable by re-deriving the chain.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/AfshinJalili/barterx/libs/logging"
	"github.com/AfshinJalili/barterx/services/escrow/internal/storage"
	"github.com/google/uuid"
)

// GenesisHash is the previous hash of the first record.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

var ErrWriteFailed = errors.New("audit write failed")

const defaultVerifyBatch = 500

// Entry is an action to be recorded. Details must marshal to JSON.
type Entry struct {
	Action    string
	Actor     string
	Details   any
	RiskScore int
}

// ChainStore is the part of a storage transaction that appends records.
type ChainStore interface {
	LockAuditHead(ctx context.Context) (storage.AuditHead, error)
	InsertAuditRecord(ctx context.Context, rec *storage.AuditRecord) error
}

type Metrics interface {
	IncAuditAppend(status string)
}

// Hash derives a record hash. Each field is length-prefixed so no two field
// tuples share an encoding. The risk score is covered too, so no stored
// field of a record can change without breaking the chain.
func Hash(previousHash, action, actor, details string, riskScore int, at time.Time) string {
	h := sha256.New()
	for _, field := range []string{previousHash, action, actor, details, strconv.Itoa(riskScore), canonicalTime(at)} {
		h.Write([]byte(strconv.Itoa(len(field))))
		h.Write([]byte{':'})
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalTime matches the microsecond precision of the database.
func canonicalTime(at time.Time) string {
	return at.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
}

func encodeDetails(details any) (string, error) {
	if details == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encode audit details: %w", err)
	}
	return string(raw), nil
}

// Append chains e onto the current head inside the caller's transaction.
func Append(ctx context.Context, st ChainStore, e Entry, now time.Time) (storage.AuditRecord, error) {
	if strings.TrimSpace(e.Action) == "" {
		return storage.AuditRecord{}, fmt.Errorf("audit action is required")
	}
	details, err := encodeDetails(e.Details)
	if err != nil {
		return storage.AuditRecord{}, err
	}

	head, err := st.LockAuditHead(ctx)
	if err != nil {
		return storage.AuditRecord{}, err
	}
	prev := head.Hash
	if head.Empty {
		prev = GenesisHash
	}

	at := now.UTC().Truncate(time.Microsecond)
	rec := storage.AuditRecord{
		ID:           uuid.New(),
		Action:       e.Action,
		Actor:        e.Actor,
		Details:      details,
		RiskScore:    e.RiskScore,
		PreviousHash: prev,
		Hash:         Hash(prev, e.Action, e.Actor, details, e.RiskScore, at),
		CreatedAt:    at,
	}
	if err := st.InsertAuditRecord(ctx, &rec); err != nil {
		return storage.AuditRecord{}, err
	}
	return rec, nil
}

type Ledger struct {
	store   storage.Store
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
}

func NewLedger(store storage.Store, logger *slog.Logger, metrics Metrics) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Record appends e within an existing transaction. A failure is logged at
// critical level and returned wrapped in ErrWriteFailed; callers must abort
// the transaction rather than commit an unrecorded change.
func (l *Ledger) Record(ctx context.Context, tx ChainStore, e Entry) (storage.AuditRecord, error) {
	rec, err := Append(ctx, tx, e, l.now())
	if err != nil {
		logging.Critical(ctx, l.logger, "audit append failed",
			"action", e.Action,
			"actor", e.Actor,
			"error", err,
		)
		l.observe("error")
		return storage.AuditRecord{}, fmt.Errorf("%w: %s: %v", ErrWriteFailed, e.Action, err)
	}
	l.observe("success")
	return rec, nil
}

// Log records a standalone action in its own transaction.
func (l *Ledger) Log(ctx context.Context, action, actor string, details any, riskScore int) (storage.AuditRecord, error) {
	var rec storage.AuditRecord
	err := l.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		rec, err = l.Record(ctx, tx, Entry{Action: action, Actor: actor, Details: details, RiskScore: riskScore})
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrWriteFailed) {
			logging.Critical(ctx, l.logger, "audit transaction failed", "action", action, "actor", actor, "error", err)
			l.observe("error")
			return storage.AuditRecord{}, fmt.Errorf("%w: %s: %v", ErrWriteFailed, action, err)
		}
		return storage.AuditRecord{}, err
	}
	return rec, nil
}

func (l *Ledger) observe(status string) {
	if l.metrics != nil {
		l.metrics.IncAuditAppend(status)
	}
}

type VerifyOptions struct {
	// AfterSeq resumes verification after a record already known to be
	// good; zero verifies from genesis.
	AfterSeq  int64
	BatchSize int
}

type VerifyResult struct {
	Verified bool
	Checked  int
	// Tampered identifies the first record whose stored fields do not
	// re-derive; set only when Verified is false.
	TamperedID  uuid.UUID
	TamperedSeq int64
	Reason      string
}

func (r VerifyResult) String() string {
	if r.Verified {
		return "verified"
	}
	return fmt.Sprintf("tampered at %s (seq %d): %s", r.TamperedID, r.TamperedSeq, r.Reason)
}

// Verify walks the chain oldest to newest in batches and stops at the first
// record that does not re-derive.
func (l *Ledger) Verify(ctx context.Context, opts VerifyOptions) (VerifyResult, error) {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultVerifyBatch
	}

	prev := GenesisHash
	cursor := opts.AfterSeq
	if cursor > 0 {
		anchor, err := l.store.GetAuditRecord(ctx, cursor)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("load verification anchor: %w", err)
		}
		prev = anchor.Hash
	}

	result := VerifyResult{}
	for {
		records, err := l.store.ListAuditRecords(ctx, cursor, batch)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("list audit records: %w", err)
		}
		for _, rec := range records {
			if reason := check(rec, prev); reason != "" {
				result.TamperedID = rec.ID
				result.TamperedSeq = rec.Seq
				result.Reason = reason
				l.logger.Warn("audit chain mismatch", "seq", rec.Seq, "id", rec.ID, "reason", reason)
				return result, nil
			}
			result.Checked++
			prev = rec.Hash
			cursor = rec.Seq
		}
		if len(records) < batch {
			break
		}
	}
	result.Verified = true
	return result, nil
}

func check(rec storage.AuditRecord, prev string) string {
	if rec.PreviousHash != prev {
		return "previous hash does not match chain"
	}
	if Hash(prev, rec.Action, rec.Actor, rec.Details, rec.RiskScore, rec.CreatedAt) != rec.Hash {
		return "hash does not match stored fields"
	}
	return ""
}

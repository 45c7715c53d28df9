package storage

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Transactions run one at a time against a
// copy of the state that replaces the live state only on commit, so a failed
// unit of work leaves nothing behind. It backs unit tests and the dev mode of
// the service.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	users    map[uuid.UUID]User
	listings map[uuid.UUID]Listing
	trades   map[uuid.UUID]Trade
	timeline map[uuid.UUID][]TimelineEvent
	costs    map[uuid.UUID][]OperationCost
	txs      map[uuid.UUID][]Transaction
	funds    map[Fund]int64
	audit    []AuditRecord
}

func NewMemory() *Memory {
	return &Memory{state: &memState{
		users:    map[uuid.UUID]User{},
		listings: map[uuid.UUID]Listing{},
		trades:   map[uuid.UUID]Trade{},
		timeline: map[uuid.UUID][]TimelineEvent{},
		costs:    map[uuid.UUID][]OperationCost{},
		txs:      map[uuid.UUID][]Transaction{},
		funds: map[Fund]int64{
			FundEmergency:      0,
			FundAmbassador:     0,
			FundAdminLogistics: 0,
		},
	}}
}

func (s *memState) clone() *memState {
	out := &memState{
		users:    maps.Clone(s.users),
		listings: maps.Clone(s.listings),
		trades:   maps.Clone(s.trades),
		timeline: make(map[uuid.UUID][]TimelineEvent, len(s.timeline)),
		costs:    make(map[uuid.UUID][]OperationCost, len(s.costs)),
		txs:      make(map[uuid.UUID][]Transaction, len(s.txs)),
		funds:    maps.Clone(s.funds),
		audit:    slices.Clone(s.audit),
	}
	for k, v := range s.timeline {
		out.timeline[k] = slices.Clone(v)
	}
	for k, v := range s.costs {
		out.costs[k] = slices.Clone(v)
	}
	for k, v := range s.txs {
		out.txs[k] = slices.Clone(v)
	}
	return out
}

// AddUser inserts or replaces a user.
func (m *Memory) AddUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.users[u.ID] = u
}

// AddListing inserts or replaces a listing.
func (m *Memory) AddListing(l Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.listings[l.ID] = l
}

// RewriteAuditRecord applies fn to the stored record with the given seq,
// bypassing the chain. It exists to simulate tampering.
func (m *Memory) RewriteAuditRecord(seq int64, fn func(rec *AuditRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.state.audit {
		if m.state.audit[i].Seq == seq {
			fn(&m.state.audit[i])
			return nil
		}
	}
	return fmt.Errorf("%w: audit record %d", ErrNotFound, seq)
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memTx{memReader{state: work}}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *Memory) reader() memReader {
	return memReader{state: m.state}
}

func (m *Memory) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reader().GetUser(ctx, id)
}

func (m *Memory) GetListing(ctx context.Context, id uuid.UUID) (Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reader().GetListing(ctx, id)
}

func (m *Memory) GetTrade(ctx context.Context, id uuid.UUID) (Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reader().GetTrade(ctx, id)
}

func (m *Memory) ListTimeline(ctx context.Context, tradeID uuid.UUID) ([]TimelineEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reader().ListTimeline(ctx, tradeID)
}

func (m *Memory) ListOperationCosts(ctx context.Context, tradeID uuid.UUID) ([]OperationCost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reader().ListOperationCosts(ctx, tradeID)
}

func (m *Memory) ListTransactions(ctx context.Context, tradeID uuid.UUID) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reader().ListTransactions(ctx, tradeID)
}

func (m *Memory) ListTradesByUser(ctx context.Context, userID uuid.UUID) ([]Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reader().ListTradesByUser(ctx, userID)
}

func (m *Memory) GetFundBalance(ctx context.Context, fund Fund) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reader().GetFundBalance(ctx, fund)
}

func (m *Memory) ListExpiredTradeIDs(_ context.Context, now time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []uuid.UUID
	for id, t := range m.state.trades {
		if t.Status == TradeLocked && t.ExpiresAt.Before(now) && bytes.Compare(id[:], after[:]) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *Memory) ListAuditRecords(_ context.Context, afterSeq int64, limit int) ([]AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []AuditRecord
	for _, rec := range m.state.audit {
		if rec.Seq <= afterSeq {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) GetAuditRecord(_ context.Context, seq int64) (AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.state.audit {
		if rec.Seq == seq {
			return rec, nil
		}
	}
	return AuditRecord{}, fmt.Errorf("%w: audit record %d", ErrNotFound, seq)
}

type memReader struct {
	state *memState
}

func (r memReader) GetUser(_ context.Context, id uuid.UUID) (User, error) {
	u, ok := r.state.users[id]
	if !ok {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return u, nil
}

func (r memReader) GetListing(_ context.Context, id uuid.UUID) (Listing, error) {
	l, ok := r.state.listings[id]
	if !ok {
		return Listing{}, fmt.Errorf("%w: listing %s", ErrNotFound, id)
	}
	return l, nil
}

func (r memReader) GetTrade(_ context.Context, id uuid.UUID) (Trade, error) {
	t, ok := r.state.trades[id]
	if !ok {
		return Trade{}, fmt.Errorf("%w: trade %s", ErrNotFound, id)
	}
	return t, nil
}

func (r memReader) ListTimeline(_ context.Context, tradeID uuid.UUID) ([]TimelineEvent, error) {
	return slices.Clone(r.state.timeline[tradeID]), nil
}

func (r memReader) ListOperationCosts(_ context.Context, tradeID uuid.UUID) ([]OperationCost, error) {
	return slices.Clone(r.state.costs[tradeID]), nil
}

func (r memReader) ListTransactions(_ context.Context, tradeID uuid.UUID) ([]Transaction, error) {
	return slices.Clone(r.state.txs[tradeID]), nil
}

func (r memReader) ListTradesByUser(_ context.Context, userID uuid.UUID) ([]Trade, error) {
	var out []Trade
	for _, t := range r.state.trades {
		if t.IsParty(userID) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r memReader) GetFundBalance(_ context.Context, fund Fund) (int64, error) {
	balance, ok := r.state.funds[fund]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrFundNotFound, fund)
	}
	return balance, nil
}

// memTx needs no row locks: Memory.InTx already runs one unit of work at a time.
type memTx struct {
	memReader
}

func (t *memTx) GetListingForUpdate(ctx context.Context, id uuid.UUID) (Listing, error) {
	return t.GetListing(ctx, id)
}

func (t *memTx) UpdateListingStatus(_ context.Context, id uuid.UUID, status ListingStatus, now time.Time) error {
	l, ok := t.state.listings[id]
	if !ok {
		return fmt.Errorf("%w: listing %s", ErrNotFound, id)
	}
	l.Status = status
	l.UpdatedAt = now
	t.state.listings[id] = l
	return nil
}

func (t *memTx) GetTradeForUpdate(ctx context.Context, id uuid.UUID) (Trade, error) {
	return t.GetTrade(ctx, id)
}

func (t *memTx) InsertTrade(_ context.Context, tr Trade) error {
	if _, exists := t.state.trades[tr.ID]; exists {
		return fmt.Errorf("trade %s already exists", tr.ID)
	}
	t.state.trades[tr.ID] = tr
	return nil
}

func (t *memTx) UpdateTrade(_ context.Context, tr Trade) error {
	if _, ok := t.state.trades[tr.ID]; !ok {
		return fmt.Errorf("%w: trade %s", ErrNotFound, tr.ID)
	}
	t.state.trades[tr.ID] = tr
	return nil
}

func (t *memTx) InsertTimelineEvent(_ context.Context, e TimelineEvent) error {
	e.Metadata = maps.Clone(e.Metadata)
	t.state.timeline[e.TradeID] = append(t.state.timeline[e.TradeID], e)
	return nil
}

func (t *memTx) InsertOperationCosts(_ context.Context, costs []OperationCost) error {
	for _, c := range costs {
		t.state.costs[c.TradeID] = append(t.state.costs[c.TradeID], c)
	}
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr Transaction) error {
	if tr.From == nil || tr.To == nil {
		return fmt.Errorf("transaction %s missing party", tr.ID)
	}
	t.state.txs[tr.TradeID] = append(t.state.txs[tr.TradeID], tr)
	return nil
}

func (t *memTx) CreditUser(_ context.Context, userID uuid.UUID, amountVP int64, _ time.Time) error {
	u, ok := t.state.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	u.BalanceVP += amountVP
	t.state.users[userID] = u
	return nil
}

func (t *memTx) CreditFund(_ context.Context, fund Fund, amountVP int64, _ time.Time) error {
	balance, ok := t.state.funds[fund]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFundNotFound, fund)
	}
	t.state.funds[fund] = balance + amountVP
	return nil
}

func (t *memTx) LockAuditHead(context.Context) (AuditHead, error) {
	if len(t.state.audit) == 0 {
		return AuditHead{Empty: true}, nil
	}
	last := t.state.audit[len(t.state.audit)-1]
	return AuditHead{Seq: last.Seq, Hash: last.Hash}, nil
}

func (t *memTx) InsertAuditRecord(_ context.Context, rec *AuditRecord) error {
	var next int64 = 1
	if n := len(t.state.audit); n > 0 {
		next = t.state.audit[n-1].Seq + 1
	}
	rec.Seq = next
	t.state.audit = append(t.state.audit, *rec)
	return nil
}

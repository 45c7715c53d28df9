package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/barterx/services/escrow/internal/escrow"
	"github.com/AfshinJalili/barterx/services/escrow/internal/notify"
	"github.com/AfshinJalili/barterx/services/escrow/internal/risk"
	"github.com/AfshinJalili/barterx/services/escrow/internal/storage"
	"github.com/AfshinJalili/barterx/services/escrow/internal/timeline"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"log/slog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.Kind)
	}
	return out
}

type fixture struct {
	store    *storage.Memory
	svc      *TradeService
	clock    *fakeClock
	notifier *recordingNotifier
	buyer    uuid.UUID
	seller   uuid.UUID
	admin    uuid.UUID
}

func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemory(),
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
		buyer:    uuid.New(),
		seller:   uuid.New(),
		admin:    uuid.New(),
	}
	f.store.AddUser(storage.User{ID: f.buyer, DisplayName: "buyer"})
	f.store.AddUser(storage.User{ID: f.seller, DisplayName: "seller"})

	deps := Deps{Notifier: f.notifier, Clock: f.clock.Now}
	for _, opt := range opts {
		opt(&deps)
	}
	f.svc = NewTradeService(f.store, deps, DefaultSettings(), slog.Default(), nil)
	return f
}

func (f *fixture) listing(t *testing.T, priceVP int64, category string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.store.AddListing(storage.Listing{
		ID:       id,
		SellerID: f.seller,
		Title:    "item",
		Category: category,
		PriceVP:  priceVP,
		Status:   storage.ListingActive,
	})
	return id
}

func (f *fixture) trade(t *testing.T, priceVP int64, category string) storage.Trade {
	t.Helper()
	trade, err := f.svc.CreateTrade(context.Background(), CreateTradeInput{
		ListingID: f.listing(t, priceVP, category),
		BuyerID:   f.buyer,
	})
	if err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	return trade
}

func (f *fixture) balance(t *testing.T, userID uuid.UUID) int64 {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	return u.BalanceVP
}

func (f *fixture) listingStatus(t *testing.T, id uuid.UUID) storage.ListingStatus {
	t.Helper()
	l, err := f.store.GetListing(context.Background(), id)
	if err != nil {
		t.Fatalf("GetListing: %v", err)
	}
	return l.Status
}

func (f *fixture) states(t *testing.T, tradeID uuid.UUID) []timeline.State {
	t.Helper()
	events, err := f.store.ListTimeline(context.Background(), tradeID)
	if err != nil {
		t.Fatalf("ListTimeline: %v", err)
	}
	return timeline.States(events)
}

func countTx(txs []storage.Transaction, typ storage.TransactionType) int {
	n := 0
	for _, tx := range txs {
		if tx.Type == typ {
			n++
		}
	}
	return n
}

func TestCreateTradeLocksListingAndHoldsEscrow(t *testing.T) {
	f := newFixture(t)
	trade := f.trade(t, 1000, "Tools")

	if trade.Status != storage.TradeLocked {
		t.Fatalf("expected LOCKED, got %s", trade.Status)
	}
	if trade.CoordinationEscrowVP != 120 {
		t.Fatalf("expected escrow 120, got %d", trade.CoordinationEscrowVP)
	}
	if !trade.ExpiresAt.Equal(f.clock.Now().Add(12 * time.Hour)) {
		t.Fatalf("unexpected expiry %s", trade.ExpiresAt)
	}
	if got := f.listingStatus(t, trade.ListingID); got != storage.ListingTraded {
		t.Fatalf("expected listing TRADED, got %s", got)
	}

	details, err := f.svc.GetTrade(context.Background(), trade.ID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if len(details.Timeline) != 1 || details.Timeline[0].State != string(timeline.OfferSent) {
		t.Fatalf("expected a single OFFER_SENT event, got %+v", details.Timeline)
	}
	if len(details.Transactions) != 1 || details.Transactions[0].Type != storage.TxOperationalEscrow || details.Transactions[0].AmountVP != 120 {
		t.Fatalf("expected escrow hold transaction, got %+v", details.Transactions)
	}
	if f.balance(t, f.buyer) != 0 || f.balance(t, f.seller) != 0 {
		t.Fatalf("no balance may move on create")
	}
	if kinds := f.notifier.kinds(); len(kinds) != 1 || kinds[0] != notify.KindOfferReceived {
		t.Fatalf("expected offer notification, got %v", kinds)
	}
}

func TestCreateTradeRecordsCashSweetener(t *testing.T) {
	f := newFixture(t)
	cash := int64(25)
	trade, err := f.svc.CreateTrade(context.Background(), CreateTradeInput{
		ListingID: f.listing(t, 200, "Books"),
		BuyerID:   f.buyer,
		CashOffer: &cash,
	})
	if err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	if trade.CashOfferAmount == nil || *trade.CashOfferAmount != 25 || trade.CashCurrency != "USD" {
		t.Fatalf("unexpected cash terms %v %q", trade.CashOfferAmount, trade.CashCurrency)
	}
	states := f.states(t, trade.ID)
	if len(states) != 2 || states[1] != timeline.CashProposed {
		t.Fatalf("expected CASH_PROPOSED after OFFER_SENT, got %v", states)
	}

	negative := int64(-1)
	_, err = f.svc.CreateTrade(context.Background(), CreateTradeInput{
		ListingID: f.listing(t, 200, "Books"),
		BuyerID:   f.buyer,
		CashOffer: &negative,
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCreateTradeRejectsPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateTrade(ctx, CreateTradeInput{ListingID: uuid.New(), BuyerID: f.buyer})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for missing listing, got %v", err)
	}

	own := f.listing(t, 100, "Books")
	_, err = f.svc.CreateTrade(ctx, CreateTradeInput{ListingID: own, BuyerID: f.seller})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for own listing, got %v", err)
	}

	trade := f.trade(t, 100, "Books")
	_, err = f.svc.CreateTrade(ctx, CreateTradeInput{ListingID: trade.ListingID, BuyerID: f.buyer})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition for traded listing, got %v", err)
	}
}

func TestCreateTradeVelocityLimit(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.trade(t, 10, "Books")
	}

	sixth := f.listing(t, 1, "Books")
	_, err := f.svc.CreateTrade(context.Background(), CreateTradeInput{ListingID: sixth, BuyerID: f.buyer})
	if !errors.Is(err, ErrVelocityLimitExceeded) {
		t.Fatalf("expected velocity limit, got %v", err)
	}
	if got := f.listingStatus(t, sixth); got != storage.ListingActive {
		t.Fatalf("rejected trade must leave listing ACTIVE, got %s", got)
	}

	f.clock.Advance(24*time.Hour + time.Second)
	if _, err := f.svc.CreateTrade(context.Background(), CreateTradeInput{ListingID: sixth, BuyerID: f.buyer}); err != nil {
		t.Fatalf("expected window to roll over, got %v", err)
	}
}

func TestCreateTradeVelocityVolume(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateTrade(context.Background(), CreateTradeInput{ListingID: f.listing(t, 5001, "Books"), BuyerID: f.buyer})
	if !errors.Is(err, ErrVelocityLimitExceeded) {
		t.Fatalf("expected volume limit, got %v", err)
	}
}

func TestCreateTradeRiskLockdown(t *testing.T) {
	hook := risk.HookFunc(func(context.Context, risk.Assessment) (int, error) { return 95, nil })
	f := newFixture(t, func(d *Deps) {
		d.Guard = risk.NewGuard(hook, risk.Config{}, slog.Default(), nil)
	})
	listing := f.listing(t, 100, "Books")

	_, err := f.svc.CreateTrade(context.Background(), CreateTradeInput{ListingID: listing, BuyerID: f.buyer})
	if !errors.Is(err, ErrSecurityLockdown) {
		t.Fatalf("expected lockdown, got %v", err)
	}
	if got := f.listingStatus(t, listing); got != storage.ListingActive {
		t.Fatalf("expected listing ACTIVE, got %s", got)
	}
	trades, _ := f.svc.FindAll(context.Background(), f.buyer)
	if len(trades) != 0 {
		t.Fatalf("expected no trades, got %d", len(trades))
	}
}

// failOnceStore fails the next transaction after arm is called.
type failOnceStore struct {
	*storage.Memory
	mu    sync.Mutex
	armed bool
}

func (s *failOnceStore) arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
}

func (s *failOnceStore) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	fail := s.armed
	s.armed = false
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.Memory.InTx(ctx, fn)
}

func TestCreateTradeFailedCommitReleasesVelocity(t *testing.T) {
	f := newFixture(t)
	store := &failOnceStore{Memory: f.store}
	f.svc = NewTradeService(store, Deps{Notifier: f.notifier, Clock: f.clock.Now}, DefaultSettings(), slog.Default(), nil)

	for i := 0; i < 4; i++ {
		f.trade(t, 10, "Books")
	}
	store.arm()
	listing := f.listing(t, 10, "Books")
	if _, err := f.svc.CreateTrade(context.Background(), CreateTradeInput{ListingID: listing, BuyerID: f.buyer}); err == nil {
		t.Fatalf("expected commit failure")
	}
	if got := f.listingStatus(t, listing); got != storage.ListingActive {
		t.Fatalf("failed create must not lock the listing, got %s", got)
	}

	if _, err := f.svc.CreateTrade(context.Background(), CreateTradeInput{ListingID: listing, BuyerID: f.buyer}); err != nil {
		t.Fatalf("expected released reservation to free a slot, got %v", err)
	}
}

func TestConfirmBothPartiesCompletesTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.trade(t, 1000, "Tools")

	got, err := f.svc.Confirm(ctx, trade.ID, f.buyer)
	if err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	if got.Status != storage.TradeLocked || !got.BuyerConfirmed || got.SellerConfirmed {
		t.Fatalf("unexpected state after buyer confirm: %+v", got)
	}

	again, err := f.svc.Confirm(ctx, trade.ID, f.buyer)
	if err != nil {
		t.Fatalf("repeat confirm: %v", err)
	}
	if again.Status != storage.TradeLocked {
		t.Fatalf("repeat confirm must not complete, got %s", again.Status)
	}

	done, err := f.svc.Confirm(ctx, trade.ID, f.seller)
	if err != nil {
		t.Fatalf("seller confirm: %v", err)
	}
	if done.Status != storage.TradeCompleted {
		t.Fatalf("expected COMPLETED, got %s", done.Status)
	}
	if got := f.balance(t, f.seller); got != 925 {
		t.Fatalf("expected seller net payout 925, got %d", got)
	}

	txs, _ := f.store.ListTransactions(ctx, trade.ID)
	var net int64
	for _, tx := range txs {
		net += storage.BalanceDelta(tx, f.seller)
	}
	if net != 925 {
		t.Fatalf("transactions must reconcile to the payout, got %d", net)
	}
	if countTx(txs, storage.TxPayout) != 1 || countTx(txs, storage.TxPlatformFee) != 1 {
		t.Fatalf("expected one payout and one fee, got %+v", txs)
	}

	if _, err := f.svc.Confirm(ctx, trade.ID, f.buyer); !errors.Is(err, ErrTradeFinalized) {
		t.Fatalf("expected finalized, got %v", err)
	}
}

func TestConfirmCompletesTimelineAfterMilestones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.trade(t, 100, "Books")

	for _, st := range []timeline.State{timeline.OfferAccepted, timeline.ItemsLocked, timeline.MeetupAgreed} {
		if _, err := f.svc.AdvanceTimeline(ctx, trade.ID, st, f.seller, nil); err != nil {
			t.Fatalf("advance %s: %v", st, err)
		}
	}
	f.svc.Confirm(ctx, trade.ID, f.buyer)
	f.svc.Confirm(ctx, trade.ID, f.seller)

	state, err := f.svc.CurrentTimelineState(ctx, trade.ID)
	if err != nil {
		t.Fatalf("CurrentTimelineState: %v", err)
	}
	if state != timeline.TradeCompleted {
		t.Fatalf("expected TRADE_COMPLETED, got %s", state)
	}
}

func TestConfirmRejectsStranger(t *testing.T) {
	f := newFixture(t)
	trade := f.trade(t, 100, "Books")
	if _, err := f.svc.Confirm(context.Background(), trade.ID, uuid.New()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestConcurrentConfirmsPayOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.trade(t, 1000, "Tools")

	var g errgroup.Group
	for _, user := range []uuid.UUID{f.buyer, f.seller, f.buyer, f.seller} {
		g.Go(func() error {
			_, err := f.svc.Confirm(ctx, trade.ID, user)
			if errors.Is(err, ErrTradeFinalized) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	txs, _ := f.store.ListTransactions(ctx, trade.ID)
	if countTx(txs, storage.TxPayout) != 1 {
		t.Fatalf("expected exactly one payout, got %+v", txs)
	}
	if got := f.balance(t, f.seller); got != 925 {
		t.Fatalf("expected 925, got %d", got)
	}
}

func TestConcurrentCreateOnSameListing(t *testing.T) {
	f := newFixture(t)
	other := uuid.New()
	f.store.AddUser(storage.User{ID: other})
	listing := f.listing(t, 100, "Books")

	var mu sync.Mutex
	wins, conflicts := 0, 0
	var g errgroup.Group
	for _, buyer := range []uuid.UUID{f.buyer, other} {
		g.Go(func() error {
			_, err := f.svc.CreateTrade(context.Background(), CreateTradeInput{ListingID: listing, BuyerID: buyer})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrInvalidStateTransition):
				conflicts++
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("create: %v", err)
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected one winner, got wins=%d conflicts=%d", wins, conflicts)
	}
}

func TestVerifyTradeRefundsUnusedEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.trade(t, 1000, "Tools")

	verified, err := f.svc.VerifyTrade(ctx, trade.ID, []escrow.Allocation{
		{Bucket: escrow.BucketLogisticsCoordination, AmountVP: 80, Justification: "pickup coordination effort"},
	}, f.admin)
	if err != nil {
		t.Fatalf("VerifyTrade: %v", err)
	}
	if !verified.IsVerified {
		t.Fatalf("expected verified")
	}
	if got := f.balance(t, f.buyer); got != 40 {
		t.Fatalf("expected refund 40, got %d", got)
	}

	details, _ := f.svc.GetTrade(ctx, trade.ID)
	var allocated int64
	for _, c := range details.OperationCosts {
		allocated += c.AmountVP
	}
	var refunded int64
	for _, tx := range details.Transactions {
		if tx.Type == storage.TxEscrowRefund {
			refunded += tx.AmountVP
		}
	}
	if allocated+refunded != trade.CoordinationEscrowVP {
		t.Fatalf("escrow not conserved: allocated %d refunded %d cap %d", allocated, refunded, trade.CoordinationEscrowVP)
	}

	for fund, want := range map[storage.Fund]int64{
		storage.FundEmergency:      40,
		storage.FundAmbassador:     10,
		storage.FundAdminLogistics: 100,
	} {
		got, err := f.store.GetFundBalance(ctx, fund)
		if err != nil {
			t.Fatalf("GetFundBalance: %v", err)
		}
		if got != want {
			t.Fatalf("fund %s: expected %d, got %d", fund, want, got)
		}
	}

	_, err = f.svc.VerifyTrade(ctx, trade.ID, nil, f.admin)
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected second verify to fail, got %v", err)
	}
}

func TestVerifyTradeRejectsBadAllocations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.trade(t, 1000, "Tools")

	cases := []struct {
		name  string
		alloc []escrow.Allocation
		want  error
	}{
		{"over cap", []escrow.Allocation{{Bucket: escrow.BucketDisputeHandling, AmountVP: 121, Justification: "long dispute review"}}, ErrEscrowCapExceeded},
		{"short justification", []escrow.Allocation{{Bucket: escrow.BucketDisputeHandling, AmountVP: 10, Justification: "too short"}}, ErrMissingJustification},
		{"unknown bucket", []escrow.Allocation{{Bucket: "SNACKS", AmountVP: 10, Justification: "team lunch meeting"}}, ErrMissingJustification},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.VerifyTrade(ctx, trade.ID, tc.alloc, f.admin); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	got, _ := f.store.GetTrade(ctx, trade.ID)
	if got.IsVerified || f.balance(t, f.buyer) != 0 {
		t.Fatalf("rejected verification must not change state")
	}
}

func TestDisputeAndRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.trade(t, 1000, "Tools")

	if _, err := f.svc.DisputeTrade(ctx, trade.ID, "item not as described", f.buyer); err != nil {
		t.Fatalf("DisputeTrade: %v", err)
	}
	if _, err := f.svc.Confirm(ctx, trade.ID, f.seller); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected confirm on disputed trade to fail, got %v", err)
	}
	if _, err := f.svc.DisputeTrade(ctx, trade.ID, "again", f.seller); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected second dispute to fail, got %v", err)
	}

	if err := f.svc.ResolveDispute(ctx, trade.ID, "refund", "seller unresponsive", f.admin); err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	got, _ := f.store.GetTrade(ctx, trade.ID)
	if got.Status != storage.TradeCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if s := f.listingStatus(t, trade.ListingID); s != storage.ListingActive {
		t.Fatalf("expected listing relisted, got %s", s)
	}
	if b := f.balance(t, f.buyer); b != 120 {
		t.Fatalf("expected escrow refund 120, got %d", b)
	}
	states := f.states(t, trade.ID)
	if states[len(states)-1] != timeline.DisputeResolved {
		t.Fatalf("expected DISPUTE_RESOLVED last, got %v", states)
	}

	if _, err := f.svc.DisputeTrade(ctx, trade.ID, "late", f.buyer); !errors.Is(err, ErrTradeFinalized) {
		t.Fatalf("expected finalized, got %v", err)
	}
	if _, err := f.svc.VerifyTrade(ctx, trade.ID, nil, f.admin); !errors.Is(err, ErrTradeFinalized) {
		t.Fatalf("expected finalized, got %v", err)
	}
}

func TestResolveDisputeRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.trade(t, 1000, "Tools")
	f.svc.DisputeTrade(ctx, trade.ID, "buyer silent", f.seller)

	if err := f.svc.ResolveDispute(ctx, trade.ID, ResolutionRelease, "", f.admin); err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if b := f.balance(t, f.seller); b != 1000 {
		t.Fatalf("expected full release, got %d", b)
	}
	got, _ := f.store.GetTrade(ctx, trade.ID)
	if got.Status != storage.TradeCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
}

func TestResolveDisputeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.trade(t, 100, "Books")

	if err := f.svc.ResolveDispute(ctx, trade.ID, "SPLIT", "", f.admin); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if err := f.svc.ResolveDispute(ctx, trade.ID, ResolutionRefund, "", f.admin); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected undisputed trade to be rejected, got %v", err)
	}
}

func TestVerifiedTradeRefundIsNotRepeated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.trade(t, 1000, "Tools")

	f.svc.VerifyTrade(ctx, trade.ID, []escrow.Allocation{
		{Bucket: escrow.BucketVerificationEffort, AmountVP: 20, Justification: "photo verification of item"},
	}, f.admin)
	f.svc.DisputeTrade(ctx, trade.ID, "no show", f.buyer)
	if err := f.svc.ResolveDispute(ctx, trade.ID, ResolutionRefund, "", f.admin); err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if b := f.balance(t, f.buyer); b != 100 {
		t.Fatalf("expected only the verification refund of 100, got %d", b)
	}
}

func TestAdvanceTimeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.trade(t, 100, "Books")

	ev, err := f.svc.AdvanceTimeline(ctx, trade.ID, timeline.OfferAccepted, f.seller, map[string]string{"note": "deal"})
	if err != nil {
		t.Fatalf("AdvanceTimeline: %v", err)
	}
	if ev.Metadata["user_id"] != f.seller.String() || ev.Metadata["note"] != "deal" {
		t.Fatalf("unexpected metadata %v", ev.Metadata)
	}
	if _, err := f.svc.AdvanceTimeline(ctx, trade.ID, timeline.MeetupAgreed, f.buyer, nil); !errors.Is(err, ErrInvalidProgression) {
		t.Fatalf("expected skip to be rejected, got %v", err)
	}
	if _, err := f.svc.AdvanceTimeline(ctx, trade.ID, timeline.OfferAccepted, f.buyer, nil); !errors.Is(err, ErrInvalidProgression) {
		t.Fatalf("expected repeat to be rejected, got %v", err)
	}
	if _, err := f.svc.AdvanceTimeline(ctx, trade.ID, timeline.TradeCompleted, f.buyer, nil); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected lifecycle state to be rejected, got %v", err)
	}
	if _, err := f.svc.AdvanceTimeline(ctx, trade.ID, "SHIPPED", f.buyer, nil); !errors.Is(err, ErrInvalidTimelineState) {
		t.Fatalf("expected unknown state to be rejected, got %v", err)
	}
	if _, err := f.svc.AdvanceTimeline(ctx, trade.ID, timeline.ItemsLocked, uuid.New(), nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected stranger to be rejected, got %v", err)
	}

	events, _ := f.store.ListTimeline(ctx, trade.ID)
	for i := 1; i < len(events); i++ {
		if !events[i].CreatedAt.After(events[i-1].CreatedAt) {
			t.Fatalf("timeline timestamps must strictly increase")
		}
	}
}

func TestFailedNotificationDoesNotFailOperation(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("broker down")
	trade := f.trade(t, 100, "Books")
	if _, err := f.svc.Confirm(context.Background(), trade.ID, f.buyer); err != nil {
		t.Fatalf("expected confirm to succeed, got %v", err)
	}
}

func TestFindAllListsBothSides(t *testing.T) {
	f := newFixture(t)
	f.trade(t, 100, "Books")
	f.trade(t, 100, "Books")

	for _, user := range []uuid.UUID{f.buyer, f.seller} {
		trades, err := f.svc.FindAll(context.Background(), user)
		if err != nil {
			t.Fatalf("FindAll: %v", err)
		}
		if len(trades) != 2 {
			t.Fatalf("expected 2 trades, got %d", len(trades))
		}
	}
}

func TestEveryStateChangeIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.trade(t, 1000, "Tools")
	f.svc.VerifyTrade(ctx, trade.ID, nil, f.admin)
	f.svc.DisputeTrade(ctx, trade.ID, "broken on arrival", f.buyer)
	f.svc.ResolveDispute(ctx, trade.ID, ResolutionRelease, "", f.admin)
	if err := f.svc.AuditLog(ctx, "admin.user_banned", "admin:"+f.admin.String(), map[string]string{"user": "x"}, 0); err != nil {
		t.Fatalf("AuditLog: %v", err)
	}

	records, err := f.store.ListAuditRecords(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListAuditRecords: %v", err)
	}
	want := []string{"trade.created", "trade.verified", "trade.dispute_opened", "trade.dispute_resolved", "admin.user_banned"}
	if len(records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(records))
	}
	for i, rec := range records {
		if rec.Action != want[i] {
			t.Fatalf("record %d: expected %s, got %s", i, want[i], rec.Action)
		}
	}

	result, err := f.svc.VerifyAuditChain(ctx)
	if err != nil {
		t.Fatalf("VerifyAuditChain: %v", err)
	}
	if !result.Verified || result.Checked != len(want) {
		t.Fatalf("expected verified chain, got %+v", result)
	}
}

type tradeSnapshot struct {
	status    storage.TradeStatus
	confirmed [2]bool
	verified  bool
	updatedAt int64
	txs       int
	events    int
	audit     int
	buyerVP   int64
	sellerVP  int64
	listingSt storage.ListingStatus
}

func (f *fixture) snapshot(t *testing.T, tradeID uuid.UUID) tradeSnapshot {
	t.Helper()
	ctx := context.Background()
	trade, err := f.store.GetTrade(ctx, tradeID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	txs, err := f.store.ListTransactions(ctx, tradeID)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	events, err := f.store.ListTimeline(ctx, tradeID)
	if err != nil {
		t.Fatalf("ListTimeline: %v", err)
	}
	records, err := f.store.ListAuditRecords(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListAuditRecords: %v", err)
	}
	return tradeSnapshot{
		status:    trade.Status,
		confirmed: [2]bool{trade.BuyerConfirmed, trade.SellerConfirmed},
		verified:  trade.IsVerified,
		updatedAt: trade.UpdatedAt.UnixNano(),
		txs:       len(txs),
		events:    len(events),
		audit:     len(records),
		buyerVP:   f.balance(t, f.buyer),
		sellerVP:  f.balance(t, f.seller),
		listingSt: f.listingStatus(t, trade.ListingID),
	}
}

func TestFinalizedTradesRejectEveryMutation(t *testing.T) {
	finalize := []struct {
		name   string
		status storage.TradeStatus
		run    func(t *testing.T, f *fixture, tradeID uuid.UUID)
	}{
		{"completed by confirmation", storage.TradeCompleted, func(t *testing.T, f *fixture, tradeID uuid.UUID) {
			ctx := context.Background()
			if _, err := f.svc.Confirm(ctx, tradeID, f.buyer); err != nil {
				t.Fatalf("buyer confirm: %v", err)
			}
			if _, err := f.svc.Confirm(ctx, tradeID, f.seller); err != nil {
				t.Fatalf("seller confirm: %v", err)
			}
		}},
		{"completed by release", storage.TradeCompleted, func(t *testing.T, f *fixture, tradeID uuid.UUID) {
			ctx := context.Background()
			if _, err := f.svc.DisputeTrade(ctx, tradeID, "item not as described", f.buyer); err != nil {
				t.Fatalf("DisputeTrade: %v", err)
			}
			if err := f.svc.ResolveDispute(ctx, tradeID, ResolutionRelease, "photos match listing", f.admin); err != nil {
				t.Fatalf("ResolveDispute: %v", err)
			}
		}},
		{"cancelled by expiry", storage.TradeCancelled, func(t *testing.T, f *fixture, tradeID uuid.UUID) {
			f.clock.Advance(13 * time.Hour)
			n, err := f.svc.RunExpirySweep(context.Background())
			if err != nil || n != 1 {
				t.Fatalf("RunExpirySweep: n=%d err=%v", n, err)
			}
		}},
	}

	mutations := []struct {
		name string
		call func(f *fixture, tradeID uuid.UUID) error
	}{
		{"confirm by buyer", func(f *fixture, id uuid.UUID) error {
			_, err := f.svc.Confirm(context.Background(), id, f.buyer)
			return err
		}},
		{"confirm by seller", func(f *fixture, id uuid.UUID) error {
			_, err := f.svc.Confirm(context.Background(), id, f.seller)
			return err
		}},
		{"dispute", func(f *fixture, id uuid.UUID) error {
			_, err := f.svc.DisputeTrade(context.Background(), id, "changed my mind", f.buyer)
			return err
		}},
		{"verify", func(f *fixture, id uuid.UUID) error {
			_, err := f.svc.VerifyTrade(context.Background(), id, []escrow.Allocation{
				{Bucket: escrow.BucketVerificationEffort, AmountVP: 10, Justification: "photo review of items"},
			}, f.admin)
			return err
		}},
		{"resolve release", func(f *fixture, id uuid.UUID) error {
			return f.svc.ResolveDispute(context.Background(), id, ResolutionRelease, "", f.admin)
		}},
		{"resolve refund", func(f *fixture, id uuid.UUID) error {
			return f.svc.ResolveDispute(context.Background(), id, ResolutionRefund, "", f.admin)
		}},
		{"advance timeline", func(f *fixture, id uuid.UUID) error {
			_, err := f.svc.AdvanceTimeline(context.Background(), id, timeline.OfferAccepted, f.seller, nil)
			return err
		}},
	}

	for _, fin := range finalize {
		for _, m := range mutations {
			t.Run(fin.name+"/"+m.name, func(t *testing.T) {
				f := newFixture(t)
				trade := f.trade(t, 1000, "Tools")
				fin.run(t, f, trade.ID)

				before := f.snapshot(t, trade.ID)
				if before.status != fin.status {
					t.Fatalf("expected %s before mutation, got %s", fin.status, before.status)
				}

				if err := m.call(f, trade.ID); !errors.Is(err, ErrTradeFinalized) {
					t.Fatalf("expected ErrTradeFinalized, got %v", err)
				}

				after := f.snapshot(t, trade.ID)
				if after != before {
					t.Fatalf("finalized trade changed:\nbefore %+v\nafter  %+v", before, after)
				}
			})
		}
	}
}

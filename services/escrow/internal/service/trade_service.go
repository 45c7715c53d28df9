package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AfshinJalili/barterx/services/escrow/internal/audit"
	"github.com/AfshinJalili/barterx/services/escrow/internal/escrow"
	"github.com/AfshinJalili/barterx/services/escrow/internal/notify"
	"github.com/AfshinJalili/barterx/services/escrow/internal/risk"
	"github.com/AfshinJalili/barterx/services/escrow/internal/storage"
	"github.com/AfshinJalili/barterx/services/escrow/internal/timeline"
	"github.com/AfshinJalili/barterx/services/escrow/internal/velocity"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ResolutionRelease = "RELEASE"
	ResolutionRefund  = "REFUND"

	sweepActor = "system:expiry-sweep"
)

type Settings struct {
	BaseEscrowRate       int
	TradeWindow          time.Duration
	SellerFeeBasisPoints int
	SweepBatchSize       int
	DefaultCashCurrency  string
}

func DefaultSettings() Settings {
	return Settings{
		BaseEscrowRate:       escrow.GlobalCapPercent,
		TradeWindow:          12 * time.Hour,
		SellerFeeBasisPoints: escrow.DefaultSellerFeeBasisPoints,
		SweepBatchSize:       500,
		DefaultCashCurrency:  "USD",
	}
}

// Deps are the collaborators of the state machine. Nil fields fall back to
// in-process or no-op implementations.
type Deps struct {
	Velocity velocity.Store
	Guard    *risk.Guard
	Notifier notify.Notifier
	Audit    *audit.Ledger
	Clock    func() time.Time
}

type TradeService struct {
	store    storage.Store
	velocity velocity.Store
	guard    *risk.Guard
	notifier notify.Notifier
	audit    *audit.Ledger
	settings Settings
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time
	sweepMu  sync.Mutex
}

func NewTradeService(store storage.Store, deps Deps, settings Settings, logger *slog.Logger, metrics *Metrics) *TradeService {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultSettings()
	if settings.BaseEscrowRate <= 0 {
		settings.BaseEscrowRate = defaults.BaseEscrowRate
	}
	if settings.TradeWindow <= 0 {
		settings.TradeWindow = defaults.TradeWindow
	}
	if settings.SellerFeeBasisPoints <= 0 {
		settings.SellerFeeBasisPoints = defaults.SellerFeeBasisPoints
	}
	if settings.SweepBatchSize <= 0 {
		settings.SweepBatchSize = defaults.SweepBatchSize
	}
	if settings.DefaultCashCurrency == "" {
		settings.DefaultCashCurrency = defaults.DefaultCashCurrency
	}

	s := &TradeService{
		store:    store,
		velocity: deps.Velocity,
		guard:    deps.Guard,
		notifier: deps.Notifier,
		audit:    deps.Audit,
		settings: settings,
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.Tracer("escrow-service"),
		now:      deps.Clock,
	}
	if s.velocity == nil {
		s.velocity = velocity.NewMemory(velocity.DefaultLimits())
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.audit == nil {
		s.audit = audit.NewLedger(store, logger, metrics).WithClock(s.now)
	}
	return s
}

type CreateTradeInput struct {
	ListingID    uuid.UUID
	BuyerID      uuid.UUID
	CashOffer    *int64
	CashCurrency string
}

// CreateTrade locks a listing for a buyer and opens the escrow hold. No value
// moves to anyone until the trade completes.
func (s *TradeService) CreateTrade(ctx context.Context, in CreateTradeInput) (trade storage.Trade, err error) {
	ctx, finish := s.begin(ctx, "create_trade", attribute.String("listing_id", in.ListingID.String()), attribute.String("buyer_id", in.BuyerID.String()))
	defer func() { finish(err) }()

	var cash *int64
	if in.CashOffer != nil {
		if *in.CashOffer < 0 {
			return storage.Trade{}, fmt.Errorf("%w: cash offer must not be negative", ErrInvalidInput)
		}
		if *in.CashOffer > 0 {
			amount := *in.CashOffer
			cash = &amount
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(in.CashCurrency))
	if cash != nil && currency == "" {
		currency = s.settings.DefaultCashCurrency
	}
	if cash == nil {
		currency = ""
	}

	listing, err := s.store.GetListing(ctx, in.ListingID)
	if err != nil {
		return storage.Trade{}, err
	}
	if _, err := s.store.GetUser(ctx, in.BuyerID); err != nil {
		return storage.Trade{}, err
	}
	if listing.SellerID == in.BuyerID {
		return storage.Trade{}, fmt.Errorf("%w: seller cannot buy own listing", ErrUnauthorized)
	}
	if listing.Status != storage.ListingActive {
		return storage.Trade{}, fmt.Errorf("%w: listing is %s", ErrInvalidStateTransition, listing.Status)
	}

	tradeID := uuid.New()
	score, err := s.guard.Check(ctx, risk.Assessment{
		Action:    risk.ActionCreateTrade,
		UserID:    in.BuyerID,
		TradeID:   tradeID,
		ListingID: listing.ID,
		AmountVP:  listing.PriceVP,
	})
	if err != nil {
		return storage.Trade{}, err
	}

	now := s.now()
	velocityKey := in.BuyerID.String()
	decision, err := s.velocity.Reserve(ctx, velocityKey, tradeID.String(), listing.PriceVP, now)
	if err != nil {
		return storage.Trade{}, fmt.Errorf("velocity check: %w", err)
	}
	if !decision.Allowed {
		s.metrics.IncVelocityRejection(string(decision.Reason))
		return storage.Trade{}, fmt.Errorf("%w: %s (%d trades, %d VP in window)", ErrVelocityLimitExceeded, decision.Reason, decision.Count, decision.Volume)
	}

	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		l, err := tx.GetListingForUpdate(ctx, in.ListingID)
		if err != nil {
			return err
		}
		if l.Status != storage.ListingActive {
			return fmt.Errorf("%w: listing is %s", ErrInvalidStateTransition, l.Status)
		}
		if err := tx.UpdateListingStatus(ctx, l.ID, storage.ListingTraded, now); err != nil {
			return err
		}

		trade = storage.Trade{
			ID:                   tradeID,
			ListingID:            l.ID,
			Category:             l.Category,
			BuyerID:              in.BuyerID,
			SellerID:             l.SellerID,
			OfferVP:              l.PriceVP,
			CoordinationEscrowVP: escrow.ComputeEscrow(l.PriceVP, s.settings.BaseEscrowRate, l.Category),
			Status:               storage.TradeLocked,
			CashOfferAmount:      cash,
			CashCurrency:         currency,
			ExpiresAt:            now.Add(s.settings.TradeWindow),
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}
		// The hold is a marker between platform accounts; it changes no balance.
		if err := insertTransaction(ctx, tx, trade.ID, storage.TxOperationalEscrow, storage.SystemParty{}, storage.SystemParty{}, trade.CoordinationEscrowVP, now); err != nil {
			return err
		}
		if _, err := timeline.Append(ctx, tx, trade.ID, timeline.OfferSent, map[string]string{"buyer_id": in.BuyerID.String()}, now); err != nil {
			return err
		}
		if cash != nil {
			meta := map[string]string{"amount": strconv.FormatInt(*cash, 10), "currency": currency}
			if _, err := timeline.Append(ctx, tx, trade.ID, timeline.CashProposed, meta, now); err != nil {
				return err
			}
		}
		_, err = s.audit.Record(ctx, tx, audit.Entry{
			Action:    "trade.created",
			Actor:     userActor(in.BuyerID),
			Details:   map[string]any{"trade_id": trade.ID, "listing_id": l.ID, "offer_vp": trade.OfferVP, "escrow_vp": trade.CoordinationEscrowVP},
			RiskScore: score,
		})
		return err
	})
	if err != nil {
		if relErr := s.velocity.Release(context.WithoutCancel(ctx), velocityKey, tradeID.String()); relErr != nil {
			s.logger.Error("velocity release failed", "trade_id", tradeID, "error", relErr)
		}
		return storage.Trade{}, err
	}

	s.notify(ctx, notify.Notification{Kind: notify.KindOfferReceived, TradeID: trade.ID, RecipientID: trade.SellerID, Message: "you received a trade offer"})
	return trade, nil
}

// Confirm records the caller's confirmation. The second distinct confirmation
// completes the trade and pays the seller net of the platform fee. Repeating
// a confirmation changes nothing.
func (s *TradeService) Confirm(ctx context.Context, tradeID, userID uuid.UUID) (trade storage.Trade, err error) {
	ctx, finish := s.begin(ctx, "confirm", attribute.String("trade_id", tradeID.String()), attribute.String("user_id", userID.String()))
	defer func() { finish(err) }()

	current, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return storage.Trade{}, err
	}
	score, err := s.guard.Check(ctx, risk.Assessment{
		Action:    risk.ActionConfirm,
		UserID:    userID,
		TradeID:   tradeID,
		ListingID: current.ListingID,
		AmountVP:  current.OfferVP,
	})
	if err != nil {
		return storage.Trade{}, err
	}

	changed := false
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTradeForUpdate(ctx, tradeID)
		if err != nil {
			return err
		}
		if err := requireOpen(t); err != nil {
			return err
		}
		if !t.IsParty(userID) {
			return fmt.Errorf("%w: user is not a party to the trade", ErrUnauthorized)
		}
		if t.Status != storage.TradeLocked {
			return fmt.Errorf("%w: cannot confirm a %s trade", ErrInvalidStateTransition, t.Status)
		}

		isBuyer := userID == t.BuyerID
		if (isBuyer && t.BuyerConfirmed) || (!isBuyer && t.SellerConfirmed) {
			trade = t
			return nil
		}
		if isBuyer {
			t.BuyerConfirmed = true
		} else {
			t.SellerConfirmed = true
		}

		now := s.now()
		t.UpdatedAt = now
		if t.BuyerConfirmed && t.SellerConfirmed {
			if err := s.complete(ctx, tx, &t, score, now); err != nil {
				return err
			}
		}
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		trade = t
		changed = true
		return nil
	})
	if err != nil {
		return storage.Trade{}, err
	}

	if changed {
		if trade.Status == storage.TradeCompleted {
			s.notify(ctx, notify.Notification{Kind: notify.KindTradeCompleted, TradeID: trade.ID, RecipientID: trade.BuyerID, Message: "your trade is complete"})
		} else {
			s.notify(ctx, notify.Notification{Kind: notify.KindConfirmPending, TradeID: trade.ID, RecipientID: trade.Counterparty(userID), Message: "your trading partner confirmed the trade"})
		}
	}
	return trade, nil
}

func (s *TradeService) complete(ctx context.Context, tx storage.Tx, t *storage.Trade, score int, now time.Time) error {
	settlement := escrow.SettleOffer(t.OfferVP, s.settings.SellerFeeBasisPoints)
	seller := storage.UserParty{UserID: t.SellerID}

	if err := tx.CreditUser(ctx, t.SellerID, settlement.PayoutVP, now); err != nil {
		return err
	}
	// Gross payout minus the withheld fee reconciles to the credited amount.
	if err := insertTransaction(ctx, tx, t.ID, storage.TxPayout, storage.SystemParty{}, seller, t.OfferVP, now); err != nil {
		return err
	}
	if settlement.FeeVP > 0 {
		if err := insertTransaction(ctx, tx, t.ID, storage.TxPlatformFee, seller, storage.SystemParty{}, settlement.FeeVP, now); err != nil {
			return err
		}
	}
	t.Status = storage.TradeCompleted
	if _, err := timeline.AppendIfLegal(ctx, tx, t.ID, timeline.TradeCompleted, nil, now); err != nil {
		return err
	}
	_, err := s.audit.Record(ctx, tx, audit.Entry{
		Action:    "trade.completed",
		Actor:     "system:dual-confirmation",
		Details:   map[string]any{"trade_id": t.ID, "payout_vp": settlement.PayoutVP, "fee_vp": settlement.FeeVP},
		RiskScore: score,
	})
	return err
}

// DisputeTrade freezes a trade for admin resolution.
func (s *TradeService) DisputeTrade(ctx context.Context, tradeID uuid.UUID, reason string, userID uuid.UUID) (trade storage.Trade, err error) {
	ctx, finish := s.begin(ctx, "dispute", attribute.String("trade_id", tradeID.String()), attribute.String("user_id", userID.String()))
	defer func() { finish(err) }()

	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTradeForUpdate(ctx, tradeID)
		if err != nil {
			return err
		}
		if err := requireOpen(t); err != nil {
			return err
		}
		if !t.IsParty(userID) {
			return fmt.Errorf("%w: user is not a party to the trade", ErrUnauthorized)
		}
		if t.Status == storage.TradeDisputed {
			return fmt.Errorf("%w: trade is already disputed", ErrInvalidStateTransition)
		}

		now := s.now()
		t.Status = storage.TradeDisputed
		t.UpdatedAt = now
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		if _, err := timeline.Append(ctx, tx, t.ID, timeline.DisputeOpened, map[string]string{"opened_by": userID.String(), "reason": reason}, now); err != nil {
			return err
		}
		if _, err := s.audit.Record(ctx, tx, audit.Entry{
			Action:  "trade.dispute_opened",
			Actor:   userActor(userID),
			Details: map[string]any{"trade_id": t.ID, "reason": reason},
		}); err != nil {
			return err
		}
		trade = t
		return nil
	})
	if err != nil {
		return storage.Trade{}, err
	}

	s.notify(ctx, notify.Notification{Kind: notify.KindDisputeOpened, TradeID: trade.ID, RecipientID: trade.Counterparty(userID), Message: "a dispute was opened on your trade"})
	return trade, nil
}

// ResolveDispute settles a disputed trade. RELEASE pays the seller the full
// offer; REFUND cancels the trade, relists the item and returns the unsettled
// escrow to the buyer. Admin authorization happens before this call.
func (s *TradeService) ResolveDispute(ctx context.Context, tradeID uuid.UUID, action, notes string, adminID uuid.UUID) (err error) {
	ctx, finish := s.begin(ctx, "resolve_dispute", attribute.String("trade_id", tradeID.String()), attribute.String("action", action))
	defer func() { finish(err) }()

	action = strings.ToUpper(strings.TrimSpace(action))
	if action != ResolutionRelease && action != ResolutionRefund {
		return fmt.Errorf("%w: resolution must be %s or %s", ErrInvalidInput, ResolutionRelease, ResolutionRefund)
	}

	var trade storage.Trade
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTradeForUpdate(ctx, tradeID)
		if err != nil {
			return err
		}
		if err := requireOpen(t); err != nil {
			return err
		}
		if t.Status != storage.TradeDisputed {
			return fmt.Errorf("%w: trade is %s, not disputed", ErrInvalidStateTransition, t.Status)
		}

		now := s.now()
		details := map[string]any{"trade_id": t.ID, "action": action, "notes": notes}
		switch action {
		case ResolutionRelease:
			if err := tx.CreditUser(ctx, t.SellerID, t.OfferVP, now); err != nil {
				return err
			}
			if err := insertTransaction(ctx, tx, t.ID, storage.TxPayout, storage.SystemParty{}, storage.UserParty{UserID: t.SellerID}, t.OfferVP, now); err != nil {
				return err
			}
			t.Status = storage.TradeCompleted
		case ResolutionRefund:
			if err := tx.UpdateListingStatus(ctx, t.ListingID, storage.ListingActive, now); err != nil {
				return err
			}
			refunded, err := s.refundEscrow(ctx, tx, t, now)
			if err != nil {
				return err
			}
			details["refund_vp"] = refunded
			t.Status = storage.TradeCancelled
		}

		t.UpdatedAt = now
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		if _, err := timeline.Append(ctx, tx, t.ID, timeline.DisputeResolved, map[string]string{"action": action, "admin_id": adminID.String()}, now); err != nil {
			return err
		}
		if _, err := s.audit.Record(ctx, tx, audit.Entry{
			Action:  "trade.dispute_resolved",
			Actor:   adminActor(adminID),
			Details: details,
		}); err != nil {
			return err
		}
		trade = t
		return nil
	})
	if err != nil {
		return err
	}

	msg := "your dispute was resolved: " + strings.ToLower(action)
	s.notify(ctx, notify.Notification{Kind: notify.KindDisputeResolved, TradeID: trade.ID, RecipientID: trade.BuyerID, Message: msg})
	s.notify(ctx, notify.Notification{Kind: notify.KindDisputeResolved, TradeID: trade.ID, RecipientID: trade.SellerID, Message: msg})
	return nil
}

// VerifyTrade settles the coordination escrow against admin-justified cost
// allocations, mints the protocol fund shares and refunds what was not spent.
func (s *TradeService) VerifyTrade(ctx context.Context, tradeID uuid.UUID, allocations []escrow.Allocation, adminID uuid.UUID) (trade storage.Trade, err error) {
	ctx, finish := s.begin(ctx, "verify", attribute.String("trade_id", tradeID.String()), attribute.Int("allocations", len(allocations)))
	defer func() { finish(err) }()

	var refund int64
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTradeForUpdate(ctx, tradeID)
		if err != nil {
			return err
		}
		if err := requireOpen(t); err != nil {
			return err
		}
		if t.IsVerified {
			return fmt.Errorf("%w: trade is already verified", ErrInvalidStateTransition)
		}
		total, err := escrow.ValidateAllocations(allocations, t.CoordinationEscrowVP)
		if err != nil {
			return err
		}

		now := s.now()
		costs := make([]storage.OperationCost, 0, len(allocations))
		for _, a := range allocations {
			costs = append(costs, storage.OperationCost{
				ID:            uuid.New(),
				TradeID:       t.ID,
				Bucket:        string(a.Bucket),
				AmountVP:      a.AmountVP,
				Justification: strings.TrimSpace(a.Justification),
				AdminID:       adminID,
				CreatedAt:     now,
			})
		}
		if err := tx.InsertOperationCosts(ctx, costs); err != nil {
			return err
		}

		shares := escrow.ProtocolShares(t.OfferVP)
		for _, share := range []struct {
			fund   storage.Fund
			amount int64
		}{
			{storage.FundEmergency, shares.EmergencyVP},
			{storage.FundAmbassador, shares.AmbassadorVP},
			{storage.FundAdminLogistics, shares.AdminLogisticsVP},
		} {
			if share.amount == 0 {
				continue
			}
			if err := tx.CreditFund(ctx, share.fund, share.amount, now); err != nil {
				return err
			}
			if err := insertTransaction(ctx, tx, t.ID, storage.TxProtocolFund, storage.SystemParty{}, storage.FundParty{Fund: share.fund}, share.amount, now); err != nil {
				return err
			}
		}

		refund = escrow.ComputeRefund(t.CoordinationEscrowVP, total)
		if refund > 0 {
			if err := s.creditBuyerRefund(ctx, tx, t, refund, now); err != nil {
				return err
			}
		}

		t.IsVerified = true
		t.UpdatedAt = now
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		if _, err := s.audit.Record(ctx, tx, audit.Entry{
			Action: "trade.verified",
			Actor:  adminActor(adminID),
			Details: map[string]any{
				"trade_id":     t.ID,
				"allocated_vp": total,
				"refund_vp":    refund,
				"fund_vp":      shares.Total(),
			},
		}); err != nil {
			return err
		}
		trade = t
		return nil
	})
	if err != nil {
		return storage.Trade{}, err
	}

	if refund > 0 {
		s.notify(ctx, notify.Notification{Kind: notify.KindTradeVerified, TradeID: trade.ID, RecipientID: trade.BuyerID, Message: fmt.Sprintf("%d VP of unused escrow was refunded", refund)})
	}
	return trade, nil
}

var milestones = map[timeline.State]bool{
	timeline.OfferAccepted: true,
	timeline.ItemsLocked:   true,
	timeline.MeetupAgreed:  true,
}

// AdvanceTimeline records a party-driven milestone on an open trade.
func (s *TradeService) AdvanceTimeline(ctx context.Context, tradeID uuid.UUID, state timeline.State, userID uuid.UUID, metadata map[string]string) (event storage.TimelineEvent, err error) {
	ctx, finish := s.begin(ctx, "advance_timeline", attribute.String("trade_id", tradeID.String()), attribute.String("state", string(state)))
	defer func() { finish(err) }()

	if !timeline.Known(state) {
		return storage.TimelineEvent{}, fmt.Errorf("%w: %q", ErrInvalidTimelineState, state)
	}
	if !milestones[state] {
		return storage.TimelineEvent{}, fmt.Errorf("%w: %s is recorded by the trade lifecycle", ErrInvalidStateTransition, state)
	}

	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTradeForUpdate(ctx, tradeID)
		if err != nil {
			return err
		}
		if err := requireOpen(t); err != nil {
			return err
		}
		if !t.IsParty(userID) {
			return fmt.Errorf("%w: user is not a party to the trade", ErrUnauthorized)
		}
		if t.Status != storage.TradeLocked {
			return fmt.Errorf("%w: cannot advance a %s trade", ErrInvalidStateTransition, t.Status)
		}
		meta := map[string]string{"user_id": userID.String()}
		for k, v := range metadata {
			if k != "user_id" {
				meta[k] = v
			}
		}
		event, err = timeline.Append(ctx, tx, t.ID, state, meta, s.now())
		return err
	})
	if err != nil {
		return storage.TimelineEvent{}, err
	}
	return event, nil
}

// GetTrade returns a trade with its timeline, cost allocations and value
// movements.
func (s *TradeService) GetTrade(ctx context.Context, tradeID uuid.UUID) (storage.TradeDetails, error) {
	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return storage.TradeDetails{}, err
	}
	events, err := s.store.ListTimeline(ctx, tradeID)
	if err != nil {
		return storage.TradeDetails{}, err
	}
	costs, err := s.store.ListOperationCosts(ctx, tradeID)
	if err != nil {
		return storage.TradeDetails{}, err
	}
	txs, err := s.store.ListTransactions(ctx, tradeID)
	if err != nil {
		return storage.TradeDetails{}, err
	}
	return storage.TradeDetails{Trade: t, Timeline: events, OperationCosts: costs, Transactions: txs}, nil
}

// CurrentTimelineState returns the latest timeline state of a trade.
func (s *TradeService) CurrentTimelineState(ctx context.Context, tradeID uuid.UUID) (timeline.State, error) {
	events, err := s.store.ListTimeline(ctx, tradeID)
	if err != nil {
		return timeline.None, err
	}
	return timeline.CurrentState(events), nil
}

// FindAll lists the trades a user takes part in, newest first.
func (s *TradeService) FindAll(ctx context.Context, userID uuid.UUID) ([]storage.Trade, error) {
	return s.store.ListTradesByUser(ctx, userID)
}

// AuditLog records a standalone admin or security action.
func (s *TradeService) AuditLog(ctx context.Context, action, actor string, details any, riskScore int) error {
	_, err := s.audit.Log(ctx, action, actor, details, riskScore)
	return err
}

func (s *TradeService) VerifyAuditChain(ctx context.Context) (audit.VerifyResult, error) {
	return s.audit.Verify(ctx, audit.VerifyOptions{})
}

// refundEscrow returns the trade's unsettled coordination escrow to the
// buyer. Verification already settles the escrow, so a verified trade has
// nothing left to refund.
func (s *TradeService) refundEscrow(ctx context.Context, tx storage.Tx, t storage.Trade, now time.Time) (int64, error) {
	if t.IsVerified || t.CoordinationEscrowVP == 0 {
		return 0, nil
	}
	if err := s.creditBuyerRefund(ctx, tx, t, t.CoordinationEscrowVP, now); err != nil {
		return 0, err
	}
	return t.CoordinationEscrowVP, nil
}

func (s *TradeService) creditBuyerRefund(ctx context.Context, tx storage.Tx, t storage.Trade, amount int64, now time.Time) error {
	if err := tx.CreditUser(ctx, t.BuyerID, amount, now); err != nil {
		return err
	}
	return insertTransaction(ctx, tx, t.ID, storage.TxEscrowRefund, storage.SystemParty{}, storage.UserParty{UserID: t.BuyerID}, amount, now)
}

func (s *TradeService) notify(ctx context.Context, n notify.Notification) {
	if err := s.notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		s.metrics.IncNotification("error")
		s.logger.Warn("notification failed", "kind", n.Kind, "trade_id", n.TradeID, "error", err)
		return
	}
	s.metrics.IncNotification("success")
}

// begin opens a span for op and returns a func that closes it and records
// the outcome.
func (s *TradeService) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "TradeService."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		status := errorLabel(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, status)
			if status == "error" || errors.Is(err, ErrAuditWriteFailed) {
				s.logger.Error("trade operation failed", "op", op, "error", err)
			}
		}
		span.End()
		s.metrics.ObserveOperation(op, status, time.Since(start))
	}
}

func requireOpen(t storage.Trade) error {
	if t.Status.Terminal() {
		return fmt.Errorf("%w: trade is %s", ErrTradeFinalized, t.Status)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx storage.Tx, tradeID uuid.UUID, typ storage.TransactionType, from, to storage.Party, amount int64, now time.Time) error {
	return tx.InsertTransaction(ctx, storage.Transaction{
		ID:        uuid.New(),
		TradeID:   tradeID,
		Type:      typ,
		From:      from,
		To:        to,
		AmountVP:  amount,
		CreatedAt: now,
	})
}

func userActor(id uuid.UUID) string  { return "user:" + id.String() }
func adminActor(id uuid.UUID) string { return "admin:" + id.String() }

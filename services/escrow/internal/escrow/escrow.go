// Package escrow holds the pure arithmetic of coordination escrow: category
// caps, escrow sizing, cost-bucket validation, refunds, the seller fee and
// the protocol fund shares. Nothing here touches storage.
package escrow

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const (
	// GlobalCapPercent bounds escrow for categories without a specific cap.
	GlobalCapPercent = 15
	// MinJustificationLength is measured in characters after trimming.
	MinJustificationLength = 10
	// DefaultSellerFeeBasisPoints is 7.5%.
	DefaultSellerFeeBasisPoints = 750
)

var (
	ErrMissingJustification = errors.New("missing justification")
	ErrEscrowCapExceeded    = errors.New("escrow cap exceeded")
)

type Bucket string

const (
	BucketModerationReview      Bucket = "MODERATION_REVIEW"
	BucketDisputeHandling       Bucket = "DISPUTE_HANDLING"
	BucketVerificationEffort    Bucket = "VERIFICATION_EFFORT"
	BucketLogisticsCoordination Bucket = "LOGISTICS_COORDINATION"
)

func (b Bucket) Valid() bool {
	switch b {
	case BucketModerationReview, BucketDisputeHandling, BucketVerificationEffort, BucketLogisticsCoordination:
		return true
	}
	return false
}

type Allocation struct {
	Bucket        Bucket
	AmountVP      int64
	Justification string
}

type categoryRule struct {
	keywords []string
	percent  int
}

// Rules are checked in order; the first rule with a keyword equal to one
// of the category's words wins. A trailing plural "s" is ignored.
var categoryRules = []categoryRule{
	{keywords: []string{"food", "medicine", "medical"}, percent: 5},
	{keywords: []string{"service", "labor", "labour"}, percent: 10},
	{keywords: []string{"tool", "machinery"}, percent: 12},
}

// CategoryCap returns the escrow percentage cap for a category name.
func CategoryCap(category string) int {
	words := categoryWords(category)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if _, ok := words[kw]; ok {
				return rule.percent
			}
		}
	}
	return GlobalCapPercent
}

func categoryWords(category string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(category), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	words := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		words[f] = struct{}{}
		if len(f) > 1 {
			words[strings.TrimSuffix(f, "s")] = struct{}{}
		}
	}
	return words
}

// EffectiveRate is min(baseRate, CategoryCap(category)), floored at zero.
func EffectiveRate(baseRate int, category string) int {
	rate := min(baseRate, CategoryCap(category))
	return max(rate, 0)
}

// ComputeEscrow returns round(priceVP * EffectiveRate / 100), rounding
// halves away from zero.
func ComputeEscrow(priceVP int64, baseRate int, category string) int64 {
	if priceVP <= 0 {
		return 0
	}
	rate := decimal.NewFromInt(int64(EffectiveRate(baseRate, category)))
	return decimal.NewFromInt(priceVP).Mul(rate).Div(decimal.NewFromInt(100)).Round(0).IntPart()
}

// ValidateAllocations checks every allocation names a known bucket with a
// non-negative amount and a real justification, and that the total stays
// within capVP. It returns the total on success.
func ValidateAllocations(allocations []Allocation, capVP int64) (int64, error) {
	var total int64
	for i, a := range allocations {
		if !a.Bucket.Valid() {
			return 0, fmt.Errorf("%w: allocation %d has unknown bucket %q", ErrMissingJustification, i, a.Bucket)
		}
		if a.AmountVP < 0 {
			return 0, fmt.Errorf("%w: allocation %d has negative amount", ErrMissingJustification, i)
		}
		if utf8.RuneCountInString(strings.TrimSpace(a.Justification)) < MinJustificationLength {
			return 0, fmt.Errorf("%w: allocation %d to %s needs at least %d characters", ErrMissingJustification, i, a.Bucket, MinJustificationLength)
		}
		// Compared by subtraction so a huge amount cannot wrap the total.
		if a.AmountVP > capVP || total > capVP-a.AmountVP {
			return 0, fmt.Errorf("%w: allocation %d of %d exceeds the %d cap", ErrEscrowCapExceeded, i, a.AmountVP, capVP)
		}
		total += a.AmountVP
	}
	return total, nil
}

// ComputeRefund is the unallocated part of the escrow, never negative.
func ComputeRefund(capVP, totalAllocated int64) int64 {
	return max(capVP-totalAllocated, 0)
}

// Settlement splits an offer between the seller and the platform fee.
type Settlement struct {
	FeeVP    int64
	PayoutVP int64
}

// SettleOffer computes fee = floor(offerVP * bps / 10000) and the payout.
func SettleOffer(offerVP int64, feeBasisPoints int) Settlement {
	fee := percentFloor(offerVP, decimal.New(int64(feeBasisPoints), -4))
	return Settlement{FeeVP: fee, PayoutVP: offerVP - fee}
}

// FundShares are minted to the protocol funds when a trade is verified.
type FundShares struct {
	EmergencyVP      int64
	AmbassadorVP     int64
	AdminLogisticsVP int64
}

var (
	emergencyShare      = decimal.RequireFromString("0.04")
	ambassadorShare     = decimal.RequireFromString("0.01")
	adminLogisticsShare = decimal.RequireFromString("0.10")
)

// ProtocolShares are fixed fractions of the offer. They do not depend on the
// verified cost allocations.
func ProtocolShares(offerVP int64) FundShares {
	return FundShares{
		EmergencyVP:      percentFloor(offerVP, emergencyShare),
		AmbassadorVP:     percentFloor(offerVP, ambassadorShare),
		AdminLogisticsVP: percentFloor(offerVP, adminLogisticsShare),
	}
}

func (s FundShares) Total() int64 {
	return s.EmergencyVP + s.AmbassadorVP + s.AdminLogisticsVP
}

func percentFloor(amount int64, fraction decimal.Decimal) int64 {
	if amount <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(fraction).Floor().IntPart()
}

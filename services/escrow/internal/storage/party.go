package storage

import (
	"fmt"

	"github.com/google/uuid"
)

type PartyKind string

const (
	PartyUser   PartyKind = "USER"
	PartySystem PartyKind = "SYSTEM"
	PartyFund   PartyKind = "FUND"
)

// Party is the origin or destination of a Transaction. The set of
// implementations is closed: UserParty, SystemParty and FundParty.
type Party interface {
	Kind() PartyKind
	isParty()
}

type UserParty struct {
	UserID uuid.UUID
}

// SystemParty is the platform itself: the source of minted value and the
// sink of withheld fees.
type SystemParty struct{}

type FundParty struct {
	Fund Fund
}

func (UserParty) Kind() PartyKind   { return PartyUser }
func (SystemParty) Kind() PartyKind { return PartySystem }
func (FundParty) Kind() PartyKind   { return PartyFund }

func (UserParty) isParty()   {}
func (SystemParty) isParty() {}
func (FundParty) isParty()   {}

func (p UserParty) String() string { return "user:" + p.UserID.String() }
func (SystemParty) String() string { return "system" }
func (p FundParty) String() string { return "fund:" + string(p.Fund) }

// encodeParty flattens a party into its column representation.
func encodeParty(p Party) (PartyKind, *uuid.UUID, *string, error) {
	switch v := p.(type) {
	case UserParty:
		id := v.UserID
		return PartyUser, &id, nil, nil
	case SystemParty:
		return PartySystem, nil, nil, nil
	case FundParty:
		fund := string(v.Fund)
		return PartyFund, nil, &fund, nil
	default:
		return "", nil, nil, fmt.Errorf("unsupported party %T", p)
	}
}

func decodeParty(kind PartyKind, userID *uuid.UUID, fund *string) (Party, error) {
	switch kind {
	case PartyUser:
		if userID == nil {
			return nil, fmt.Errorf("user party without user id")
		}
		return UserParty{UserID: *userID}, nil
	case PartySystem:
		return SystemParty{}, nil
	case PartyFund:
		if fund == nil {
			return nil, fmt.Errorf("fund party without fund")
		}
		return FundParty{Fund: Fund(*fund)}, nil
	default:
		return nil, fmt.Errorf("unknown party kind %q", kind)
	}
}

// BalanceDelta is the effect of tx on userID's balance.
func BalanceDelta(tx Transaction, userID uuid.UUID) int64 {
	var delta int64
	if to, ok := tx.To.(UserParty); ok && to.UserID == userID {
		delta += tx.AmountVP
	}
	if from, ok := tx.From.(UserParty); ok && from.UserID == userID {
		delta -= tx.AmountVP
	}
	return delta
}

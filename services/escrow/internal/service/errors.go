package service

import (
	"errors"

	"github.com/AfshinJalili/barterx/services/escrow/internal/audit"
	"github.com/AfshinJalili/barterx/services/escrow/internal/escrow"
	"github.com/AfshinJalili/barterx/services/escrow/internal/risk"
	"github.com/AfshinJalili/barterx/services/escrow/internal/storage"
	"github.com/AfshinJalili/barterx/services/escrow/internal/timeline"
	"github.com/AfshinJalili/barterx/services/escrow/internal/velocity"
)

var (
	ErrNotFound               = storage.ErrNotFound
	ErrUnauthorized           = errors.New("unauthorized")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrTradeFinalized         = errors.New("trade finalized")
	ErrInvalidInput           = errors.New("invalid input")

	ErrVelocityLimitExceeded = velocity.ErrLimitExceeded
	ErrMissingJustification  = escrow.ErrMissingJustification
	ErrEscrowCapExceeded     = escrow.ErrEscrowCapExceeded
	ErrInvalidProgression    = timeline.ErrInvalidProgression
	ErrInvalidTimelineState  = timeline.ErrInvalidState
	ErrSecurityLockdown      = risk.ErrSecurityLockdown
	ErrAuditWriteFailed      = audit.ErrWriteFailed
)

var errorLabels = []struct {
	err   error
	label string
}{
	{ErrNotFound, "not_found"},
	{ErrUnauthorized, "unauthorized"},
	{ErrInvalidStateTransition, "invalid_state_transition"},
	{ErrTradeFinalized, "trade_finalized"},
	{ErrInvalidInput, "invalid_input"},
	{ErrVelocityLimitExceeded, "velocity_limit_exceeded"},
	{ErrMissingJustification, "missing_justification"},
	{ErrEscrowCapExceeded, "escrow_cap_exceeded"},
	{ErrInvalidProgression, "invalid_progression"},
	{ErrInvalidTimelineState, "invalid_timeline_state"},
	{ErrSecurityLockdown, "security_lockdown"},
	{ErrAuditWriteFailed, "audit_write_failed"},
}

// errorLabel maps err to a bounded metric label.
func errorLabel(err error) string {
	if err == nil {
		return "success"
	}
	for _, l := range errorLabels {
		if errors.Is(err, l.err) {
			return l.label
		}
	}
	return "error"
}

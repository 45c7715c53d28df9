// Package risk adapts the external security assessment hook. The hook is
// opaque: it may return a score, fail, or hang, and the guard turns each of
// those into either a pass or ErrSecurityLockdown.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrSecurityLockdown = errors.New("security lockdown")

const (
	ActionCreateTrade = "create_trade"
	ActionConfirm     = "confirm"
)

type Assessment struct {
	Action    string
	UserID    uuid.UUID
	TradeID   uuid.UUID
	ListingID uuid.UUID
	AmountVP  int64
}

// Hook scores an action from 0 (benign) to 100. Returning an error is a
// hard rejection.
type Hook interface {
	Assess(ctx context.Context, a Assessment) (int, error)
}

type HookFunc func(ctx context.Context, a Assessment) (int, error)

func (f HookFunc) Assess(ctx context.Context, a Assessment) (int, error) { return f(ctx, a) }

// Nop scores everything zero.
type Nop struct{}

func (Nop) Assess(context.Context, Assessment) (int, error) { return 0, nil }

type Config struct {
	LockdownScore    int
	Timeout          time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type Metrics interface {
	IncRiskDecision(action, outcome string)
}

type Guard struct {
	hook    Hook
	cfg     Config
	breaker *circuitBreaker
	logger  *slog.Logger
	metrics Metrics
}

func NewGuard(hook Hook, cfg Config, logger *slog.Logger, metrics Metrics) *Guard {
	if hook == nil {
		hook = Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LockdownScore <= 0 {
		cfg.LockdownScore = 90
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Guard{
		hook:    hook,
		cfg:     cfg,
		breaker: newCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:  logger,
		metrics: metrics,
	}
}

// Check returns the score when the action may proceed. Hook errors, hook
// timeouts, an open breaker and scores at or above the lockdown threshold
// all fail closed with ErrSecurityLockdown.
func (g *Guard) Check(ctx context.Context, a Assessment) (int, error) {
	if g == nil {
		return 0, nil
	}
	if !g.breaker.Allow() {
		g.observe(a.Action, "breaker_open")
		return 0, fmt.Errorf("%w: risk assessment unavailable", ErrSecurityLockdown)
	}

	score, err := g.assess(ctx, a)
	if err != nil {
		g.breaker.RecordFailure()
		g.observe(a.Action, "hook_error")
		g.logger.Warn("risk hook rejected action", "action", a.Action, "user_id", a.UserID, "error", err)
		return 0, fmt.Errorf("%w: %v", ErrSecurityLockdown, err)
	}
	g.breaker.RecordSuccess()

	if score >= g.cfg.LockdownScore {
		g.observe(a.Action, "lockdown")
		g.logger.Warn("risk score over lockdown threshold", "action", a.Action, "user_id", a.UserID, "score", score)
		return score, fmt.Errorf("%w: score %d", ErrSecurityLockdown, score)
	}
	g.observe(a.Action, "allowed")
	return score, nil
}

func (g *Guard) assess(ctx context.Context, a Assessment) (score int, err error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("risk hook panic: %v", r)
		}
	}()
	return g.hook.Assess(ctx, a)
}

func (g *Guard) observe(action, outcome string) {
	if g.metrics != nil {
		g.metrics.IncRiskDecision(action, outcome)
	}
}

type circuitBreaker struct {
	mu          sync.Mutex
	failures    int
	threshold   int
	openedUntil time.Time
	cooldown    time.Duration
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &circuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedUntil.IsZero() {
		return true
	}
	if time.Now().After(b.openedUntil) {
		b.openedUntil = time.Time{}
		b.failures = 0
		return true
	}
	return false
}

func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openedUntil = time.Time{}
}

func (b *circuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openedUntil = time.Now().Add(b.cooldown)
	}
}

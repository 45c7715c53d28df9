package velocity

import (
	"context"
	"sync"
	"time"
)

type reservation struct {
	id     string
	amount int64
	at     time.Time
}

type MemoryStore struct {
	mu           sync.Mutex
	limits       Limits
	entries      map[string][]reservation
	lastCleanup  time.Time
	cleanupEvery time.Duration
}

func NewMemory(limits Limits) *MemoryStore {
	return &MemoryStore{
		limits:       limits,
		entries:      map[string][]reservation{},
		cleanupEvery: limits.Window,
	}
}

func (s *MemoryStore) Reserve(_ context.Context, key, reservationID string, amountVP int64, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.limits.Window)
	if now.Sub(s.lastCleanup) >= s.cleanupEvery {
		for k, list := range s.entries {
			if kept := prune(list, cutoff); len(kept) == 0 {
				delete(s.entries, k)
			} else {
				s.entries[k] = kept
			}
		}
		s.lastCleanup = now
	}

	list := prune(s.entries[key], cutoff)
	var volume int64
	for _, r := range list {
		volume += r.amount
	}
	d := evaluate(s.limits, len(list), volume, amountVP)
	if d.Allowed {
		list = append(list, reservation{id: reservationID, amount: amountVP, at: now})
	}
	if len(list) > 0 {
		s.entries[key] = list
	} else {
		delete(s.entries, key)
	}
	return d, nil
}

func (s *MemoryStore) Release(_ context.Context, key, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.entries[key]
	for i, r := range list {
		if r.id == reservationID {
			s.entries[key] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(s.entries[key]) == 0 {
		delete(s.entries, key)
	}
	return nil
}

func prune(list []reservation, cutoff time.Time) []reservation {
	kept := list[:0:0]
	for _, r := range list {
		if r.at.After(cutoff) {
			kept = append(kept, r)
		}
	}
	return kept
}

package adapter

import (
	"context"
	"sync"
	"time"

	"nexus-shipping/internal/service/shipping/domain/port"
)

type ledgerEntry struct {
	done      bool
	expiresAt time.Time
}

// LedgerMemoryAdapter 是进程内账本，语义与 LedgerRedisAdapter 一致
type LedgerMemoryAdapter struct {
	mu      sync.Mutex
	entries map[string]ledgerEntry
	now     func() time.Time
}

func NewLedgerMemoryAdapter() *LedgerMemoryAdapter {
	return &LedgerMemoryAdapter{entries: make(map[string]ledgerEntry), now: time.Now}
}

func (a *LedgerMemoryAdapter) Claim(_ context.Context, key string, ttl time.Duration) (port.ClaimResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if e, ok := a.entries[key]; ok {
		if e.done {
			return port.ClaimCompleted, nil
		}
		if now.Before(e.expiresAt) {
			return port.ClaimInProgress, nil
		}
	}
	a.entries[key] = ledgerEntry{expiresAt: now.Add(ttl)}
	return port.ClaimAcquired, nil
}

func (a *LedgerMemoryAdapter) Complete(_ context.Context, key string) error {
	a.mu.Lock()
	a.entries[key] = ledgerEntry{done: true}
	a.mu.Unlock()
	return nil
}

func (a *LedgerMemoryAdapter) Release(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[key]; ok && !e.done {
		delete(a.entries, key)
	}
	return nil
}

package identity

import (
	"context"
	"sync"

	"family-calls/internal/calls"
)

// Hint is a previously resolved role remembered outside the call record.
type Hint struct {
	Role        calls.Role `json:"role"`
	CanonicalID string     `json:"canonical_id"`
}

// HintCache stores hints keyed by the raw contact value.
type HintCache interface {
	Get(ctx context.Context, contact string) (Hint, bool)
	Put(ctx context.Context, contact string, h Hint)
}

// MemoryHints is a process-local HintCache.
type MemoryHints struct {
	mu    sync.RWMutex
	hints map[string]Hint
}

func NewMemoryHints() *MemoryHints { return &MemoryHints{hints: map[string]Hint{}} }

func (m *MemoryHints) Get(_ context.Context, contact string) (Hint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hints[contact]
	return h, ok
}

func (m *MemoryHints) Put(_ context.Context, contact string, h Hint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hints[contact] = h
}

package events

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory append-only repository. It doubles as a Publisher
// so device-local UI code can read what was emitted.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the events with the given name, in emission order.
func (r *MemoryRepo) Named(n Name) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == n {
			out = append(out, e)
		}
	}
	return out
}

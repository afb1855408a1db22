package callstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"family-calls/internal/calls"
)

// MemoryStore is an in-process Store for tests and single-node development.
// It counts successful writes so tests can assert that nothing was written.
type MemoryStore struct {
	hub   *Hub
	clock func() time.Time

	mu     sync.Mutex
	rows   map[string]calls.Call
	writes int

	// FailWrites, when set, is returned by every Insert/Update before touching state.
	FailWrites error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hub: NewHub(nil), clock: time.Now, rows: make(map[string]calls.Call)}
}

// WithClock replaces the timestamp source.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Writes returns the number of successful writes.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// Hub exposes the change fan-out.
func (s *MemoryStore) Hub() *Hub { return s.hub }

func (s *MemoryStore) Get(ctx context.Context, id string) (calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[id]
	if !ok {
		return calls.Call{}, calls.ErrRecordNotFound
	}
	return clone(c), nil
}

func (s *MemoryStore) Insert(ctx context.Context, c calls.Call) error {
	if err := ValidateNew(c); err != nil {
		return err
	}
	s.mu.Lock()
	if s.FailWrites != nil {
		err := s.FailWrites
		s.mu.Unlock()
		return calls.Persistence("insert", err)
	}
	if _, exists := s.rows[c.ID]; exists {
		s.mu.Unlock()
		return calls.Persistence("insert", errDuplicateID)
	}
	now := s.clock().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Version == 0 {
		c.Version = 1
	}
	if c.ChildICECandidates == nil {
		c.ChildICECandidates = []calls.Candidate{}
	}
	if c.ParentICECandidates == nil {
		c.ParentICECandidates = []calls.Candidate{}
	}
	s.rows[c.ID] = clone(c)
	s.writes++
	s.mu.Unlock()

	_ = s.hub.Publish(ctx, Change{Op: OpInsert, Call: clone(c)})
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, p Patch) (calls.Call, error) {
	s.mu.Lock()
	if s.FailWrites != nil {
		err := s.FailWrites
		s.mu.Unlock()
		return calls.Call{}, calls.Persistence("update", err)
	}
	cur, ok := s.rows[id]
	if !ok {
		s.mu.Unlock()
		return calls.Call{}, calls.ErrRecordNotFound
	}
	next, err := Apply(cur, p, s.clock().UTC())
	if err != nil {
		s.mu.Unlock()
		return clone(cur), err
	}
	s.rows[id] = clone(next)
	s.writes++
	s.mu.Unlock()

	_ = s.hub.Publish(ctx, Change{Op: OpUpdate, Call: clone(next)})
	return clone(next), nil
}

func (s *MemoryStore) ListLive(ctx context.Context, role calls.Role, id string) ([]calls.Call, error) {
	return s.list(func(c calls.Call) bool {
		return !c.Terminal() && c.Involves(role, id)
	}), nil
}

func (s *MemoryStore) ListStale(ctx context.Context, cutoff time.Time) ([]calls.Call, error) {
	return s.list(func(c calls.Call) bool {
		return (c.Status == calls.StatusInitiating || c.Status == calls.StatusRinging) && c.CreatedAt.Before(cutoff)
	}), nil
}

func (s *MemoryStore) ListByParticipant(ctx context.Context, role calls.Role, id string, since time.Time) ([]calls.Call, error) {
	return s.list(func(c calls.Call) bool {
		return c.Involves(role, id) && !c.CreatedAt.Before(since)
	}), nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, f Filter) (Subscription, error) {
	return s.hub.Subscribe(ctx, f)
}

func (s *MemoryStore) list(keep func(calls.Call) bool) []calls.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calls.Call, 0)
	for _, c := range s.rows {
		if keep(c) {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

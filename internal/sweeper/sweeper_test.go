package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"family-calls/internal/calls"
	"family-calls/internal/callstore"
	"family-calls/internal/events"
)

func record(id string, status calls.Status, created time.Time) calls.Call {
	return calls.Call{
		ID:            id,
		CallerType:    calls.RoleParent,
		RecipientType: calls.RoleChild,
		ParentID:      "P1",
		ChildID:       "C1",
		Status:        status,
		Offer:         &calls.SessionDescription{Type: "offer", SDP: "v=0"},
		CreatedAt:     created,
	}
}

type fakeLease struct {
	held     bool
	err      error
	released int
}

func (l *fakeLease) Acquire(context.Context) (bool, error) { return l.held, l.err }
func (l *fakeLease) Release(context.Context) error        { l.released++; return nil }

func TestSweep_EndsStaleRingingAsMissed(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := callstore.NewMemoryStore()
	_ = store.Insert(ctx, record("old", calls.StatusRinging, now.Add(-time.Minute)))
	_ = store.Insert(ctx, record("fresh", calls.StatusRinging, now.Add(-10*time.Second)))
	_ = store.Insert(ctx, record("stuck", calls.StatusInitiating, now.Add(-2*time.Minute)))

	repo := events.NewMemoryRepo()
	s := New(store, nil, events.NewService(repo, nil), Config{RingTimeout: 45 * time.Second}, nil).
		WithClock(func() time.Time { return now })

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 swept, got %d", n)
	}

	old, _ := store.Get(ctx, "old")
	if old.Status != calls.StatusEnded || old.EndReason != calls.EndReasonMissed || !old.MissedCall {
		t.Fatalf("expected missed, got %+v", old)
	}
	if old.EndedBy != calls.RoleParent {
		t.Fatalf("expected caller recorded as ender, got %s", old.EndedBy)
	}
	fresh, _ := store.Get(ctx, "fresh")
	if fresh.Status != calls.StatusRinging {
		t.Fatalf("fresh call must keep ringing")
	}

	ended := repo.Named(events.NameCallEnded)
	if len(ended) != 2 || ended[0].TargetRole != calls.RoleChild {
		t.Fatalf("expected missed-call events to the child, got %+v", ended)
	}
}

// answeredStore reports a stale record that was answered before the write landed.
type answeredStore struct{ *callstore.MemoryStore }

func (s answeredStore) Update(ctx context.Context, id string, p callstore.Patch) (calls.Call, error) {
	_, _ = s.MemoryStore.Update(ctx, id, callstore.Patch{
		Status: callstore.StatusPtr(calls.StatusActive),
		Answer: &calls.SessionDescription{Type: "answer", SDP: "v=0"},
	})
	return s.MemoryStore.Update(ctx, id, p)
}

func TestSweep_SkipsRecordsAnsweredConcurrently(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	mem := callstore.NewMemoryStore()
	_ = mem.Insert(ctx, record("c1", calls.StatusRinging, now.Add(-time.Hour)))

	n, err := New(answeredStore{mem}, nil, nil, Config{}, nil).Sweep(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing swept, got n=%d err=%v", n, err)
	}
	c, _ := mem.Get(ctx, "c1")
	if c.Status != calls.StatusActive {
		t.Fatalf("answered call must stay active, got %s", c.Status)
	}
}

func TestTick_RequiresLease(t *testing.T) {
	ctx := context.Background()
	store := callstore.NewMemoryStore()
	_ = store.Insert(ctx, record("c1", calls.StatusRinging, time.Now().Add(-time.Hour)))

	lease := &fakeLease{}
	s := New(store, lease, nil, Config{}, nil)
	if n, err := s.Tick(ctx); err != nil || n != 0 {
		t.Fatalf("expected no sweep without lease, got n=%d err=%v", n, err)
	}

	lease.err = errors.New("redis down")
	if _, err := s.Tick(ctx); err == nil {
		t.Fatalf("expected lease error")
	}

	lease.err, lease.held = nil, true
	if n, err := s.Tick(ctx); err != nil || n != 1 {
		t.Fatalf("expected one swept, got n=%d err=%v", n, err)
	}
}

func TestSweep_ListFailureIsPersistence(t *testing.T) {
	s := New(failingStore{}, nil, nil, Config{}, nil)
	if _, err := s.Sweep(context.Background()); !errors.Is(err, calls.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

type failingStore struct{}

func (failingStore) ListStale(context.Context, time.Time) ([]calls.Call, error) {
	return nil, errors.New("db down")
}

func (failingStore) Update(context.Context, string, callstore.Patch) (calls.Call, error) {
	return calls.Call{}, errors.New("db down")
}

func TestRun_ReleasesLeaseOnShutdown(t *testing.T) {
	lease := &fakeLease{held: true}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(callstore.NewMemoryStore(), lease, nil, Config{Interval: time.Millisecond}, nil).Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
	if lease.released != 1 {
		t.Fatalf("expected lease released once, got %d", lease.released)
	}
}

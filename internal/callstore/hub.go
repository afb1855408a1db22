package callstore

import (
	"context"
	"log/slog"
	"sync"
)

const subscriptionBuffer = 64

// Hub fans changes out to in-process subscribers. A full subscriber buffer drops the
// change for that subscriber only; the monitor's slow poll covers the gap.
type Hub struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[*hubSub]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, subs: make(map[*hubSub]struct{})}
}

// Publish delivers ch to every matching subscriber without blocking.
func (h *Hub) Publish(_ context.Context, ch Change) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.filter.Matches(ch.Call) {
			continue
		}
		s.deliver(ch, h.log)
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, f Filter) (Subscription, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	s := &hubSub{hub: h, filter: f, ch: make(chan Change, subscriptionBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = s.Close()
			case <-s.done:
			}
		}()
	}
	return s, nil
}

// Subscribers returns the live subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(s *hubSub) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

type hubSub struct {
	hub    *Hub
	filter Filter
	ch     chan Change

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (s *hubSub) C() <-chan Change { return s.ch }

func (s *hubSub) deliver(ch Change, log *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ch:
	default:
		log.Warn("change dropped for slow subscriber", "call_id", ch.Call.ID, "op", string(ch.Op))
	}
}

func (s *hubSub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	close(s.done)
	s.mu.Unlock()

	s.hub.remove(s)
	return nil
}

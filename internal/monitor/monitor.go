// Package monitor watches one call record and reports when it reaches a
// terminal status. The change feed is the fast path; a slow poll covers
// dropped notifications and a feed that cannot be opened at all.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"family-calls/internal/calls"
	"family-calls/internal/callstore"
)

const DefaultPollInterval = 30 * time.Second

type Source interface {
	callstore.Reader
	callstore.Subscriber
}

// Handlers receive observations on the watch goroutine. OnUpdate sees each
// non-terminal record version at most once, in version order. OnEnded fires
// once, after which the watch stops.
type Handlers struct {
	OnUpdate func(calls.Call)
	OnEnded  func(calls.Call)
}

type Monitor struct {
	store Source
	poll  time.Duration
	log   *slog.Logger
}

func NewMonitor(store Source, poll time.Duration, log *slog.Logger) *Monitor {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{store: store, poll: poll, log: log}
}

// Watch raises onEnded once when callID is observed ended.
func (m *Monitor) Watch(ctx context.Context, callID string, onEnded func(calls.Call)) *Watch {
	return m.WatchAll(ctx, callID, Handlers{OnEnded: onEnded})
}

func (m *Monitor) WatchAll(ctx context.Context, callID string, h Handlers) *Watch {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watch{
		callID: callID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.run(ctx, w, h)
	return w
}

// Watch is a running monitor. Stop is idempotent and safe after the watch has
// already finished on its own.
type Watch struct {
	callID string
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	degraded bool
}

func (w *Watch) Stop() { w.cancel() }

// Done is closed once the watch goroutine has exited.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Degraded reports whether the watch fell back to polling only.
func (w *Watch) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}

func (w *Watch) degrade() {
	w.mu.Lock()
	w.degraded = true
	w.mu.Unlock()
}

func (m *Monitor) run(ctx context.Context, w *Watch, h Handlers) {
	defer close(w.done)
	log := m.log.With("call_id", w.callID)

	var feed <-chan callstore.Change
	sub, err := m.store.Subscribe(ctx, callstore.ByCall(w.callID))
	if err != nil {
		log.Warn("call subscription failed, polling only", "err", err)
		w.degrade()
	} else {
		defer sub.Close()
		feed = sub.C()
	}

	obs := observer{h: h}
	// The record may have ended before the subscription was live.
	if obs.poll(ctx, m.store, w.callID, log) {
		return
	}

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-feed:
			if !ok {
				if ctx.Err() == nil {
					log.Warn("call subscription closed, polling only")
					w.degrade()
				}
				feed = nil
				continue
			}
			if obs.see(ch.Call) {
				return
			}
		case <-ticker.C:
			if obs.poll(ctx, m.store, w.callID, log) {
				return
			}
		}
	}
}

type observer struct {
	h       Handlers
	version int64
}

// see reports whether the watch is finished.
func (o *observer) see(c calls.Call) bool {
	if c.Terminal() {
		if o.h.OnEnded != nil {
			o.h.OnEnded(c)
		}
		return true
	}
	if c.Version != 0 && c.Version <= o.version {
		return false
	}
	o.version = c.Version
	if o.h.OnUpdate != nil {
		o.h.OnUpdate(c)
	}
	return false
}

func (o *observer) poll(ctx context.Context, store callstore.Reader, id string, log *slog.Logger) bool {
	c, err := store.Get(ctx, id)
	switch {
	case errors.Is(err, calls.ErrRecordNotFound):
		log.Warn("watched call record disappeared")
		return o.see(calls.Call{ID: id, Status: calls.StatusEnded})
	case err != nil:
		if ctx.Err() == nil {
			log.Warn("call poll failed", "err", err)
		}
		return false
	}
	return o.see(c)
}

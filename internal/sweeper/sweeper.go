// Package sweeper ends calls nobody answered. A crashed caller never writes
// its ring timeout, so one instance per cluster closes stale records instead.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"family-calls/internal/calls"
	"family-calls/internal/callstore"
	"family-calls/internal/events"
)

const (
	DefaultInterval = 15 * time.Second
	DefaultLeaseKey = "calls:sweeper:lease"
)

// Store is the slice of the record store the sweep touches.
type Store interface {
	ListStale(ctx context.Context, cutoff time.Time) ([]calls.Call, error)
	Update(ctx context.Context, id string, p callstore.Patch) (calls.Call, error)
}

// Lease elects the instance allowed to sweep.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Config struct {
	RingTimeout time.Duration
	Interval    time.Duration
}

type Sweeper struct {
	store  Store
	lease  Lease
	events events.Emitter
	cfg    Config
	clock  func() time.Time
	log    *slog.Logger
}

// New builds a sweeper. A nil lease sweeps unconditionally.
func New(store Store, lease Lease, emitter events.Emitter, cfg Config, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 45 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Sweeper{
		store:  store,
		lease:  lease,
		events: emitter,
		cfg:    cfg,
		clock:  time.Now,
		log:    log.With("component", "sweeper"),
	}
}

func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Run sweeps every interval until ctx is done, then releases the lease.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	defer func() {
		if s.lease == nil {
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.lease.Release(rctx); err != nil {
			s.log.Warn("lease release failed", "err", err)
		}
	}()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Tick runs one sweep if this instance holds the lease.
func (s *Sweeper) Tick(ctx context.Context) (int, error) {
	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
	}
	return s.Sweep(ctx)
}

// Sweep ends every initiating or ringing record older than the ring timeout
// as missed. Records that moved on concurrently are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.clock()
	stale, err := s.store.ListStale(ctx, now.Add(-s.cfg.RingTimeout))
	if err != nil {
		return 0, calls.Persistence("list stale", err)
	}

	var errs []error
	n := 0
	for _, c := range stale {
		p := callstore.EndPatch(c.CallerType, calls.EndReasonMissed, now)
		p.IfStatusIn = []calls.Status{calls.StatusInitiating, calls.StatusRinging}
		ended, err := s.store.Update(ctx, c.ID, p)
		switch {
		case err == nil:
		case errors.Is(err, calls.ErrCallEnded), errors.Is(err, callstore.ErrPreconditionFailed):
			continue
		default:
			errs = append(errs, err)
			continue
		}
		n++
		s.log.Info("missed call swept", "call_id", c.ID, "caller_type", c.CallerType, "created_at", c.CreatedAt)
		if s.events != nil {
			if err := s.events.Emit(ctx, events.CallEnded(ended, c.CallerType, calls.EndReasonMissed)); err != nil {
				s.log.Warn("missed call event failed", "call_id", c.ID, "err", err)
			}
		}
	}
	if len(errs) > 0 {
		return n, calls.Persistence("sweep", errors.Join(errs...))
	}
	return n, nil
}

// Package termination is the single path by which a participant ends a call.
//
// Local effects happen first and synchronously: the state machine moves to
// ended, media is released, the status watch and timers are stopped. Writing
// the termination to the shared record happens afterwards in the background;
// its failure is logged and never rolls back local state.
package termination

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"family-calls/internal/calls"
	"family-calls/internal/callstore"
	"family-calls/internal/events"
)

const DefaultPersistTimeout = 10 * time.Second

// Transport is the local media stack; Close must not wait for ICE to settle.
type Transport interface {
	Close() error
}

// Stopper is anything with an idempotent Stop (status watches, timers).
type Stopper interface {
	Stop()
}

// StopFunc adapts a function to Stopper.
type StopFunc func()

func (f StopFunc) Stop() { f() }

type RecordWriter interface {
	Update(ctx context.Context, id string, p callstore.Patch) (calls.Call, error)
}

type Request struct {
	CallID    string
	Machine   *calls.Machine
	Transport Transport
	Watch     Stopper
	Timers    []Stopper

	By     calls.Role
	Reason calls.EndReason
	// Remote marks a termination observed on the shared record; nothing is written back.
	Remote bool
	// Call is the last known record, used for the call_ended event if the write fails.
	Call calls.Call

	// OnlyIfStatus guards the write: a record whose status is not listed is left
	// alone, unless FallbackReason is set, in which case it is ended with that
	// reason instead.
	OnlyIfStatus   []calls.Status
	FallbackReason calls.EndReason
}

type Coordinator struct {
	store          RecordWriter
	events         events.Emitter
	persistTimeout time.Duration
	clock          func() time.Time
	log            *slog.Logger

	wg sync.WaitGroup
}

func NewCoordinator(store RecordWriter, emitter events.Emitter, persistTimeout time.Duration, log *slog.Logger) *Coordinator {
	if persistTimeout <= 0 {
		persistTimeout = DefaultPersistTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:          store,
		events:         emitter,
		persistTimeout: persistTimeout,
		clock:          time.Now,
		log:            log,
	}
}

// End terminates the call. It reports false when the machine had already ended,
// in which case nothing else is done.
func (c *Coordinator) End(ctx context.Context, req Request) bool {
	reason := req.Reason
	if !reason.Valid() {
		reason = calls.EndReasonHangup
	}
	why := "local " + string(reason)
	if req.Remote {
		why = "ended remotely"
	}
	if !req.Machine.End(reason, why) {
		return false
	}
	endedAt := c.clock().UTC()
	log := c.log.With("call_id", req.CallID, "actor_role", req.Machine.Role(), "end_reason", reason)

	if req.Transport != nil {
		if err := req.Transport.Close(); err != nil {
			log.Warn("transport close failed", "err", err)
		}
	}
	if req.Watch != nil {
		req.Watch.Stop()
	}
	for _, t := range req.Timers {
		if t != nil {
			t.Stop()
		}
	}

	if req.Remote || req.CallID == "" {
		return true
	}

	by := req.By
	if by == "" {
		by = req.Machine.Role()
	}
	pctx := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.persist(pctx, log, req, by, reason, endedAt)
	}()
	return true
}

// Drain waits for background persistence to finish.
func (c *Coordinator) Drain() { c.wg.Wait() }

func (c *Coordinator) persist(ctx context.Context, log *slog.Logger, req Request, by calls.Role, reason calls.EndReason, at time.Time) {
	ctx, cancel := context.WithTimeout(ctx, c.persistTimeout)
	defer cancel()

	patch := callstore.EndPatch(by, reason, at)
	patch.IfStatusIn = req.OnlyIfStatus
	rec, err := c.store.Update(ctx, req.CallID, patch)
	if errors.Is(err, callstore.ErrPreconditionFailed) && req.FallbackReason.Valid() {
		log.Info("record moved on, ending with fallback reason", "fallback", req.FallbackReason)
		reason = req.FallbackReason
		rec, err = c.store.Update(ctx, req.CallID, callstore.EndPatch(by, reason, at))
	}
	switch {
	case err == nil:
		log.Info("call termination persisted", "end_reason", reason)
	case errors.Is(err, callstore.ErrPreconditionFailed):
		log.Info("record moved on, termination not written", "err", err)
		return
	case errors.Is(err, calls.ErrCallEnded):
		// The other side got there first.
		log.Debug("call already ended in store")
		return
	default:
		log.Warn("call termination not persisted", "err", err)
		rec = req.Call
	}

	if c.events == nil || rec.ID == "" {
		return
	}
	_ = c.events.Emit(ctx, events.CallEnded(rec, by, reason))
}

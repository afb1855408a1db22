package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"family-calls/internal/calls"
	"family-calls/internal/callstore"
	"family-calls/internal/ice"
	"family-calls/internal/monitor"
	"family-calls/internal/termination"
	"family-calls/internal/transport"
)

// activeCall is the device-local bundle for one call.
type activeCall struct {
	machine  *calls.Machine
	peer     transport.Peer
	consumer *ice.Consumer
	side     calls.Side

	mu       sync.Mutex
	pending  []calls.Candidate
	watch    *monitor.Watch
	timer    *time.Timer
	beat     *heartbeat
	last     calls.Call
	answered bool
}

// heartbeat stops a liveness loop. Stop is idempotent.
type heartbeat struct {
	stop chan struct{}
	once sync.Once
}

func (h *heartbeat) Stop() { h.once.Do(func() { close(h.stop) }) }

func newActiveCall(role calls.Role, m *calls.Machine, peer transport.Peer) *activeCall {
	return &activeCall{
		machine:  m,
		peer:     peer,
		side:     role.Side(),
		consumer: ice.NewConsumer(role.Side().Opposite()),
	}
}

func (ac *activeCall) snapshot() calls.Call {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.last
}

func (ac *activeCall) observe(c calls.Call) {
	ac.mu.Lock()
	if c.Version >= ac.last.Version {
		ac.last = c
	}
	ac.mu.Unlock()
}

// setWatch stores w, or stops it right away if the call already ended.
func (ac *activeCall) setWatch(w *monitor.Watch) {
	ac.mu.Lock()
	ac.watch = w
	ac.mu.Unlock()
	if ac.machine.Ended() {
		w.Stop()
	}
}

func (ac *activeCall) setTimer(t *time.Timer) {
	ac.mu.Lock()
	ac.timer = t
	ac.mu.Unlock()
	if ac.machine.Ended() {
		t.Stop()
	}
}

func (ac *activeCall) stoppers() (termination.Stopper, []termination.Stopper) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	var watch termination.Stopper
	if ac.watch != nil {
		watch = ac.watch
	}
	var timers []termination.Stopper
	if t := ac.timer; t != nil {
		timers = append(timers, termination.StopFunc(func() { t.Stop() }))
	}
	if ac.beat != nil {
		timers = append(timers, ac.beat)
	}
	return watch, timers
}

// setHeartbeat installs hb unless one is running or the call ended.
func (ac *activeCall) setHeartbeat(hb *heartbeat) bool {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.beat != nil || ac.machine.Ended() {
		return false
	}
	ac.beat = hb
	return true
}

// holdLocal buffers a local candidate until the call id is known. It reports
// false once the id is set and the candidate should go straight to the relay.
func (ac *activeCall) holdLocal(c calls.Candidate) bool {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.machine.CallID() != "" {
		return false
	}
	ac.pending = append(ac.pending, c)
	return true
}

func (ac *activeCall) takePending() []calls.Candidate {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	out := ac.pending
	ac.pending = nil
	return out
}

// markAnswered reports whether this is the first time an answer was applied.
func (ac *activeCall) markAnswered() bool {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.answered {
		return false
	}
	ac.answered = true
	return true
}

func (s *Session) end(ctx context.Context, ac *activeCall, reason calls.EndReason, remote bool) bool {
	return s.terminate(ctx, ac, termination.Request{Reason: reason, Remote: remote})
}

// terminate fills req with everything ac owns and ends the call. Callers set
// the reason and any write guard.
func (s *Session) terminate(ctx context.Context, ac *activeCall, req termination.Request) bool {
	req.Watch, req.Timers = ac.stoppers()
	req.CallID = ac.machine.CallID()
	req.Machine = ac.machine
	req.Transport = ac.peer
	req.By = s.cfg.Role
	req.Call = ac.snapshot()
	ok := s.term.End(ctx, req)
	if ok && ac.machine.CallID() != "" {
		s.relay.Forget(ac.machine.CallID())
	}
	return ok
}

// wire connects the peer's callbacks to the relay and termination.
func (s *Session) wire(ac *activeCall) {
	ac.peer.OnLocalCandidate(func(c calls.Candidate) {
		if ac.machine.Ended() || ac.holdLocal(c) {
			return
		}
		if err := s.relay.Add(ac.machine.CallID(), ac.side, c); err != nil {
			s.log.Warn("local candidate not relayed", "call_id", ac.machine.CallID(), "err", err)
		}
	})
	ac.peer.OnStateChange(func(st transport.State) {
		if st == transport.StateFailed {
			s.log.Warn("transport failed", "call_id", ac.machine.CallID())
			// Off the transport's callback goroutine; ending closes the transport.
			go s.end(context.Background(), ac, calls.EndReasonError, false)
		}
	})
	ac.machine.OnTransition(func(t calls.Transition) {
		if t.To == calls.StateActive {
			s.startHeartbeat(ac)
		}
	})
}

func (s *Session) startHeartbeat(ac *activeCall) {
	hb := &heartbeat{stop: make(chan struct{})}
	if !ac.setHeartbeat(hb) {
		return
	}
	go s.beat(ac, hb)
}

// beat touches the record while the call is active. The reconnection window is
// measured from the record's last write, so a quiet call would otherwise look
// abandoned to a party trying to rejoin.
func (s *Session) beat(ac *activeCall, hb *heartbeat) {
	tick := time.NewTicker(s.cfg.HeartbeatInterval)
	defer tick.Stop()
	id := ac.machine.CallID()
	log := s.log.With("call_id", id)
	for {
		select {
		case <-hb.stop:
			return
		case <-tick.C:
		}
		if ac.machine.Ended() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
		rec, err := s.store.Update(ctx, id, callstore.Patch{
			Touch:      true,
			IfStatusIn: []calls.Status{calls.StatusActive},
		})
		cancel()
		switch {
		case err == nil:
			ac.observe(rec)
		case errors.Is(err, calls.ErrCallEnded), errors.Is(err, calls.ErrRecordNotFound):
			log.Debug("heartbeat stopped", "err", err)
			return
		case errors.Is(err, callstore.ErrPreconditionFailed):
			// The answer has not landed yet.
		default:
			log.Warn("heartbeat not persisted", "err", err)
		}
	}
}

// bind sets the call id and releases candidates gathered before it existed.
func (s *Session) bind(ac *activeCall, callID string) {
	ac.mu.Lock()
	ac.machine.SetCallID(callID)
	ac.mu.Unlock()
	for _, c := range ac.takePending() {
		if err := s.relay.Add(callID, ac.side, c); err != nil {
			s.log.Warn("local candidate not relayed", "call_id", callID, "err", err)
		}
	}
}

// watch follows the record for remote candidates, the answer (callers only)
// and remote termination.
func (s *Session) watch(ctx context.Context, ac *activeCall) {
	w := s.monitor.WatchAll(context.WithoutCancel(ctx), ac.machine.CallID(), monitor.Handlers{
		OnUpdate: func(c calls.Call) { s.onUpdate(ac, c) },
		OnEnded: func(c calls.Call) {
			ac.observe(c)
			reason := c.EndReason
			if !reason.Valid() {
				reason = calls.EndReasonHangup
			}
			s.end(context.Background(), ac, reason, true)
		},
	})
	ac.setWatch(w)
}

func (s *Session) onUpdate(ac *activeCall, c calls.Call) {
	if ac.machine.Ended() {
		return
	}
	ac.observe(c)
	log := s.log.With("call_id", c.ID)

	// The caller learns it was answered from the record.
	if c.CallerType == s.cfg.Role && c.Answer != nil && !c.Answer.Empty() && ac.markAnswered() {
		if err := ac.peer.AcceptAnswer(*c.Answer); err != nil {
			log.Warn("remote answer rejected", "err", err)
			s.end(context.Background(), ac, calls.EndReasonError, false)
			return
		}
		if err := ac.machine.Transition(calls.StateActive, "answer received"); err != nil {
			log.Warn("state transition rejected", "err", err)
		}
	}

	for _, cand := range ac.consumer.Next(c) {
		if err := ac.peer.AddRemoteCandidate(cand); err != nil {
			log.Debug("remote candidate rejected", "err", err)
		}
	}
}

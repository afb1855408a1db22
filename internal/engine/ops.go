package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"family-calls/internal/calls"
	"family-calls/internal/callstore"
	"family-calls/internal/events"
	"family-calls/internal/identity"
	"family-calls/internal/incoming"
	"family-calls/internal/outgoing"
	"family-calls/internal/termination"
)

// Dial places a call to target. It blocks until the record is ringing or the
// attempt failed; a failed attempt never leaves a ringing record behind.
func (s *Session) Dial(ctx context.Context, target identity.ContactRef) (outgoing.Result, error) {
	peer, err := s.newPeer()
	if err != nil {
		return outgoing.Result{}, err
	}
	m := calls.NewMachine(s.cfg.Role, s.log)
	ac := newActiveCall(s.cfg.Role, m, peer)
	if err := s.claim(ac); err != nil {
		_ = peer.Close()
		return outgoing.Result{}, err
	}
	s.wire(ac)

	if err := m.Transition(calls.StateInitiating, "dial"); err != nil {
		return outgoing.Result{}, err
	}
	offer, err := peer.CreateOffer()
	if err != nil {
		s.end(ctx, ac, calls.EndReasonError, true)
		return outgoing.Result{}, err
	}

	res, err := s.initiator.Initiate(ctx, outgoing.Request{
		CallerRole: s.cfg.Role,
		CallerID:   s.cfg.LocalID,
		Target:     target,
		Offer:      offer,
	})
	if err != nil {
		// Nothing rings remotely, so there is nothing to write back.
		s.end(ctx, ac, calls.EndReasonError, true)
		return outgoing.Result{}, err
	}

	ac.observe(res.Call)
	s.bind(ac, res.CallID)
	if err := m.Transition(calls.StateRinging, "record ringing"); err != nil {
		s.log.Warn("state transition rejected", "call_id", res.CallID, "err", err)
	}
	s.watch(ctx, ac)
	ac.setTimer(time.AfterFunc(s.cfg.RingTimeout, func() { s.ringExpired(ac) }))
	return res, nil
}

// ringExpired ends an unanswered outgoing call as missed. The local machine can
// lag the record when the feed is degraded, so the record is read first and an
// answer found there is applied instead.
func (s *Session) ringExpired(ac *activeCall) {
	m := ac.machine
	if m.Ended() || m.State() == calls.StateActive {
		return
	}
	id := m.CallID()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	rec, err := s.store.Get(ctx, id)
	cancel()
	switch {
	case err != nil:
		s.log.Warn("ring timeout could not read record", "call_id", id, "err", err)
	case rec.Terminal():
		ac.observe(rec)
		reason := rec.EndReason
		if !reason.Valid() {
			reason = calls.EndReasonHangup
		}
		s.end(context.Background(), ac, reason, true)
		return
	case rec.Status == calls.StatusActive && !rec.Answer.Empty():
		s.log.Info("ring timeout raced an answer, resuming", "call_id", id)
		s.onUpdate(ac, rec)
		if m.Ended() || m.State() == calls.StateActive {
			return
		}
	}

	s.log.Info("ring timeout", "call_id", id)
	s.terminate(context.Background(), ac, termination.Request{
		Reason:         calls.EndReasonMissed,
		OnlyIfStatus:   []calls.Status{calls.StatusInitiating, calls.StatusRinging},
		FallbackReason: calls.EndReasonHangup,
	})
}

// CheckIncoming reports whether callID is a call this participant should ring for.
func (s *Session) CheckIncoming(ctx context.Context, callID string) (incoming.Result, error) {
	return s.validator.Validate(ctx, callID, s.cfg.LocalID)
}

// WatchIncoming calls onRing for every valid ringing call addressed to this
// participant, once per call id. Stop the returned subscription to unsubscribe.
func (s *Session) WatchIncoming(ctx context.Context, onRing func(incoming.Result)) (callstore.Subscription, error) {
	if s.cfg.LocalID == "" {
		return nil, fmt.Errorf("%w: local id unknown", calls.ErrInvalidArgument)
	}
	sub, err := s.store.Subscribe(ctx, callstore.ByColumn(callstore.ColumnFor(s.cfg.Role), s.cfg.LocalID))
	if err != nil {
		return nil, err
	}
	go func() {
		seen := map[string]bool{}
		for ch := range sub.C() {
			if seen[ch.Call.ID] || ch.Call.Status != calls.StatusRinging {
				continue
			}
			res := s.validator.Check(ch.Call, s.cfg.LocalID)
			if !res.IsValid {
				continue
			}
			seen[ch.Call.ID] = true
			onRing(res)
		}
	}()
	return sub, nil
}

// Answer accepts an incoming call, or rejoins an active one inside the
// reconnection window.
func (s *Session) Answer(ctx context.Context, callID string) error {
	v, err := s.CheckIncoming(ctx, callID)
	if err != nil {
		return err
	}
	if !v.IsValid {
		if v.Reason == incoming.ReasonNotFound {
			return calls.ErrRecordNotFound
		}
		return fmt.Errorf("%w: %s", calls.ErrInvalidTransition, v.Reason)
	}
	rec := v.Call

	peer, err := s.newPeer()
	if err != nil {
		return err
	}
	m := calls.NewMachine(s.cfg.Role, s.log)
	m.SetCallID(callID)
	ac := newActiveCall(s.cfg.Role, m, peer)
	if err := s.claim(ac); err != nil {
		_ = peer.Close()
		return err
	}
	ac.observe(rec)
	s.wire(ac)

	rejoin := rec.Status == calls.StatusActive
	if !rejoin {
		_ = m.Receive("incoming call validated")
	}

	answer, err := peer.AcceptOffer(*rec.Offer)
	if err != nil {
		s.end(ctx, ac, calls.EndReasonError, false)
		return err
	}
	why := "answered"
	if rejoin {
		why = "rejoined active call"
	}
	if err := m.Transition(calls.StateActive, why); err != nil {
		s.log.Warn("state transition rejected", "call_id", callID, "err", err)
	}
	s.watch(ctx, ac)

	if rejoin && rec.Answer != nil {
		// The answer is write-once; a rejoin only resumes candidate exchange.
		return nil
	}
	updated, err := s.store.Update(ctx, callID, callstore.Patch{
		Status:     callstore.StatusPtr(calls.StatusActive),
		Answer:     &answer,
		IfStatusIn: []calls.Status{calls.StatusRinging, calls.StatusActive},
	})
	switch {
	case err == nil:
		ac.observe(updated)
		if s.events != nil {
			_ = s.events.Emit(ctx, events.CallAnswered(updated))
		}
		return nil
	case errors.Is(err, calls.ErrCallEnded), errors.Is(err, callstore.ErrPreconditionFailed):
		s.end(ctx, ac, calls.EndReasonHangup, true)
		return calls.ErrCallEnded
	default:
		s.log.Warn("answer not persisted", "call_id", callID, "err", err)
		return calls.Persistence("answer", err)
	}
}

// Decline rejects an incoming call that was not answered. Only a ringing
// record is written; a call answered elsewhere in the meantime is left alone
// unless it is this device's own call, which then ends as a hangup.
func (s *Session) Decline(ctx context.Context, callID string) error {
	ringing := []calls.Status{calls.StatusRinging}
	if ac := s.active(); ac != nil && ac.machine.CallID() == callID {
		s.terminate(ctx, ac, termination.Request{
			Reason:         calls.EndReasonDeclined,
			OnlyIfStatus:   ringing,
			FallbackReason: calls.EndReasonHangup,
		})
		return nil
	}
	m := calls.NewMachine(s.cfg.Role, s.log)
	m.SetCallID(callID)
	_ = m.Receive("incoming call shown")
	s.term.End(ctx, termination.Request{
		CallID:       callID,
		Machine:      m,
		By:           s.cfg.Role,
		Reason:       calls.EndReasonDeclined,
		OnlyIfStatus: ringing,
	})
	return nil
}

// Hangup ends the current call. It is a no-op when there is none.
func (s *Session) Hangup(ctx context.Context) error {
	if ac := s.active(); ac != nil {
		s.end(ctx, ac, calls.EndReasonHangup, false)
	}
	return nil
}

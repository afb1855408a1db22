package calls

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the local participant's view of one call.
type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating"
	StateRinging    State = "ringing"
	StateActive     State = "active"
	StateEnded      State = "ended"
)

func (s State) rank() int {
	switch s {
	case StateIdle:
		return 0
	case StateInitiating:
		return 1
	case StateRinging:
		return 2
	case StateActive:
		return 3
	case StateEnded:
		return 4
	default:
		return -1
	}
}

// Transition is one recorded state change.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Machine is the authoritative local state for one call. It only moves forward.
// Besides single steps, idle/initiating/ringing may jump straight to active (late join)
// and any state may jump to ended.
//
// Every transition is logged with call_id and actor_role because two devices drive
// their machines with no shared clock.
type Machine struct {
	log   *slog.Logger
	clock func() time.Time

	mu        sync.Mutex
	callID    string
	role      Role
	state     State
	endReason EndReason
	history   []Transition
	listeners []func(Transition)
}

func NewMachine(role Role, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{log: log, clock: time.Now, role: role, state: StateIdle}
}

// SetCallID binds the machine to a record id once one is known.
func (m *Machine) SetCallID(id string) {
	m.mu.Lock()
	m.callID = id
	m.mu.Unlock()
}

func (m *Machine) CallID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callID
}

func (m *Machine) Role() Role { return m.role }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EndReason is set once the machine has ended.
func (m *Machine) EndReason() EndReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endReason
}

func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// OnTransition registers fn for every later transition. fn runs outside the lock.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Transition moves to next. Re-entering the current state is a no-op returning nil.
func (m *Machine) Transition(next State, reason string) error {
	if next == StateEnded {
		m.End(EndReasonHangup, reason)
		return nil
	}

	m.mu.Lock()
	cur := m.state
	if cur == next {
		m.mu.Unlock()
		return nil
	}
	if !allowed(cur, next) {
		callID := m.callID
		m.mu.Unlock()
		m.log.Warn("call state transition rejected",
			"call_id", callID,
			"actor_role", string(m.role),
			"from", string(cur),
			"to", string(next),
			"reason", reason,
		)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}
	t := m.apply(next, reason)
	m.mu.Unlock()

	m.announce(t)
	return nil
}

// Receive moves an idle machine straight to ringing. Recipients never pass
// through initiating; the record is already ringing when they first see it.
func (m *Machine) Receive(reason string) error {
	m.mu.Lock()
	switch m.state {
	case StateRinging:
		m.mu.Unlock()
		return nil
	case StateIdle:
	default:
		cur := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: receive from %s", ErrInvalidTransition, cur)
	}
	t := m.apply(StateRinging, reason)
	m.mu.Unlock()

	m.announce(t)
	return nil
}

// End moves to ended with cause. It returns false when the machine had already ended,
// which makes every termination path safe to run twice.
func (m *Machine) End(cause EndReason, reason string) bool {
	m.mu.Lock()
	if m.state == StateEnded {
		m.mu.Unlock()
		return false
	}
	m.endReason = cause
	t := m.apply(StateEnded, reason)
	m.mu.Unlock()

	m.announce(t)
	return true
}

// Ended reports whether the terminal state was reached.
func (m *Machine) Ended() bool { return m.State() == StateEnded }

// apply requires m.mu.
func (m *Machine) apply(next State, reason string) Transition {
	t := Transition{From: m.state, To: next, Reason: reason, At: m.clock().UTC()}
	m.state = next
	m.history = append(m.history, t)
	return t
}

func (m *Machine) announce(t Transition) {
	m.mu.Lock()
	callID := m.callID
	endReason := m.endReason
	listeners := make([]func(Transition), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	attrs := []any{
		"call_id", callID,
		"actor_role", string(m.role),
		"from", string(t.From),
		"to", string(t.To),
		"reason", t.Reason,
	}
	if t.To == StateEnded {
		attrs = append(attrs, "end_reason", string(endReason))
	}
	m.log.Info("call state transition", attrs...)

	for _, fn := range listeners {
		fn(t)
	}
}

func allowed(from, to State) bool {
	if from == StateEnded {
		return false
	}
	if to == StateActive {
		return from.rank() < StateActive.rank()
	}
	return to.rank() == from.rank()+1
}

// StateForStatus maps a record status to the local state it implies.
func StateForStatus(s Status) State {
	switch s {
	case StatusInitiating:
		return StateInitiating
	case StatusRinging:
		return StateRinging
	case StatusActive:
		return StateActive
	case StatusEnded:
		return StateEnded
	default:
		return StateIdle
	}
}

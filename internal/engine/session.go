// Package engine drives one participant's side of a call. A Session is the
// single logical actor on a device: it owns the local state machine and media
// peer, and talks to the other device only through the shared call record.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"family-calls/internal/busy"
	"family-calls/internal/calls"
	"family-calls/internal/callstore"
	"family-calls/internal/events"
	"family-calls/internal/ice"
	"family-calls/internal/identity"
	"family-calls/internal/incoming"
	"family-calls/internal/monitor"
	"family-calls/internal/outgoing"
	"family-calls/internal/termination"
	"family-calls/internal/transport"
)

// ErrCallInProgress is returned when the device already has a live call.
var ErrCallInProgress = errors.New("engine: call in progress")

type Config struct {
	Role    calls.Role
	LocalID string

	RingTimeout     time.Duration
	ReconnectWindow time.Duration
	PollInterval    time.Duration
	PersistTimeout  time.Duration
	// HeartbeatInterval is how often a connected party touches the record so the
	// other side can still rejoin after a drop. Defaults to a quarter of the
	// reconnection window.
	HeartbeatInterval time.Duration
	// DefaultRecipientRole is used by children when a contact cannot be resolved.
	// Empty disables defaulting.
	DefaultRecipientRole calls.Role
}

func (c Config) withDefaults() Config {
	if c.RingTimeout <= 0 {
		c.RingTimeout = 45 * time.Second
	}
	if c.ReconnectWindow <= 0 {
		c.ReconnectWindow = incoming.DefaultReconnectWindow
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.ReconnectWindow / 4
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = termination.DefaultPersistTimeout
	}
	return c
}

type Deps struct {
	Store     callstore.Store
	Directory identity.Directory
	Hints     identity.HintCache
	Events    events.Emitter
	NewPeer   func() (transport.Peer, error)
	Log       *slog.Logger
}

type Session struct {
	cfg     Config
	store   callstore.Store
	events  events.Emitter
	newPeer func() (transport.Peer, error)
	log     *slog.Logger

	initiator outgoing.Initiator
	validator *incoming.Validator
	relay     *ice.Relay
	monitor   *monitor.Monitor
	term      *termination.Coordinator

	mu      sync.Mutex
	current *activeCall
}

func NewSession(cfg Config, d Deps) (*Session, error) {
	cfg = cfg.withDefaults()
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("%w: role %q", calls.ErrInvalidArgument, cfg.Role)
	}
	if d.Store == nil || d.NewPeer == nil {
		return nil, fmt.Errorf("%w: store and peer factory required", calls.ErrInvalidArgument)
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("actor_role", cfg.Role)

	s := &Session{
		cfg:     cfg,
		store:   d.Store,
		events:  d.Events,
		newPeer: d.NewPeer,
		log:     log,
		relay:   ice.NewRelay(d.Store, ice.Options{}, log),
		monitor: monitor.NewMonitor(d.Store, cfg.PollInterval, log),
		term:    termination.NewCoordinator(d.Store, d.Events, cfg.PersistTimeout, log),
	}

	od := outgoing.Deps{
		Store: d.Store,
		Busy:  busy.NewDetector(d.Store, cfg.RingTimeout, log),
		Log:   log,
	}
	if d.Events != nil {
		od.Events = d.Events
	}
	if d.Directory != nil {
		od.Parents = d.Directory
	}

	if cfg.Role == calls.RoleChild {
		if d.Directory == nil {
			return nil, fmt.Errorf("%w: child sessions need a directory", calls.ErrInvalidArgument)
		}
		s.initiator = outgoing.NewChildToAdult(od, identity.NewResolver(d.Directory, d.Hints, cfg.DefaultRecipientRole, log))
		s.validator = incoming.ForChild(d.Store, cfg.ReconnectWindow)
	} else {
		s.initiator = outgoing.NewAdultToChild(od)
		s.validator = incoming.ForAdult(d.Store, cfg.Role, cfg.ReconnectWindow)
	}
	return s, nil
}

// State is the local machine state of the current call, idle if none.
func (s *Session) State() calls.State {
	if ac := s.active(); ac != nil {
		return ac.machine.State()
	}
	return calls.StateIdle
}

// CallID is the id of the current call, empty if none.
func (s *Session) CallID() string {
	if ac := s.active(); ac != nil {
		return ac.machine.CallID()
	}
	return ""
}

// Machine exposes the current call's state machine, nil if none.
func (s *Session) Machine() *calls.Machine {
	if ac := s.active(); ac != nil {
		return ac.machine
	}
	return nil
}

// Close ends any current call and stops background work.
func (s *Session) Close() {
	_ = s.Hangup(context.Background())
	s.term.Drain()
	s.relay.Close()
}

// Drain waits for pending termination writes and candidate writes.
func (s *Session) Drain(ctx context.Context) error {
	s.term.Drain()
	if id := s.CallID(); id != "" {
		return s.relay.Flush(ctx, id)
	}
	return nil
}

func (s *Session) active() *activeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// claim installs ac as the current call unless a live one exists.
func (s *Session) claim(ac *activeCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && !s.current.machine.Ended() {
		return ErrCallInProgress
	}
	s.current = ac
	return nil
}

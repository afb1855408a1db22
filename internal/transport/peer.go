// Package transport adapts the local WebRTC stack to the call engine. Session
// descriptions and candidates cross this boundary as opaque calls types.
package transport

import (
	"family-calls/internal/calls"
)

// State is the ICE connection state as the engine sees it.
type State string

const (
	StateNew          State = "new"
	StateChecking     State = "checking"
	StateConnected    State = "connected"
	StateCompleted    State = "completed"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Established reports whether media can flow.
func (s State) Established() bool { return s == StateConnected || s == StateCompleted }

// Peer is one local peer connection.
type Peer interface {
	// CreateOffer builds and applies the local offer.
	CreateOffer() (calls.SessionDescription, error)
	// AcceptOffer applies a remote offer and returns the applied local answer.
	AcceptOffer(offer calls.SessionDescription) (calls.SessionDescription, error)
	AcceptAnswer(answer calls.SessionDescription) error
	// AddRemoteCandidate may be called before the remote description is set;
	// such candidates are held until it is.
	AddRemoteCandidate(c calls.Candidate) error
	OnLocalCandidate(fn func(calls.Candidate))
	OnStateChange(fn func(State))
	State() State
	// Close releases media immediately, whatever the ICE state. Idempotent.
	Close() error
}

package events

import (
	"time"

	"family-calls/internal/calls"
)

// Event is an immutable, append-only lifecycle record surfaced to UI and push
// collaborators.
//
// Invariants:
// - Events are never updated or deleted.
// - call_id and name are required.
// - Emission is best-effort; never block a call flow on it.
type Event struct {
	ID     string `json:"id" db:"id"`
	Name   Name   `json:"name" db:"name"`
	CallID string `json:"call_id" db:"call_id"`

	// CallerIdentity is the stored id of whoever created the record.
	CallerIdentity string `json:"caller_identity" db:"caller_identity"`
	// CallType is the caller's role.
	CallType calls.Role `json:"call_type" db:"call_type"`

	// Target is the participant the event should be delivered to.
	TargetRole calls.Role `json:"target_role" db:"target_role"`
	TargetID   string     `json:"target_id" db:"target_id"`

	ActorRole calls.Role      `json:"actor_role,omitempty" db:"actor_role"`
	EndReason calls.EndReason `json:"end_reason,omitempty" db:"end_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Name string

const (
	NameIncomingCall Name = "incoming_call"
	NameCallAnswered Name = "call_answered"
	NameCallEnded    Name = "call_ended"
)

// Payload is the wire shape delivered to notification collaborators.
type Payload struct {
	CallID         string     `json:"callId"`
	CallerIdentity string     `json:"callerIdentity"`
	CallType       calls.Role `json:"callType"`
}

func (e Event) Payload() Payload {
	return Payload{CallID: e.CallID, CallerIdentity: e.CallerIdentity, CallType: e.CallType}
}

// IncomingCall targets the record's recipient.
func IncomingCall(c calls.Call) Event {
	return Event{
		Name:           NameIncomingCall,
		CallID:         c.ID,
		CallerIdentity: c.CallerID(),
		CallType:       c.CallerType,
		TargetRole:     c.RecipientType,
		TargetID:       c.RecipientID(),
		ActorRole:      c.CallerType,
	}
}

// CallAnswered targets the caller.
func CallAnswered(c calls.Call) Event {
	return Event{
		Name:           NameCallAnswered,
		CallID:         c.ID,
		CallerIdentity: c.CallerID(),
		CallType:       c.CallerType,
		TargetRole:     c.CallerType,
		TargetID:       c.CallerID(),
		ActorRole:      c.RecipientType,
	}
}

// CallEnded targets whichever party did not end the call.
func CallEnded(c calls.Call, by calls.Role, reason calls.EndReason) Event {
	target := c.RecipientType
	if by == c.RecipientType {
		target = c.CallerType
	}
	return Event{
		Name:           NameCallEnded,
		CallID:         c.ID,
		CallerIdentity: c.CallerID(),
		CallType:       c.CallerType,
		TargetRole:     target,
		TargetID:       c.PartyID(target),
		ActorRole:      by,
		EndReason:      reason,
	}
}

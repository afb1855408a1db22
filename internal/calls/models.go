package calls

import "time"

// Call is the shared record two participants use as a signaling mailbox.
//
// Ownership invariant: the child side writes ChildICECandidates only, the adult side
// (parent or family_member) writes ParentICECandidates only. Offer belongs to the caller,
// Answer to the recipient.
//
// Once Status is ended the record is frozen; stores reject further writes with ErrCallEnded.
type Call struct {
	ID            string `json:"id" db:"id"`
	CallerType    Role   `json:"caller_type" db:"caller_type"`
	RecipientType Role   `json:"recipient_type" db:"recipient_type"`

	ChildID        string `json:"child_id,omitempty" db:"child_id"`
	ParentID       string `json:"parent_id,omitempty" db:"parent_id"`
	FamilyMemberID string `json:"family_member_id,omitempty" db:"family_member_id"`

	Status Status `json:"status" db:"status"`

	Offer  *SessionDescription `json:"offer,omitempty" db:"offer"`
	Answer *SessionDescription `json:"answer,omitempty" db:"answer"`

	ChildICECandidates  []Candidate `json:"child_ice_candidates" db:"child_ice_candidates"`
	ParentICECandidates []Candidate `json:"parent_ice_candidates" db:"parent_ice_candidates"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	EndedBy    Role       `json:"ended_by,omitempty" db:"ended_by"`
	EndReason  EndReason  `json:"end_reason,omitempty" db:"end_reason"`
	MissedCall bool       `json:"missed_call" db:"missed_call"`

	// Version is bumped on every write. Advisory only: use it as a precondition,
	// never as a lock.
	Version int64 `json:"version" db:"version"`
}

// Role tags each side of a call.
type Role string

const (
	RoleChild        Role = "child"
	RoleParent       Role = "parent"
	RoleFamilyMember Role = "family_member"
)

func (r Role) Valid() bool {
	switch r {
	case RoleChild, RoleParent, RoleFamilyMember:
		return true
	default:
		return false
	}
}

// IsAdult reports whether r is one of the guardian-side roles.
func (r Role) IsAdult() bool { return r == RoleParent || r == RoleFamilyMember }

// Side returns which candidate list r owns.
func (r Role) Side() Side {
	if r == RoleChild {
		return SideChild
	}
	return SideAdult
}

// ParseRole accepts the wire names used in records and tokens.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	return r, r.Valid()
}

// Status is the shared, forward-only lifecycle of a record.
type Status string

const (
	StatusInitiating Status = "initiating"
	StatusRinging    Status = "ringing"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
)

// Rank orders statuses; unknown values rank below initiating.
func (s Status) Rank() int {
	switch s {
	case StatusInitiating:
		return 1
	case StatusRinging:
		return 2
	case StatusActive:
		return 3
	case StatusEnded:
		return 4
	default:
		return 0
	}
}

func (s Status) Terminal() bool { return s == StatusEnded }

// EndReason annotates an ended record. declined and missed are sub-classifications
// of ended, not states of their own.
type EndReason string

const (
	EndReasonHangup   EndReason = "hangup"
	EndReasonDeclined EndReason = "declined"
	EndReasonMissed   EndReason = "missed"
	EndReasonError    EndReason = "error"
)

func (r EndReason) Valid() bool {
	switch r {
	case EndReasonHangup, EndReasonDeclined, EndReasonMissed, EndReasonError:
		return true
	default:
		return false
	}
}

// Side identifies one of the two candidate lists.
type Side string

const (
	SideChild Side = "child"
	SideAdult Side = "parent"
)

// Opposite returns the list the peer writes.
func (s Side) Opposite() Side {
	if s == SideChild {
		return SideAdult
	}
	return SideChild
}

// SessionDescription is an opaque offer/answer blob.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (d *SessionDescription) Empty() bool {
	return d == nil || d.SDP == ""
}

// Candidate is an opaque ICE candidate in the browser's RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Terminal reports whether the record is frozen.
func (c Call) Terminal() bool { return c.Status.Terminal() }

// Candidates returns the list owned by side.
func (c Call) Candidates(side Side) []Candidate {
	if side == SideChild {
		return c.ChildICECandidates
	}
	return c.ParentICECandidates
}

// AdultID returns the foreign key of the adult party named by role.
func (c Call) AdultID(role Role) string {
	switch role {
	case RoleParent:
		return c.ParentID
	case RoleFamilyMember:
		return c.FamilyMemberID
	default:
		return ""
	}
}

// PartyID returns the id stored for a participant of role, as seen by the record.
func (c Call) PartyID(role Role) string {
	if role == RoleChild {
		return c.ChildID
	}
	return c.AdultID(role)
}

// CallerID returns the stored id of whoever created the record.
func (c Call) CallerID() string { return c.PartyID(c.CallerType) }

// RecipientID returns the stored id of whoever the record targets.
func (c Call) RecipientID() string { return c.PartyID(c.RecipientType) }

// Involves reports whether the participant (role, id) is the caller or recipient.
func (c Call) Involves(role Role, id string) bool {
	if id == "" {
		return false
	}
	if c.CallerType == role && c.CallerID() == id {
		return true
	}
	return c.RecipientType == role && c.RecipientID() == id
}

// LastActivity is the most recent write timestamp known for the record.
func (c Call) LastActivity() time.Time {
	t := c.UpdatedAt
	if c.AnsweredAt != nil && c.AnsweredAt.After(t) {
		t = *c.AnsweredAt
	}
	if t.IsZero() {
		t = c.CreatedAt
	}
	return t
}

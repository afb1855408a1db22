package callstore

import (
	"fmt"
	"time"

	"family-calls/internal/calls"
)

// Patch is a field-level update. Nil/zero fields are left untouched.
type Patch struct {
	Status *calls.Status             `json:"status,omitempty"`
	Offer  *calls.SessionDescription `json:"offer,omitempty"`
	Answer *calls.SessionDescription `json:"answer,omitempty"`

	// Candidates replaces one side's list. The new list must extend the stored one.
	Candidates *SideCandidates `json:"candidates,omitempty"`

	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	EndedBy    calls.Role      `json:"ended_by,omitempty"`
	EndReason  calls.EndReason `json:"end_reason,omitempty"`
	MissedCall *bool           `json:"missed_call,omitempty"`

	// Touch is a liveness write from a connected party. It changes no field but
	// still bumps version and updated_at, which bound the reconnection window.
	Touch bool `json:"touch,omitempty"`

	// IfVersion, when non-zero, must equal the stored version.
	IfVersion int64 `json:"if_version,omitempty"`
	// IfStatusIn, when non-empty, must contain the stored status.
	IfStatusIn []calls.Status `json:"if_status_in,omitempty"`
}

// SideCandidates is the full candidate list of one side.
type SideCandidates struct {
	Side calls.Side        `json:"side"`
	List []calls.Candidate `json:"list"`
}

// StatusPtr is a convenience for building patches.
func StatusPtr(s calls.Status) *calls.Status { return &s }

// EndPatch builds the termination write.
func EndPatch(by calls.Role, reason calls.EndReason, at time.Time) Patch {
	missed := reason == calls.EndReasonMissed
	return Patch{
		Status:     StatusPtr(calls.StatusEnded),
		EndedAt:    &at,
		EndedBy:    by,
		EndReason:  reason,
		MissedCall: &missed,
	}
}

// Apply computes the row that results from p. Every Store implementation funnels its
// writes through here so the record invariants hold regardless of backend.
func Apply(cur calls.Call, p Patch, now time.Time) (calls.Call, error) {
	if cur.Terminal() {
		return cur, calls.ErrCallEnded
	}
	if p.IfVersion != 0 && p.IfVersion != cur.Version {
		return cur, calls.ErrVersionConflict
	}
	if len(p.IfStatusIn) > 0 && !statusIn(cur.Status, p.IfStatusIn) {
		return cur, fmt.Errorf("%w: status is %s", ErrPreconditionFailed, cur.Status)
	}

	next := cur
	if p.Status != nil && *p.Status != cur.Status {
		if p.Status.Rank() == 0 {
			return cur, fmt.Errorf("%w: unknown status %q", calls.ErrInvalidArgument, *p.Status)
		}
		if p.Status.Rank() < cur.Status.Rank() {
			return cur, fmt.Errorf("%w: %s -> %s", calls.ErrInvalidTransition, cur.Status, *p.Status)
		}
		next.Status = *p.Status
		if next.Status == calls.StatusActive && next.AnsweredAt == nil {
			t := now
			next.AnsweredAt = &t
		}
	}

	if p.Offer != nil {
		if err := writeOnce("offer", cur.Offer, p.Offer); err != nil {
			return cur, err
		}
		o := *p.Offer
		next.Offer = &o
	}
	if p.Answer != nil {
		if err := writeOnce("answer", cur.Answer, p.Answer); err != nil {
			return cur, err
		}
		a := *p.Answer
		next.Answer = &a
	}

	if p.Candidates != nil {
		stored := cur.Candidates(p.Candidates.Side)
		if !extends(p.Candidates.List, stored) {
			return cur, fmt.Errorf("%w: %s candidate list does not extend stored list", calls.ErrVersionConflict, p.Candidates.Side)
		}
		list := make([]calls.Candidate, len(p.Candidates.List))
		copy(list, p.Candidates.List)
		switch p.Candidates.Side {
		case calls.SideChild:
			next.ChildICECandidates = list
		case calls.SideAdult:
			next.ParentICECandidates = list
		default:
			return cur, fmt.Errorf("%w: unknown side %q", calls.ErrInvalidArgument, p.Candidates.Side)
		}
	}

	if p.EndedAt != nil {
		t := p.EndedAt.UTC()
		next.EndedAt = &t
	}
	if p.EndedBy != "" {
		next.EndedBy = p.EndedBy
	}
	if p.EndReason != "" {
		next.EndReason = p.EndReason
	}
	if p.MissedCall != nil {
		next.MissedCall = *p.MissedCall
	}
	if next.Status == calls.StatusEnded && next.EndedAt == nil {
		t := now
		next.EndedAt = &t
	}

	next.Version = cur.Version + 1
	next.UpdatedAt = now
	return next, nil
}

// ValidateNew checks a record about to be inserted.
func ValidateNew(c calls.Call) error {
	if c.ID == "" {
		return fmt.Errorf("%w: id required", calls.ErrInvalidArgument)
	}
	if !c.CallerType.Valid() || !c.RecipientType.Valid() {
		return fmt.Errorf("%w: caller_type and recipient_type required", calls.ErrInvalidArgument)
	}
	if c.CallerType.Side() == c.RecipientType.Side() {
		return fmt.Errorf("%w: a call pairs a child with an adult", calls.ErrInvalidArgument)
	}
	adult := c.CallerType
	if adult == calls.RoleChild {
		adult = c.RecipientType
	}
	if c.ChildID == "" || c.AdultID(adult) == "" {
		return fmt.Errorf("%w: child_id and %s id required", calls.ErrInvalidArgument, adult)
	}
	switch c.Status {
	case calls.StatusInitiating:
	case calls.StatusRinging:
		if c.Offer.Empty() {
			return fmt.Errorf("%w: ringing record requires an offer", calls.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: new records start initiating or ringing", calls.ErrInvalidArgument)
	}
	return nil
}

func writeOnce(field string, cur, next *calls.SessionDescription) error {
	if cur.Empty() {
		return nil
	}
	if cur.Type == next.Type && cur.SDP == next.SDP {
		return nil
	}
	return fmt.Errorf("%w: %s already set", calls.ErrInvalidTransition, field)
}

func extends(next, stored []calls.Candidate) bool {
	if len(next) < len(stored) {
		return false
	}
	for i := range stored {
		if !sameCandidate(next[i], stored[i]) {
			return false
		}
	}
	return true
}

func sameCandidate(a, b calls.Candidate) bool {
	return a.Candidate == b.Candidate &&
		strPtrEq(a.SDPMid, b.SDPMid) &&
		u16PtrEq(a.SDPMLineIndex, b.SDPMLineIndex) &&
		strPtrEq(a.UsernameFragment, b.UsernameFragment)
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func u16PtrEq(a, b *uint16) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func statusIn(s calls.Status, set []calls.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// clone deep-copies the slices and pointers of c so callers cannot alias stored state.
func clone(c calls.Call) calls.Call {
	out := c
	if c.Offer != nil {
		o := *c.Offer
		out.Offer = &o
	}
	if c.Answer != nil {
		a := *c.Answer
		out.Answer = &a
	}
	out.ChildICECandidates = append([]calls.Candidate{}, c.ChildICECandidates...)
	out.ParentICECandidates = append([]calls.Candidate{}, c.ParentICECandidates...)
	if c.AnsweredAt != nil {
		t := *c.AnsweredAt
		out.AnsweredAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	return out
}

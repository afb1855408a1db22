// Package incoming decides whether an observed call record is a call the local
// participant should ring for (or rejoin). Validation only reads.
package incoming

import (
	"context"
	"errors"
	"time"

	"family-calls/internal/calls"
	"family-calls/internal/callstore"
)

// DefaultReconnectWindow bounds how long after its last write an active call may
// still be rejoined.
const DefaultReconnectWindow = 10 * time.Minute

// Rejection reasons.
const (
	ReasonNotFound        = "not_found"
	ReasonCallerType      = "caller_type_not_allowed"
	ReasonRecipientType   = "recipient_type_mismatch"
	ReasonMissingOffer    = "missing_offer"
	ReasonEnded           = "ended"
	ReasonNotRinging      = "not_ringing"
	ReasonReconnectWindow = "reconnect_window_elapsed"
	ReasonNotRecipient    = "not_recipient"
)

type Result struct {
	IsValid bool       `json:"is_valid"`
	Call    calls.Call `json:"call"`
	Reason  string     `json:"reason,omitempty"`
}

// Validator is bound to one local role. Build it with ForAdult or ForChild.
type Validator struct {
	store   callstore.Reader
	local   calls.Role
	callers []calls.Role
	window  time.Duration
	clock   func() time.Time
}

// ForAdult validates calls a parent or family member receives; only children call them.
func ForAdult(store callstore.Reader, role calls.Role, window time.Duration) *Validator {
	return newValidator(store, role, window, calls.RoleChild)
}

// ForChild validates calls a child receives from either adult role.
func ForChild(store callstore.Reader, window time.Duration) *Validator {
	return newValidator(store, calls.RoleChild, window, calls.RoleParent, calls.RoleFamilyMember)
}

func newValidator(store callstore.Reader, local calls.Role, window time.Duration, callers ...calls.Role) *Validator {
	if window <= 0 {
		window = DefaultReconnectWindow
	}
	return &Validator{store: store, local: local, callers: callers, window: window, clock: time.Now}
}

// WithClock overrides the time source.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

func (v *Validator) Role() calls.Role { return v.local }

// Validate loads callID and checks it. A record that no longer resolves is
// reported as invalid, not as an error. localID may be empty during bootstrap.
func (v *Validator) Validate(ctx context.Context, callID, localID string) (Result, error) {
	c, err := v.store.Get(ctx, callID)
	if errors.Is(err, calls.ErrRecordNotFound) {
		return Result{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return Result{}, calls.Persistence("validate incoming", err)
	}
	return v.Check(c, localID), nil
}

// Check applies the rules to an already observed record.
func (v *Validator) Check(c calls.Call, localID string) Result {
	res := Result{Call: c}
	switch {
	case !v.callerAllowed(c.CallerType):
		res.Reason = ReasonCallerType
	case c.RecipientType != v.local:
		res.Reason = ReasonRecipientType
	case c.Offer.Empty():
		res.Reason = ReasonMissingOffer
	case c.Status == calls.StatusEnded:
		res.Reason = ReasonEnded
	case c.Status != calls.StatusRinging && c.Status != calls.StatusActive:
		res.Reason = ReasonNotRinging
	case c.Status == calls.StatusActive && v.clock().Sub(c.LastActivity()) > v.window:
		res.Reason = ReasonReconnectWindow
	case localID != "" && c.RecipientID() != localID:
		res.Reason = ReasonNotRecipient
	default:
		res.IsValid = true
	}
	return res
}

func (v *Validator) callerAllowed(r calls.Role) bool {
	for _, c := range v.callers {
		if c == r {
			return true
		}
	}
	return false
}

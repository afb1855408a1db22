package outgoing

import (
	"context"
	"fmt"

	"family-calls/internal/calls"
)

// AdultToChild rings a child from a parent or family member. The record is
// written once, already ringing, with the offer attached.
type AdultToChild struct {
	base
}

func NewAdultToChild(d Deps) *AdultToChild { return &AdultToChild{base: newBase(d)} }

func (a *AdultToChild) Initiate(ctx context.Context, req Request) (Result, error) {
	if !req.CallerRole.IsAdult() || req.CallerID == "" {
		return Result{}, fmt.Errorf("%w: caller must be an adult", calls.ErrInvalidArgument)
	}
	if err := req.Target.Validate(); err != nil {
		return Result{}, err
	}
	if err := validateOffer(req.Offer); err != nil {
		return Result{}, err
	}
	childID := req.Target.Value

	if err := a.ensureFree(ctx, childID, calls.RoleChild); err != nil {
		return Result{}, err
	}

	offer := req.Offer
	c := calls.Call{
		ID:            a.newID(),
		CallerType:    req.CallerRole,
		RecipientType: calls.RoleChild,
		ChildID:       childID,
		Status:        calls.StatusRinging,
		Offer:         &offer,
		CreatedAt:     a.clock().UTC(),
	}
	if req.CallerRole == calls.RoleParent {
		c.ParentID = req.CallerID
	} else {
		c.FamilyMemberID = req.CallerID
		c.ParentID = a.childsParent(ctx, childID)
	}

	if err := a.store.Insert(ctx, c); err != nil {
		return Result{}, calls.Persistence("create call", err)
	}
	a.log.Info("outgoing call ringing",
		"call_id", c.ID,
		"caller_role", c.CallerType,
		"recipient_type", c.RecipientType,
	)
	a.announce(ctx, c)
	return Result{CallID: c.ID, RecipientType: calls.RoleChild, RecipientID: childID, Call: c}, nil
}

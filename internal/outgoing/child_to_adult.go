package outgoing

import (
	"context"
	"fmt"
	"time"

	"family-calls/internal/calls"
	"family-calls/internal/callstore"
)

// ChildToAdult rings a parent or family member from a child. The target id is
// ambiguous, so the callee is checked under both adult roles and then resolved.
// The record is inserted as initiating and promoted to ringing in a second write
// so readers never see a ringing record before it is fully visible.
type ChildToAdult struct {
	base
	resolver Resolver
}

func NewChildToAdult(d Deps, resolver Resolver) *ChildToAdult {
	return &ChildToAdult{base: newBase(d), resolver: resolver}
}

func (c *ChildToAdult) Initiate(ctx context.Context, req Request) (Result, error) {
	if req.CallerRole != calls.RoleChild || req.CallerID == "" {
		return Result{}, fmt.Errorf("%w: caller must be a child", calls.ErrInvalidArgument)
	}
	if err := req.Target.Validate(); err != nil {
		return Result{}, err
	}
	if err := validateOffer(req.Offer); err != nil {
		return Result{}, err
	}

	if err := c.ensureFree(ctx, req.Target.Value, calls.RoleParent, calls.RoleFamilyMember); err != nil {
		return Result{}, err
	}

	res, err := c.resolver.Resolve(ctx, req.Target)
	if err != nil {
		return Result{}, err
	}
	if res.CanonicalID != req.Target.Value {
		if err := c.ensureFree(ctx, res.CanonicalID, res.Role); err != nil {
			return Result{}, err
		}
	}

	offer := req.Offer
	rec := calls.Call{
		ID:            c.newID(),
		CallerType:    calls.RoleChild,
		RecipientType: res.Role,
		ChildID:       req.CallerID,
		Status:        calls.StatusInitiating,
		Offer:         &offer,
		CreatedAt:     c.clock().UTC(),
	}
	if res.Role == calls.RoleParent {
		rec.ParentID = res.CanonicalID
	} else {
		rec.FamilyMemberID = res.CanonicalID
		rec.ParentID = c.childsParent(ctx, req.CallerID)
	}

	if err := c.store.Insert(ctx, rec); err != nil {
		return Result{}, calls.Persistence("create call", err)
	}

	ringing, err := c.store.Update(ctx, rec.ID, callstore.Patch{
		Status:     callstore.StatusPtr(calls.StatusRinging),
		IfStatusIn: []calls.Status{calls.StatusInitiating},
	})
	if err != nil {
		c.abandon(rec.ID)
		return Result{}, calls.Persistence("promote call", err)
	}

	c.log.Info("outgoing call ringing",
		"call_id", ringing.ID,
		"caller_role", ringing.CallerType,
		"recipient_type", ringing.RecipientType,
		"resolved_via", res.Source,
	)
	c.announce(ctx, ringing)
	return Result{CallID: ringing.ID, RecipientType: res.Role, RecipientID: res.CanonicalID, Call: ringing}, nil
}

// abandon ends a record stuck in initiating so it never rings.
func (c *ChildToAdult) abandon(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.store.Update(ctx, id, callstore.EndPatch(calls.RoleChild, calls.EndReasonError, c.clock().UTC())); err != nil {
		c.log.Warn("failed to abandon initiating call", "call_id", id, "err", err)
	}
}

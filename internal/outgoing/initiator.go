// Package outgoing creates call records. Two variants share one contract:
// adults calling a child, and a child calling an adult whose role must first be
// resolved from an ambiguous contact id.
package outgoing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"family-calls/internal/busy"
	"family-calls/internal/calls"
	"family-calls/internal/callstore"
	"family-calls/internal/events"
	"family-calls/internal/identity"
)

// Request describes a call the local participant wants to place.
type Request struct {
	CallerRole calls.Role
	CallerID   string
	// Target is the counterparty. Adult callers pass the child's profile id.
	Target identity.ContactRef
	Offer  calls.SessionDescription
}

// Result names the created record and who it rings.
type Result struct {
	CallID        string     `json:"call_id"`
	RecipientType calls.Role `json:"recipient_type"`
	RecipientID   string     `json:"recipient_id"`
	Call          calls.Call `json:"-"`
}

type Initiator interface {
	Initiate(ctx context.Context, req Request) (Result, error)
}

type BusyChecker interface {
	Check(ctx context.Context, id string, roles ...calls.Role) (busy.Result, error)
}

type Resolver interface {
	Resolve(ctx context.Context, ref identity.ContactRef) (identity.Resolution, error)
}

type ParentLookup interface {
	ParentOfChild(ctx context.Context, childID string) (string, error)
}

type RecordWriter interface {
	Insert(ctx context.Context, c calls.Call) error
	Update(ctx context.Context, id string, p callstore.Patch) (calls.Call, error)
}

// Deps are shared by both variants. Events and Parents are optional.
type Deps struct {
	Store   RecordWriter
	Busy    BusyChecker
	Events  events.Emitter
	Parents ParentLookup
	Log     *slog.Logger
}

type base struct {
	store   RecordWriter
	busy    BusyChecker
	events  events.Emitter
	parents ParentLookup
	newID   func() string
	clock   func() time.Time
	log     *slog.Logger
}

func newBase(d Deps) base {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return base{
		store:   d.Store,
		busy:    d.Busy,
		events:  d.Events,
		parents: d.Parents,
		newID:   uuid.NewString,
		clock:   time.Now,
		log:     log,
	}
}

// ensureFree fails with ErrCalleeBusy when id has a live call under any role.
func (b base) ensureFree(ctx context.Context, id string, roles ...calls.Role) error {
	if b.busy == nil {
		return nil
	}
	res, err := b.busy.Check(ctx, id, roles...)
	if err != nil {
		return err
	}
	if res.IsBusy {
		return fmt.Errorf("%w: active call %s", calls.ErrCalleeBusy, res.ActiveCallID)
	}
	return nil
}

// childsParent fills parent_id on family_member records so parent-scoped readers
// still see them. A failed lookup leaves it empty.
func (b base) childsParent(ctx context.Context, childID string) string {
	if b.parents == nil {
		return ""
	}
	id, err := b.parents.ParentOfChild(ctx, childID)
	if err != nil {
		b.log.Warn("parent lookup failed", "child_id", childID, "err", err)
		return ""
	}
	return id
}

func (b base) announce(ctx context.Context, c calls.Call) {
	if b.events == nil {
		return
	}
	// The record is already ringing; a lost notification only delays the callee.
	if err := b.events.Emit(ctx, events.IncomingCall(c)); err != nil {
		b.log.Warn("incoming_call event not delivered", "call_id", c.ID, "err", err)
	}
}

func validateOffer(o calls.SessionDescription) error {
	if o.SDP == "" {
		return fmt.Errorf("%w: offer is required", calls.ErrInvalidArgument)
	}
	return nil
}

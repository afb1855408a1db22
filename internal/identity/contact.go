// Package identity turns an ambiguous contact identifier into a concrete
// (role, canonical id) pair.
//
// Two identity schemes coexist: profile ids (rows in parents/family_members) and
// auth user ids that older clients stored as contact ids. A ContactRef says which
// one the caller believes it holds; the Resolver tries that scheme first.
package identity

import (
	"context"
	"errors"

	"family-calls/internal/calls"
)

var ErrNotFound = errors.New("identity: not found")

// Kind tags which identity scheme a ContactRef.Value belongs to.
type Kind string

const (
	KindProfileID Kind = "profile_id"
	KindUserID    Kind = "user_id"
)

func (k Kind) Valid() bool { return k == KindProfileID || k == KindUserID }

// ContactRef is a contact identifier whose scheme is explicit.
type ContactRef struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

func ProfileRef(id string) ContactRef { return ContactRef{Kind: KindProfileID, Value: id} }
func UserRef(id string) ContactRef    { return ContactRef{Kind: KindUserID, Value: id} }

func (r ContactRef) Validate() error {
	if !r.Kind.Valid() || r.Value == "" {
		return calls.ErrInvalidArgument
	}
	return nil
}

// Profile is an authoritative directory entry.
type Profile struct {
	Role   calls.Role `json:"role"`
	ID     string     `json:"id"`
	UserID string     `json:"user_id,omitempty"`
}

// Directory is the authoritative profile source. Lookups that find nothing
// return ErrNotFound; anything else is a lookup failure.
type Directory interface {
	ByProfileID(ctx context.Context, id string) (Profile, error)
	ByUserID(ctx context.Context, userID string) (Profile, error)
	// Legacy consults the first-generation contacts table.
	Legacy(ctx context.Context, contactID string) (Profile, error)
	// ParentOfChild returns the profile id of the child's own parent.
	ParentOfChild(ctx context.Context, childID string) (string, error)
}

package remote

import (
	"context"
	"errors"
	"net/http"

	"family-calls/internal/calls"
	"family-calls/internal/identity"
)

// Directory is an identity.Directory backed by the gateway.
type Directory struct {
	c *Client
}

func NewDirectory(c *Client) *Directory { return &Directory{c: c} }

var _ identity.Directory = (*Directory)(nil)

func (d *Directory) ByProfileID(ctx context.Context, id string) (identity.Profile, error) {
	return d.lookup(ctx, identity.ProfileRef(id))
}

func (d *Directory) ByUserID(ctx context.Context, userID string) (identity.Profile, error) {
	return d.lookup(ctx, identity.UserRef(userID))
}

func (d *Directory) Legacy(ctx context.Context, contactID string) (identity.Profile, error) {
	var p identity.Profile
	err := d.c.call(ctx, http.MethodGet, "/v1/profiles/legacy/{id}", map[string]string{"id": contactID}, nil, &p)
	return p, notFound(err)
}

func (d *Directory) ParentOfChild(ctx context.Context, childID string) (string, error) {
	var out struct {
		ParentID string `json:"parent_id"`
	}
	err := d.c.call(ctx, http.MethodGet, "/v1/children/{id}/parent", map[string]string{"id": childID}, nil, &out)
	return out.ParentID, notFound(err)
}

func (d *Directory) lookup(ctx context.Context, ref identity.ContactRef) (identity.Profile, error) {
	var p identity.Profile
	err := d.c.call(ctx, http.MethodGet, "/v1/profiles/lookup", map[string]string{
		"kind":  string(ref.Kind),
		"value": ref.Value,
	}, nil, &p)
	return p, notFound(err)
}

// notFound keeps "no such profile" distinct from "directory unreachable".
func notFound(err error) error {
	if errors.Is(err, calls.ErrRecordNotFound) {
		return identity.ErrNotFound
	}
	return err
}

package auth

import (
	"context"
	"errors"
)

type ctxKey int

const ctxIdentity ctxKey = iota

var ErrNoIdentity = errors.New("identity not in context")

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxIdentity, id)
}

func FromContext(ctx context.Context) (Identity, error) {
	if id, ok := ctx.Value(ctxIdentity).(Identity); ok && id.ProfileID != "" {
		return id, nil
	}
	return Identity{}, ErrNoIdentity
}

func ProfileID(ctx context.Context) (string, error) {
	id, err := FromContext(ctx)
	if err != nil {
		return "", errors.New("profile_id not in context")
	}
	return id.ProfileID, nil
}

func FamilyID(ctx context.Context) (string, error) {
	id, err := FromContext(ctx)
	if err != nil || id.FamilyID == "" {
		return "", errors.New("family_id not in context")
	}
	return id.FamilyID, nil
}

func Role(ctx context.Context) (string, error) {
	id, err := FromContext(ctx)
	if err != nil || id.Role == "" {
		return "", errors.New("role not in context")
	}
	return id.Role, nil
}

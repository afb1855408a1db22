package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"family-calls/internal/calls"
)

// Source records which row of the decision table produced a Resolution.
type Source string

const (
	SourcePrimary   Source = "authoritative_primary"
	SourceSecondary Source = "authoritative_secondary"
	SourceHint      Source = "hint"
	SourceLegacy    Source = "legacy"
	SourceDefault   Source = "default"
)

// Resolution is the concrete counterparty a contact resolved to.
type Resolution struct {
	Role        calls.Role `json:"role"`
	CanonicalID string     `json:"canonical_id"`
	Source      Source     `json:"source"`
}

// Resolver applies a fixed priority order:
//
//	1. directory lookup under the ref's own scheme
//	2. directory lookup under the other scheme
//	3. injected hint
//	4. legacy contacts table
//	5. configured default role (none configured: ErrIdentityUnresolved)
//
// An authoritative answer always wins and refreshes the hint.
type Resolver struct {
	dir         Directory
	hints       HintCache
	defaultRole calls.Role
	accept      func(calls.Role) bool
	log         *slog.Logger
}

// NewResolver builds a resolver for adult counterparties. An empty defaultRole
// disables defaulting.
func NewResolver(dir Directory, hints HintCache, defaultRole calls.Role, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		dir:         dir,
		hints:       hints,
		defaultRole: defaultRole,
		accept:      calls.Role.IsAdult,
		log:         log,
	}
}

func (r *Resolver) Resolve(ctx context.Context, ref ContactRef) (Resolution, error) {
	if err := ref.Validate(); err != nil {
		return Resolution{}, err
	}

	var lookupErrs []error
	lookups := []struct {
		src Source
		fn  func(context.Context, string) (Profile, error)
	}{
		{SourcePrimary, r.byKind(ref.Kind)},
		{SourceSecondary, r.byKind(other(ref.Kind))},
	}
	for _, l := range lookups {
		p, err := l.fn(ctx, ref.Value)
		if err == nil && r.accept(p.Role) && p.ID != "" {
			res := Resolution{Role: p.Role, CanonicalID: p.ID, Source: l.src}
			if r.hints != nil {
				r.hints.Put(ctx, ref.Value, Hint{Role: p.Role, CanonicalID: p.ID})
			}
			r.logResolved(ref, res)
			return res, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			lookupErrs = append(lookupErrs, err)
			r.log.Warn("identity lookup failed", "source", l.src, "kind", ref.Kind, "err", err)
		}
	}

	if r.hints != nil {
		if h, ok := r.hints.Get(ctx, ref.Value); ok && r.accept(h.Role) {
			id := h.CanonicalID
			if id == "" {
				id = ref.Value
			}
			res := Resolution{Role: h.Role, CanonicalID: id, Source: SourceHint}
			r.logResolved(ref, res)
			return res, nil
		}
	}

	p, err := r.dir.Legacy(ctx, ref.Value)
	switch {
	case err == nil && r.accept(p.Role):
		id := p.ID
		if id == "" {
			id = ref.Value
		}
		res := Resolution{Role: p.Role, CanonicalID: id, Source: SourceLegacy}
		r.logResolved(ref, res)
		return res, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		lookupErrs = append(lookupErrs, err)
		r.log.Warn("identity lookup failed", "source", SourceLegacy, "kind", ref.Kind, "err", err)
	}

	// Defaulting is only safe when every source answered "not found". If the
	// directory was unreachable the contact may well be someone else.
	if len(lookupErrs) > 0 {
		return Resolution{}, fmt.Errorf("%w: %w", calls.ErrIdentityUnresolved, errors.Join(lookupErrs...))
	}
	if !r.accept(r.defaultRole) {
		return Resolution{}, calls.ErrIdentityUnresolved
	}
	res := Resolution{Role: r.defaultRole, CanonicalID: ref.Value, Source: SourceDefault}
	r.logResolved(ref, res)
	return res, nil
}

func (r *Resolver) byKind(k Kind) func(context.Context, string) (Profile, error) {
	if k == KindUserID {
		return r.dir.ByUserID
	}
	return r.dir.ByProfileID
}

func other(k Kind) Kind {
	if k == KindUserID {
		return KindProfileID
	}
	return KindUserID
}

func (r *Resolver) logResolved(ref ContactRef, res Resolution) {
	r.log.Debug("contact resolved",
		"kind", ref.Kind,
		"role", res.Role,
		"canonical_id", res.CanonicalID,
		"source", res.Source,
	)
}

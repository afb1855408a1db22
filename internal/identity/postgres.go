package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"family-calls/internal/calls"
)

// PostgresDirectory reads the parents, family_members, children and
// legacy_contacts tables.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory { return &PostgresDirectory{db: db} }

// A profile id present in both tables resolves to parent.
const profileSelect = `
SELECT role, id, COALESCE(user_id, '') FROM (
  SELECT 'parent' AS role, id, user_id, 0 AS pri FROM parents WHERE %s = $1
  UNION ALL
  SELECT 'family_member' AS role, id, user_id, 1 AS pri FROM family_members WHERE %s = $1
) p
ORDER BY pri
LIMIT 1`

var (
	byProfileIDQuery = fmt.Sprintf(profileSelect, "id", "id")
	byUserIDQuery    = fmt.Sprintf(profileSelect, "user_id", "user_id")
)

func (d *PostgresDirectory) ByProfileID(ctx context.Context, id string) (Profile, error) {
	return d.profile(ctx, byProfileIDQuery, id)
}

func (d *PostgresDirectory) ByUserID(ctx context.Context, userID string) (Profile, error) {
	return d.profile(ctx, byUserIDQuery, userID)
}

func (d *PostgresDirectory) Legacy(ctx context.Context, contactID string) (Profile, error) {
	var role, canonical string
	err := d.db.QueryRowContext(ctx,
		`SELECT role, canonical_id FROM legacy_contacts WHERE contact_id = $1`, contactID,
	).Scan(&role, &canonical)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	return Profile{Role: calls.Role(role), ID: canonical}, nil
}

func (d *PostgresDirectory) ParentOfChild(ctx context.Context, childID string) (string, error) {
	var parentID string
	err := d.db.QueryRowContext(ctx, `SELECT parent_id FROM children WHERE id = $1`, childID).Scan(&parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return parentID, nil
}

func (d *PostgresDirectory) profile(ctx context.Context, q, v string) (Profile, error) {
	var p Profile
	var role string
	err := d.db.QueryRowContext(ctx, q, v).Scan(&role, &p.ID, &p.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	p.Role = calls.Role(role)
	return p, nil
}

package events

import (
	"context"
	"database/sql"
)

// PostgresRepo appends to call_events. The table has no UPDATE/DELETE path.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO call_events (id, name, call_id, caller_identity, call_type, target_role, target_id, actor_role, end_reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, string(e.Name), e.CallID, e.CallerIdentity, string(e.CallType),
		string(e.TargetRole), e.TargetID, string(e.ActorRole), string(e.EndReason), e.CreatedAt,
	)
	return err
}

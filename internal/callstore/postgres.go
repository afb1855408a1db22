package callstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"family-calls/internal/calls"
	"family-calls/pkg/utils"
)

// NOTE: PostgresStore assumes the calls table from migrations/001_calls.sql.
// offer/answer and both candidate lists are JSONB; the candidate lists default to '[]'.

// Feed carries change notifications between processes.
type Feed interface {
	Publish(ctx context.Context, ch Change) error
	Subscribe(ctx context.Context, f Filter) (Subscription, error)
}

// PostgresStore persists records with database/sql (pgx stdlib driver) and announces
// every committed write on a Feed.
//
// Postgres has no atomic "append to JSONB array that the other side may also touch"
// that also enforces the record invariants, so every Update locks the row
// (SELECT ... FOR UPDATE), applies the patch in Go and writes the row back.
type PostgresStore struct {
	db    *sql.DB
	feed  Feed
	log   *slog.Logger
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB, feed Feed, log *slog.Logger) *PostgresStore {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresStore{db: db, feed: feed, log: log, clock: time.Now}
}

const callColumns = `id, caller_type, recipient_type, child_id, parent_id, family_member_id, status,
       offer, answer, child_ice_candidates, parent_ice_candidates,
       created_at, updated_at, answered_at, ended_at, ended_by, end_reason, missed_call, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) Get(ctx context.Context, id string) (calls.Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	c, err := scanCall(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return calls.Call{}, calls.Persistence("get", err)
	}
	return c, nil
}

func (s *PostgresStore) Insert(ctx context.Context, c calls.Call) error {
	if err := ValidateNew(c); err != nil {
		return err
	}
	now := s.clock().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Version == 0 {
		c.Version = 1
	}

	args, err := rowArgs(c)
	if err != nil {
		return calls.Persistence("insert", err)
	}
	const q = `
INSERT INTO calls (
  id, caller_type, recipient_type, child_id, parent_id, family_member_id, status,
  offer, answer, child_ice_candidates, parent_ice_candidates,
  created_at, updated_at, answered_at, ended_at, ended_by, end_reason, missed_call, version
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
)
`
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return calls.Persistence("insert", err)
	}
	s.announce(ctx, Change{Op: OpInsert, Call: c})
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, p Patch) (calls.Call, error) {
	var out calls.Call
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1 FOR UPDATE`
		cur, err := scanCall(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			return err
		}
		next, err := Apply(cur, p, s.clock().UTC())
		if err != nil {
			out = cur
			return err
		}
		if err := writeRow(ctx, tx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrPreconditionFailed) {
			return out, err
		}
		return out, calls.Persistence("update", err)
	}
	s.announce(ctx, Change{Op: OpUpdate, Call: out})
	return out, nil
}

func (s *PostgresStore) ListLive(ctx context.Context, role calls.Role, id string) ([]calls.Call, error) {
	col := ColumnFor(role)
	q := `SELECT ` + callColumns + ` FROM calls
WHERE status <> 'ended'
  AND ` + string(col) + ` = $1
  AND (caller_type = $2 OR recipient_type = $2)
ORDER BY created_at`
	rows, err := s.query(ctx, "list_live", q, id, string(role))
	if err != nil {
		return nil, err
	}
	// parent_id is also populated on child->family_member calls; keep only real parties.
	out := rows[:0]
	for _, c := range rows {
		if c.Involves(role, id) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *PostgresStore) ListStale(ctx context.Context, cutoff time.Time) ([]calls.Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls
WHERE status IN ('initiating', 'ringing') AND created_at < $1
ORDER BY created_at`
	return s.query(ctx, "list_stale", q, cutoff.UTC())
}

func (s *PostgresStore) ListByParticipant(ctx context.Context, role calls.Role, id string, since time.Time) ([]calls.Call, error) {
	col := ColumnFor(role)
	q := `SELECT ` + callColumns + ` FROM calls
WHERE ` + string(col) + ` = $1
  AND (caller_type = $2 OR recipient_type = $2)
  AND created_at >= $3
ORDER BY created_at`
	rows, err := s.query(ctx, "list_by_participant", q, id, string(role), since.UTC())
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, c := range rows {
		if c.Involves(role, id) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *PostgresStore) Subscribe(ctx context.Context, f Filter) (Subscription, error) {
	if s.feed == nil {
		return nil, errors.New("callstore: change feed not configured")
	}
	return s.feed.Subscribe(ctx, f)
}

func (s *PostgresStore) query(ctx context.Context, op, q string, args ...any) ([]calls.Call, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, calls.Persistence(op, err)
	}
	defer rows.Close()

	out := make([]calls.Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, calls.Persistence(op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, calls.Persistence(op, err)
	}
	return out, nil
}

// announce is best-effort: a lost notification is covered by the monitor's poll.
func (s *PostgresStore) announce(ctx context.Context, ch Change) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, ch); err != nil {
		s.log.Warn("change publish failed", "call_id", ch.Call.ID, "op", string(ch.Op), "err", err)
	}
}

func writeRow(ctx context.Context, tx *sql.Tx, c calls.Call) error {
	args, err := rowArgs(c)
	if err != nil {
		return err
	}
	const q = `
UPDATE calls SET
  caller_type = $2, recipient_type = $3, child_id = $4, parent_id = $5, family_member_id = $6,
  status = $7, offer = $8, answer = $9, child_ice_candidates = $10, parent_ice_candidates = $11,
  created_at = $12, updated_at = $13, answered_at = $14, ended_at = $15, ended_by = $16,
  end_reason = $17, missed_call = $18, version = $19
WHERE id = $1
`
	_, err = tx.ExecContext(ctx, q, args...)
	return err
}

func rowArgs(c calls.Call) ([]any, error) {
	offer, err := jsonOrNil(c.Offer)
	if err != nil {
		return nil, err
	}
	answer, err := jsonOrNil(c.Answer)
	if err != nil {
		return nil, err
	}
	childCands, err := jsonList(c.ChildICECandidates)
	if err != nil {
		return nil, err
	}
	parentCands, err := jsonList(c.ParentICECandidates)
	if err != nil {
		return nil, err
	}
	return []any{
		c.ID,
		string(c.CallerType),
		string(c.RecipientType),
		nullString(c.ChildID),
		nullString(c.ParentID),
		nullString(c.FamilyMemberID),
		string(c.Status),
		offer,
		answer,
		childCands,
		parentCands,
		c.CreatedAt,
		c.UpdatedAt,
		nullTime(c.AnsweredAt),
		nullTime(c.EndedAt),
		nullString(string(c.EndedBy)),
		nullString(string(c.EndReason)),
		c.MissedCall,
		c.Version,
	}, nil
}

func scanCall(row rowScanner) (calls.Call, error) {
	var (
		c                        calls.Call
		callerType, recipType    string
		childID, parentID, famID sql.NullString
		status                   string
		offer, answer            []byte
		childCands, parentCands  []byte
		answeredAt, endedAt      sql.NullTime
		endedBy, endReason       sql.NullString
	)
	err := row.Scan(
		&c.ID,
		&callerType,
		&recipType,
		&childID,
		&parentID,
		&famID,
		&status,
		&offer,
		&answer,
		&childCands,
		&parentCands,
		&c.CreatedAt,
		&c.UpdatedAt,
		&answeredAt,
		&endedAt,
		&endedBy,
		&endReason,
		&c.MissedCall,
		&c.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Call{}, calls.ErrRecordNotFound
		}
		return calls.Call{}, err
	}

	c.CallerType = calls.Role(callerType)
	c.RecipientType = calls.Role(recipType)
	c.ChildID = childID.String
	c.ParentID = parentID.String
	c.FamilyMemberID = famID.String
	c.Status = calls.Status(status)
	c.EndedBy = calls.Role(endedBy.String)
	c.EndReason = calls.EndReason(endReason.String)
	if answeredAt.Valid {
		t := answeredAt.Time.UTC()
		c.AnsweredAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		c.EndedAt = &t
	}
	if c.Offer, err = decodeDescription(offer); err != nil {
		return calls.Call{}, fmt.Errorf("decode offer: %w", err)
	}
	if c.Answer, err = decodeDescription(answer); err != nil {
		return calls.Call{}, fmt.Errorf("decode answer: %w", err)
	}
	if c.ChildICECandidates, err = decodeCandidates(childCands); err != nil {
		return calls.Call{}, fmt.Errorf("decode child candidates: %w", err)
	}
	if c.ParentICECandidates, err = decodeCandidates(parentCands); err != nil {
		return calls.Call{}, fmt.Errorf("decode parent candidates: %w", err)
	}
	return c, nil
}

func decodeDescription(b []byte) (*calls.SessionDescription, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var d calls.SessionDescription
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func decodeCandidates(b []byte) ([]calls.Candidate, error) {
	out := []calls.Candidate{}
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []calls.Candidate{}
	}
	return out, nil
}

func jsonOrNil(d *calls.SessionDescription) (any, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func jsonList(list []calls.Candidate) ([]byte, error) {
	if list == nil {
		list = []calls.Candidate{}
	}
	return json.Marshal(list)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

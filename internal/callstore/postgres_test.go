package callstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"family-calls/internal/calls"
)

var callRowColumns = []string{
	"id", "caller_type", "recipient_type", "child_id", "parent_id", "family_member_id", "status",
	"offer", "answer", "child_ice_candidates", "parent_ice_candidates",
	"created_at", "updated_at", "answered_at", "ended_at", "ended_by", "end_reason", "missed_call", "version",
}

func setupMockStore(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore, *Hub) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	hub := NewHub(nil)
	return db, mock, NewPostgresStore(db, hub, nil), hub
}

func ringingRow(now time.Time, parentCands string) *sqlmock.Rows {
	return sqlmock.NewRows(callRowColumns).AddRow(
		"call-1", "parent", "child", "C1", "P1", nil, "ringing",
		[]byte(`{"type":"offer","sdp":"v=0"}`), nil, []byte(`[]`), []byte(parentCands),
		now, now, nil, nil, nil, nil, false, int64(3),
	)
}

func TestPostgresStore_Get(t *testing.T) {
	db, mock, store, _ := setupMockStore(t)
	defer db.Close()

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(`SELECT .* FROM calls WHERE id = \$1`).
		WithArgs("call-1").
		WillReturnRows(ringingRow(now, `[{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}]`))

	c, err := store.Get(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, calls.RoleParent, c.CallerType)
	assert.Equal(t, "P1", c.ParentID)
	assert.Equal(t, "", c.FamilyMemberID)
	assert.Equal(t, calls.StatusRinging, c.Status)
	require.NotNil(t, c.Offer)
	assert.Equal(t, "v=0", c.Offer.SDP)
	assert.Nil(t, c.Answer)
	assert.Len(t, c.ParentICECandidates, 1)
	assert.NotNil(t, c.ChildICECandidates)
	assert.Equal(t, int64(3), c.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db, mock, store, _ := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM calls WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(callRowColumns))

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, calls.ErrRecordNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertPublishes(t *testing.T) {
	db, mock, store, hub := setupMockStore(t)
	defer db.Close()

	sub, err := hub.Subscribe(context.Background(), ByColumn(ColumnChildID, "C1"))
	require.NoError(t, err)
	defer sub.Close()

	mock.ExpectExec(`INSERT INTO calls`).
		WithArgs("call-1", "parent", "child", "C1", "P1", nil, "ringing",
			sqlmock.AnyArg(), nil, []byte(`[]`), []byte(`[]`),
			sqlmock.AnyArg(), sqlmock.AnyArg(), nil, nil, nil, nil, false, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Insert(context.Background(), ringingCall()))
	assert.NoError(t, mock.ExpectationsWereMet())

	select {
	case ch := <-sub.C():
		assert.Equal(t, OpInsert, ch.Op)
	case <-time.After(time.Second):
		t.Fatalf("expected insert to be published")
	}
}

func TestPostgresStore_InsertFailureIsPersistence(t *testing.T) {
	db, mock, store, _ := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO calls`).WillReturnError(errors.New("conn refused"))

	err := store.Insert(context.Background(), ringingCall())
	assert.ErrorIs(t, err, calls.ErrPersistence)
}

func TestPostgresStore_UpdateLocksRowAndWritesBack(t *testing.T) {
	db, mock, store, _ := setupMockStore(t)
	defer db.Close()

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM calls WHERE id = \$1 FOR UPDATE`).
		WithArgs("call-1").
		WillReturnRows(ringingRow(now, `[]`))
	mock.ExpectExec(`UPDATE calls SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := store.Update(context.Background(), "call-1", Patch{
		Candidates: &SideCandidates{Side: calls.SideAdult, List: []calls.Candidate{cand("a")}},
		IfVersion:  3,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), out.Version)
	assert.Len(t, out.ParentICECandidates, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRollsBackOnConflict(t *testing.T) {
	db, mock, store, _ := setupMockStore(t)
	defer db.Close()

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FOR UPDATE`).
		WithArgs("call-1").
		WillReturnRows(ringingRow(now, `[]`))
	mock.ExpectRollback()

	_, err := store.Update(context.Background(), "call-1", Patch{IfVersion: 2, Status: StatusPtr(calls.StatusActive)})
	assert.ErrorIs(t, err, calls.ErrVersionConflict)
	assert.NotErrorIs(t, err, calls.ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListLiveFiltersNonParties(t *testing.T) {
	db, mock, store, _ := setupMockStore(t)
	defer db.Close()

	now := time.Unix(1700000000, 0).UTC()
	rows := sqlmock.NewRows(callRowColumns).AddRow(
		"call-2", "child", "family_member", "C1", "P1", "F1", "ringing",
		[]byte(`{"type":"offer","sdp":"v=0"}`), nil, []byte(`[]`), []byte(`[]`),
		now, now, nil, nil, nil, nil, false, int64(2),
	)
	mock.ExpectQuery(`WHERE status <> 'ended'\s+AND parent_id = \$1`).
		WithArgs("P1", "parent").
		WillReturnRows(rows)

	live, err := store.ListLive(context.Background(), calls.RoleParent, "P1")
	require.NoError(t, err)
	assert.Empty(t, live)
	assert.NoError(t, mock.ExpectationsWereMet())
}

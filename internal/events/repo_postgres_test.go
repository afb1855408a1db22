package events

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRepo_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := CallEnded(childToParent(), "parent", "hangup")
	e.ID = "ev-1"
	e.CreatedAt = time.Unix(1700000000, 0).UTC()

	mock.ExpectExec(`INSERT INTO call_events`).
		WithArgs("ev-1", "call_ended", "call-1", "C1", "child", "child", "C1", "parent", "hangup", e.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewPostgresRepo(db).Append(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

package utils

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMigrations_SkipsRecordedFiles(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fsys := fstest.MapFS{
		"002_events.sql": {Data: []byte("CREATE TABLE b (id int);")},
		"001_calls.sql":  {Data: []byte("CREATE TABLE a (id int);")},
		"README.md":      {Data: []byte("not sql")},
	}

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO schema_migrations`).WithArgs("001_calls.sql").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO schema_migrations`).WithArgs("002_events.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`CREATE TABLE b`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	applied, err := ApplyMigrations(context.Background(), db, fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"002_events.sql"}, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyMigrations_RollsBackFailedFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fsys := fstest.MapFS{"001_calls.sql": {Data: []byte("CREATE TABLE a (id int);")}}

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO schema_migrations`).WithArgs("001_calls.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`CREATE TABLE a`).WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	applied, err := ApplyMigrations(context.Background(), db, fsys)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "001_calls.sql")
	assert.Empty(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

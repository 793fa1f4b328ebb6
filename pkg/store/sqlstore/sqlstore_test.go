package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Antoniskp/apofasifast/pkg/canonicalize"
	"github.com/Antoniskp/apofasifast/pkg/chain"
	"github.com/Antoniskp/apofasifast/pkg/store"
	"github.com/Antoniskp/apofasifast/pkg/store/storetest"
)

func newSQLite(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db, SQLite)
	require.NoError(t, s.Init(context.Background()))
	return s, db
}

func TestSQLite_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.ChainStore {
		s, _ := newSQLite(t)
		return s
	})
}

func TestSQLite_InitIsIdempotent(t *testing.T) {
	s, _ := newSQLite(t)
	require.NoError(t, s.Init(context.Background()))
}

func TestSQLite_AppendOnlyTriggers(t *testing.T) {
	s, db := newSQLite(t)
	ctx := context.Background()

	rec, err := storetest.AppendNext(ctx, s, storetest.Builder(), "c1", storetest.Ballot("A", 1))
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE audit_events SET payload = '{}' WHERE id = ?`, rec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = db.ExecContext(ctx, `DELETE FROM audit_events WHERE id = ?`, rec.ID)
	require.Error(t, err)
}

func TestSQLite_DetectsTamperedRow(t *testing.T) {
	s, db := newSQLite(t)
	ctx := context.Background()
	b := storetest.Builder()

	for _, voter := range []string{"A", "B"} {
		_, err := storetest.AppendNext(ctx, s, b, "votes",
			canonicalize.Map(map[string]canonicalize.Value{"voter": canonicalize.String(voter)}))
		require.NoError(t, err)
	}

	// Someone with direct database access bypasses the triggers.
	_, err := db.ExecContext(ctx, `DROP TRIGGER audit_events_no_update`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE audit_events SET payload = '{"voter":"X"}' WHERE chain_id = 'votes' AND seq = 1`)
	require.NoError(t, err)

	recs, err := s.List(ctx, "votes")
	require.NoError(t, err)
	res, err := chain.Verify(recs)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, 0, res.Position)
}

func TestSQLite_MalformedPayload(t *testing.T) {
	s, db := newSQLite(t)
	ctx := context.Background()
	b := storetest.Builder()

	for i := 0; i < 3; i++ {
		_, err := storetest.AppendNext(ctx, s, b, "c1", storetest.Ballot("v", i))
		require.NoError(t, err)
	}
	_, err := db.ExecContext(ctx, `DROP TRIGGER audit_events_no_update`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE audit_events SET payload = '{"voter":' WHERE seq = 2`)
	require.NoError(t, err)

	recs, err := s.List(ctx, "c1")
	require.NoError(t, err)
	_, err = chain.Verify(recs)
	var malformed *chain.MalformedRecordError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, 1, malformed.Position)
}

func TestSQLite_GenesisPrevHashIsNull(t *testing.T) {
	s, db := newSQLite(t)
	ctx := context.Background()

	rec, err := storetest.AppendNext(ctx, s, storetest.Builder(), "c1", storetest.Ballot("A", 1))
	require.NoError(t, err)

	var prev sql.NullString
	require.NoError(t, db.QueryRowContext(ctx, `SELECT prev_hash FROM audit_events WHERE id = ?`, rec.ID).Scan(&prev))
	assert.False(t, prev.Valid)
}

func TestSQLite_QueryByTime(t *testing.T) {
	s, _ := newSQLite(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	b := chain.NewBuilder(chain.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))
	for i := 0; i < 4; i++ {
		_, err := storetest.AppendNext(ctx, s, b, "c1", storetest.Ballot("v", i))
		require.NoError(t, err)
	}

	start := base.Add(2 * time.Minute)
	end := base.Add(3 * time.Minute)
	recs, err := s.Query(ctx, "c1", store.QueryFilter{StartTime: &start, EndTime: &end})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(2), recs[0].Seq)
	assert.Equal(t, uint64(3), recs[1].Seq)
}

var pgColumns = []string{"id", "chain_id", "seq", "event_type", "payload", "hash", "prev_hash", "created_at"}

func TestPostgres_AppendLocksChain(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := New(db, Postgres)
	ctx := context.Background()

	rec, err := storetest.Builder().Append("VOTE_CAST", storetest.Ballot("A", 1), "")
	require.NoError(t, err)
	rec.ChainID = "c1"

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT 1 FROM audit_events WHERE id = \$1`).
		WithArgs(rec.ID).
		WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectQuery(`SELECT .* FROM audit_events WHERE chain_id = \$1 ORDER BY seq DESC LIMIT 1`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(pgColumns))
	mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs(rec.ID, "c1", int64(1), "VOTE_CAST", string(rec.Payload), rec.Hash, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	got, err := s.Append(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AppendLinksToTail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := New(db, Postgres)
	b := storetest.Builder()
	first, err := b.Append("VOTE_CAST", storetest.Ballot("A", 1), "")
	require.NoError(t, err)
	next, err := b.Append("VOTE_CAST", storetest.Ballot("B", 2), first.Hash)
	require.NoError(t, err)
	next.ChainID = "c1"

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs("c1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT 1 FROM audit_events`).WithArgs(next.ID).WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectQuery(`ORDER BY seq DESC LIMIT 1`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(pgColumns).
			AddRow(first.ID, "c1", int64(1), first.EventType, []byte(first.Payload), first.Hash, nil, first.CreatedAt))
	mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs(next.ID, "c1", int64(2), "VOTE_CAST", string(next.Payload), next.Hash, first.Hash, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	got, err := s.Append(context.Background(), next)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_StaleTailRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := New(db, Postgres)
	rec, err := storetest.Builder().Append("VOTE_CAST", storetest.Ballot("A", 1), "")
	require.NoError(t, err)
	rec.ChainID = "c1"

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs("c1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT 1 FROM audit_events`).WithArgs(rec.ID).WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectQuery(`ORDER BY seq DESC LIMIT 1`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(pgColumns).
			AddRow("other", "c1", int64(4), "E", []byte(`{}`), "tailhash", "x", time.Now()))
	mock.ExpectRollback()

	_, err = s.Append(context.Background(), rec)
	require.ErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UniqueViolationIsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := New(db, Postgres)
	rec, err := storetest.Builder().Append("VOTE_CAST", storetest.Ballot("A", 1), "")
	require.NoError(t, err)
	rec.ChainID = "c1"

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs("c1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT 1 FROM audit_events`).WithArgs(rec.ID).WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectQuery(`ORDER BY seq DESC LIMIT 1`).WithArgs("c1").WillReturnRows(sqlmock.NewRows(pgColumns))
	mock.ExpectExec(`INSERT INTO audit_events`).WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key"})
	mock.ExpectRollback()

	_, err = s.Append(context.Background(), rec)
	require.ErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DuplicateID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := New(db, Postgres)
	rec, err := storetest.Builder().Append("VOTE_CAST", storetest.Ballot("A", 1), "")
	require.NoError(t, err)
	rec.ChainID = "c1"

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs("c1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT 1 FROM audit_events`).WithArgs(rec.ID).
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectRollback()

	_, err = s.Append(context.Background(), rec)
	require.ErrorIs(t, err, store.ErrDuplicateID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := New(db, Postgres)
	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT .* FROM audit_events WHERE chain_id = \$1 AND event_type = \$2 ORDER BY seq ASC LIMIT \$3`).
		WithArgs("c1", "VOTE_CAST", 10).
		WillReturnRows(sqlmock.NewRows(pgColumns).
			AddRow("r1", "c1", int64(1), "VOTE_CAST", []byte(`{"voter": "A"}`), "h1", nil, now).
			AddRow("r2", "c1", int64(2), "VOTE_CAST", []byte(`{"voter": "B"}`), "h2", "h1", now))

	recs, err := s.Query(context.Background(), "c1", store.QueryFilter{EventType: "VOTE_CAST", MaxResults: 10})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Empty(t, recs[0].PrevHash)
	assert.Equal(t, "h1", recs[1].PrevHash)
	assert.Equal(t, uint64(2), recs[1].Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := New(db, Postgres)
	mock.ExpectQuery(`SELECT .* FROM audit_events WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(pgColumns))

	_, err = s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgres_Init(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS audit_events`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE OR REPLACE FUNCTION audit_events_append_only`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, New(db, Postgres).Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2", Postgres.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = ? AND b = ?", SQLite.rebind("a = ? AND b = ?"))
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name)

	_, err = DialectFor("oracle")
	require.Error(t, err)
}

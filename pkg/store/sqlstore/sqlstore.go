// Package sqlstore implements a ChainStore on database/sql for Postgres and
// SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/Antoniskp/apofasifast/pkg/chain"
	"github.com/Antoniskp/apofasifast/pkg/store"
)

//go:embed migrations
var migrationsFS embed.FS

const columns = `id, chain_id, seq, event_type, payload, hash, prev_hash, created_at`

// Store persists chains in the audit_events table.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var (
	_ store.ChainStore = (*Store)(nil)
	_ store.Querier    = (*Store)(nil)
)

// New wraps an open database. Call Init before first use.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Init applies the embedded schema migrations for the dialect in order.
func (s *Store) Init(ctx context.Context) error {
	dir := path.Join("migrations", s.dialect.Name)
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("read %s migrations: %w", s.dialect.Name, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		script, err := migrationsFS.ReadFile(path.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(script)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Tail returns the highest-seq record of chainID.
func (s *Store) Tail(ctx context.Context, chainID string) (chain.Record, bool, error) {
	return s.tail(ctx, s.db, chainID)
}

func (s *Store) tail(ctx context.Context, q queryer, chainID string) (chain.Record, bool, error) {
	row := q.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT `+columns+` FROM audit_events WHERE chain_id = ? ORDER BY seq DESC LIMIT 1`),
		chainID,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chain.Record{}, false, nil
	}
	if err != nil {
		return chain.Record{}, false, fmt.Errorf("read tail of %q: %w", chainID, err)
	}
	return rec, true, nil
}

// Append inserts rec in one transaction after checking it links to the tail.
func (s *Store) Append(ctx context.Context, rec chain.Record) (chain.Record, error) {
	if err := store.ValidateRecord(rec); err != nil {
		return chain.Record{}, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chain.Record{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect.lockChain != "" {
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(s.dialect.lockChain), rec.ChainID); err != nil {
			return chain.Record{}, fmt.Errorf("lock chain %q: %w", rec.ChainID, err)
		}
	}

	var one int
	err = tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT 1 FROM audit_events WHERE id = ?`), rec.ID).Scan(&one)
	switch {
	case err == nil:
		return chain.Record{}, fmt.Errorf("%w: %s", store.ErrDuplicateID, rec.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return chain.Record{}, fmt.Errorf("check record id: %w", err)
	}

	tail, hasTail, err := s.tail(ctx, tx, rec.ChainID)
	if err != nil {
		return chain.Record{}, err
	}
	seq, err := store.NextSeq(tail, hasTail, rec)
	if err != nil {
		return chain.Record{}, err
	}
	rec.Seq = seq

	var prev any
	if rec.PrevHash != "" {
		prev = rec.PrevHash
	}
	_, err = tx.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO audit_events (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.ChainID, int64(rec.Seq), rec.EventType, string(rec.Payload), rec.Hash, prev,
		s.dialect.encodeTime(rec.CreatedAt),
	)
	if err != nil {
		if s.dialect.isUnique(err) {
			return chain.Record{}, fmt.Errorf("%w: %w", store.ErrConflict, err)
		}
		return chain.Record{}, fmt.Errorf("insert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if s.dialect.isUnique(err) {
			return chain.Record{}, fmt.Errorf("%w: %w", store.ErrConflict, err)
		}
		return chain.Record{}, fmt.Errorf("commit append: %w", err)
	}
	return rec, nil
}

// List returns every record of chainID ordered by seq.
func (s *Store) List(ctx context.Context, chainID string) ([]chain.Record, error) {
	return s.Query(ctx, chainID, store.QueryFilter{})
}

// Get returns a record by id.
func (s *Store) Get(ctx context.Context, id string) (chain.Record, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT `+columns+` FROM audit_events WHERE id = ?`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chain.Record{}, store.ErrNotFound
	}
	if err != nil {
		return chain.Record{}, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

// Query returns records of chainID matching filter, ordered by seq.
func (s *Store) Query(ctx context.Context, chainID string, filter store.QueryFilter) ([]chain.Record, error) {
	where := []string{"chain_id = ?"}
	args := []any{chainID}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.StartTime != nil {
		where = append(where, "created_at >= ?")
		args = append(args, s.dialect.encodeTime(*filter.StartTime))
	}
	if filter.EndTime != nil {
		where = append(where, "created_at <= ?")
		args = append(args, s.dialect.encodeTime(*filter.EndTime))
	}
	if filter.StartSeq > 0 {
		where = append(where, "seq >= ?")
		args = append(args, int64(filter.StartSeq))
	}
	if filter.EndSeq > 0 {
		where = append(where, "seq <= ?")
		args = append(args, int64(filter.EndSeq))
	}
	query := `SELECT ` + columns + ` FROM audit_events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq ASC`
	if filter.MaxResults > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.MaxResults)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list chain %q: %w", chainID, err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]chain.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chain %q: %w", chainID, err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (chain.Record, error) {
	var (
		rec     chain.Record
		seq     int64
		payload []byte
		prev    sql.NullString
		created dbTime
	)
	if err := row.Scan(&rec.ID, &rec.ChainID, &seq, &rec.EventType, &payload, &rec.Hash, &prev, &created); err != nil {
		return chain.Record{}, err
	}
	rec.Seq = uint64(seq)
	rec.Payload = payload
	rec.PrevHash = prev.String
	rec.CreatedAt = created.t
	return rec, nil
}

// dbTime scans TIMESTAMPTZ values and SQLite unix microseconds.
type dbTime struct{ t time.Time }

func (d *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		d.t = v.UTC()
	case int64:
		d.t = time.UnixMicro(v).UTC()
	case nil:
		d.t = time.Time{}
	default:
		return fmt.Errorf("unsupported created_at type %T", src)
	}
	return nil
}

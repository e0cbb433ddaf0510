package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteStore struct{ db *sql.DB }

func openSQLite(ctx context.Context, dsn string) (*sqliteStore, error) {
	path := strings.TrimPrefix(dsn, "sqlite://")
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	dbh, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// set WAL mode
	if _, err := dbh.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		_ = dbh.Close()
		return nil, err
	}
	if _, err := dbh.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
		_ = dbh.Close()
		return nil, err
	}
	if err := migrate(ctx, dbh); err != nil {
		_ = dbh.Close()
		return nil, err
	}
	return &sqliteStore{db: dbh}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS calls (
  id TEXT PRIMARY KEY,
  session TEXT NOT NULL,
  at INTEGER NOT NULL,
  sender TEXT NOT NULL,
  serial INTEGER NOT NULL,
  path TEXT NOT NULL,
  interface TEXT NOT NULL DEFAULT '',
  member TEXT NOT NULL,
  async INTEGER NOT NULL,
  outcome TEXT NOT NULL,
  error_name TEXT NOT NULL DEFAULT '',
  duration INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calls_at ON calls(at DESC);
CREATE INDEX IF NOT EXISTS idx_calls_session_at ON calls(session, at DESC);
`)
	return err
}

// Append writes recs in one transaction.
func (s *sqliteStore) Append(ctx context.Context, recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO calls(id, session, at, sender, serial, path, interface, member, async, outcome, error_name, duration) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, r.ID, r.Session, r.At.UTC().UnixNano(), r.Sender, int64(r.Serial), r.Path, r.Interface, r.Member, r.Async, r.Outcome, r.ErrorName, int64(r.Duration)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) List(ctx context.Context, q Query) ([]Record, error) {
	query := `SELECT id, session, at, sender, serial, path, interface, member, async, outcome, error_name, duration FROM calls`
	var (
		conds []string
		args  []any
	)
	if q.Session != "" {
		conds = append(conds, "session = ?")
		args = append(args, q.Session)
	}
	if q.Outcome != "" {
		conds = append(conds, "outcome = ?")
		args = append(args, q.Outcome)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "at >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if !q.Until.IsZero() {
		conds = append(conds, "at <= ?")
		args = append(args, q.Until.UTC().UnixNano())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY at DESC, rowid DESC LIMIT ?"
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			r      Record
			at     int64
			serial int64
			dur    int64
		)
		if err := rows.Scan(&r.ID, &r.Session, &at, &r.Sender, &serial, &r.Path, &r.Interface, &r.Member, &r.Async, &r.Outcome, &r.ErrorName, &dur); err != nil {
			return nil, err
		}
		r.At = time.Unix(0, at).UTC()
		r.Serial = uint32(serial)
		r.Duration = time.Duration(dur)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error { return s.db.Close() }

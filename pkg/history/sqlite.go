// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const historyTable = "execution_history"

// SQLiteStore persists history in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store backed by db and ensures the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	store := &SQLiteStore{db: db}
	if err := store.ensureSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// database/sql would otherwise hand out separate in-memory databases.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ensureSchema() error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			session TEXT NOT NULL,
			execution_count INTEGER NOT NULL,
			code TEXT NOT NULL,
			status TEXT NOT NULL,
			stdout TEXT NOT NULL DEFAULT '',
			stderr TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		)`, historyTable),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_session ON %s(session)", historyTable, historyTable),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_finished ON %s(finished_at)", historyTable, historyTable),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append inserts entry.
func (s *SQLiteStore) Append(ctx context.Context, entry Entry) (*Entry, error) {
	if err := validate(entry); err != nil {
		return nil, err
	}
	fill(&entry)
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, session, execution_count, code, status, stdout, stderr, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)", historyTable),
		entry.ID, entry.Session, entry.ExecutionCount, entry.Code, string(entry.Status),
		entry.Stdout, entry.Stderr, entry.StartedAt.UnixMilli(), entry.FinishedAt.UnixMilli())
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns entries matching filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	where, args := buildFilter(filter)
	limit := ""
	if filter.Limit > 0 {
		limit = fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	query := fmt.Sprintf("SELECT id, session, execution_count, code, status, stdout, stderr, started_at, finished_at FROM %s%s ORDER BY finished_at DESC, execution_count DESC%s", historyTable, where, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*Entry, 0)
	for rows.Next() {
		var (
			entry      Entry
			status     string
			startedMs  int64
			finishedMs int64
		)
		if err := rows.Scan(&entry.ID, &entry.Session, &entry.ExecutionCount, &entry.Code, &status,
			&entry.Stdout, &entry.Stderr, &startedMs, &finishedMs); err != nil {
			return nil, err
		}
		entry.Status = Status(status)
		entry.StartedAt = time.UnixMilli(startedMs).UTC()
		entry.FinishedAt = time.UnixMilli(finishedMs).UTC()
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// Prune deletes entries finished before the given time.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE finished_at < ?", historyTable), before.UTC().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func buildFilter(filter Filter) (string, []any) {
	var clauses []string
	var args []any
	if filter.Session != "" {
		clauses = append(clauses, "session = ?")
		args = append(args, filter.Session)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "finished_at >= ?")
		args = append(args, filter.Since.UTC().UnixMilli())
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

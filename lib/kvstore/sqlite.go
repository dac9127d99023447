// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/prison/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS groups (
	name TEXT PRIMARY KEY
) STRICT;

CREATE TABLE IF NOT EXISTS entries (
	group_name TEXT NOT NULL REFERENCES groups(name) ON DELETE CASCADE,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	PRIMARY KEY (group_name, key)
) STRICT;
`

// SQLite is the Store backed by a local SQLite database.
type SQLite struct {
	pool *sqlitepool.Pool
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		Schema: schema,
	})
	if err != nil {
		return nil, err
	}
	return &SQLite{pool: pool}, nil
}

// Read implements Store.
func (s *SQLite) Read(ctx context.Context, group, key string) ([]byte, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)

	var value []byte
	found := false
	err = sqlitex.Execute(conn, "SELECT value FROM entries WHERE group_name = ? AND key = ?", &sqlitex.ExecOptions{
		Args: []any{group, key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, value)
			found = true
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: reading %s/%s: %w", group, key, err)
	}
	return value, found, nil
}

// Save implements Store.
func (s *SQLite) Save(ctx context.Context, group, key string, value []byte) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("kvstore: begin: %w", err)
	}
	defer endTransaction(&err)

	if value == nil {
		return s.deleteLocked(conn, group, key)
	}

	if err := sqlitex.Execute(conn, "INSERT OR IGNORE INTO groups (name) VALUES (?)", &sqlitex.ExecOptions{
		Args: []any{group},
	}); err != nil {
		return fmt.Errorf("kvstore: creating group %s: %w", group, err)
	}
	if err := sqlitex.Execute(conn,
		"INSERT INTO entries (group_name, key, value) VALUES (?, ?, ?) ON CONFLICT (group_name, key) DO UPDATE SET value = excluded.value",
		&sqlitex.ExecOptions{Args: []any{group, key, value}},
	); err != nil {
		return fmt.Errorf("kvstore: writing %s/%s: %w", group, key, err)
	}
	return nil
}

func (s *SQLite) deleteLocked(conn *sqlite.Conn, group, key string) error {
	if err := sqlitex.Execute(conn, "DELETE FROM entries WHERE group_name = ? AND key = ?", &sqlitex.ExecOptions{
		Args: []any{group, key},
	}); err != nil {
		return fmt.Errorf("kvstore: deleting %s/%s: %w", group, key, err)
	}
	if err := sqlitex.Execute(conn,
		"DELETE FROM groups WHERE name = ? AND NOT EXISTS (SELECT 1 FROM entries WHERE group_name = ?)",
		&sqlitex.ExecOptions{Args: []any{group, group}},
	); err != nil {
		return fmt.Errorf("kvstore: pruning group %s: %w", group, err)
	}
	return nil
}

// Keys implements Store.
func (s *SQLite) Keys(ctx context.Context, group string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var keys []string
	err = sqlitex.Execute(conn, "SELECT key FROM entries WHERE group_name = ? ORDER BY key", &sqlitex.ExecOptions{
		Args: []any{group},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			keys = append(keys, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: listing %s: %w", group, err)
	}
	return keys, nil
}

// Groups lists every group that currently holds at least one key.
func (s *SQLite) Groups(ctx context.Context) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var groups []string
	err = sqlitex.Execute(conn, "SELECT name FROM groups ORDER BY name", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			groups = append(groups, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: listing groups: %w", err)
	}
	return groups, nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.pool.Close()
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite connection pool behind the
// prison key/group/value store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool and prepares every
// connection with the same pragmas:
//
//   - journal_mode=WAL: readers never block the single writer.
//   - synchronous=FULL: committed credentials survive power loss.
//   - busy_timeout=5000: concurrent prison processes wait for the
//     write lock instead of failing with SQLITE_BUSY.
//   - secure_delete=ON: deleted password rows are overwritten on disk.
//
// A Config.Schema script runs after the pragmas on each connection.
//
// The package exposes zombiezen's types directly. Callers write SQL
// and use sqlitex.Execute for cached statements.
package sqlitepool

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens fleetlink's SQLite databases.
//
// It wraps zombiezen's sqlitex.Pool with a fixed pragma set and an
// ordered list of schema migrations tracked in PRAGMA user_version.
// Callers [Pool.Take] a connection, write SQL with sqlitex.Execute, and
// [Pool.Put] it back. Connections are not safe for concurrent use.
//
// Every connection gets:
//
//   - journal_mode=WAL so the HTTP API can read while frames are being
//     cataloged
//   - synchronous=NORMAL: committed rows survive a process crash
//   - busy_timeout=5000
//   - cache_size=-8192 (8 MB per connection)
//   - temp_store=MEMORY
//
// Migrations run once, in Open, inside a single IMMEDIATE transaction.
// Migration i (zero-based) moves the database to user_version i+1; a
// database already at or past a version skips it.
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:       "/var/lib/fleetlink/catalog.db",
//	    Migrations: []string{schemaV1, schemaV2},
//	    Logger:     logger,
//	})
package sqlitepool

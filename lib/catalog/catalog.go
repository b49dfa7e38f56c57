// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog indexes stored media in SQLite: one row per
// single-shot image and one per recording. The files themselves live
// on disk (see lib/capture); the catalog answers "what did pi-1
// capture today" without walking directories.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/fleetlink/lib/sqlitepool"
)

// DefaultListLimit caps List queries given a non-positive limit.
const DefaultListLimit = 100

var migrations = []string{`
CREATE TABLE images (
	id          INTEGER PRIMARY KEY,
	client_id   TEXT    NOT NULL,
	stream_id   TEXT    NOT NULL,
	sequence    INTEGER NOT NULL,
	path        TEXT    NOT NULL,
	format      TEXT    NOT NULL,
	bytes       INTEGER NOT NULL,
	digest      TEXT    NOT NULL,
	captured_at INTEGER NOT NULL
);
CREATE INDEX images_by_client ON images (client_id, captured_at DESC);

CREATE TABLE recordings (
	id          INTEGER PRIMARY KEY,
	client_id   TEXT    NOT NULL,
	stream_id   TEXT    NOT NULL,
	path        TEXT    NOT NULL,
	frames      INTEGER NOT NULL,
	bytes       INTEGER NOT NULL,
	digest      TEXT    NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	failed      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX recordings_by_client ON recordings (client_id, started_at DESC);
`}

// Image is one cataloged single-shot capture.
type Image struct {
	ID         int64     `json:"id" cbor:"id"`
	ClientID   string    `json:"client_id" cbor:"client_id"`
	StreamID   string    `json:"stream_id" cbor:"stream_id"`
	Sequence   uint32    `json:"sequence" cbor:"sequence"`
	Path       string    `json:"path" cbor:"path"`
	Format     string    `json:"format" cbor:"format"`
	Bytes      int64     `json:"bytes" cbor:"bytes"`
	Digest     string    `json:"digest" cbor:"digest"`
	CapturedAt time.Time `json:"captured_at" cbor:"captured_at"`
}

// Recording is one cataloged video recording.
type Recording struct {
	ID         int64     `json:"id" cbor:"id"`
	ClientID   string    `json:"client_id" cbor:"client_id"`
	StreamID   string    `json:"stream_id" cbor:"stream_id"`
	Path       string    `json:"path" cbor:"path"`
	Frames     int       `json:"frames" cbor:"frames"`
	Bytes      int64     `json:"bytes" cbor:"bytes"`
	Digest     string    `json:"digest" cbor:"digest"`
	StartedAt  time.Time `json:"started_at" cbor:"started_at"`
	FinishedAt time.Time `json:"finished_at" cbor:"finished_at"`

	// Failed marks a recording cut short by a write error. The file
	// holds every frame up to the failure.
	Failed bool `json:"failed" cbor:"failed"`
}

// Config configures Open.
type Config struct {
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

// Catalog is the media index. Safe for concurrent use.
type Catalog struct {
	pool *sqlitepool.Pool
}

// Open opens or creates the catalog database.
func Open(cfg Config) (*Catalog, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:       cfg.Path,
		PoolSize:   cfg.PoolSize,
		Migrations: migrations,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return &Catalog{pool: pool}, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.pool.Close()
}

// AddImage inserts image and returns its row id.
func (c *Catalog) AddImage(ctx context.Context, image Image) (int64, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("catalog: add image: %w", err)
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO images
		(client_id, stream_id, sequence, path, format, bytes, digest, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			image.ClientID,
			image.StreamID,
			int64(image.Sequence),
			image.Path,
			image.Format,
			image.Bytes,
			image.Digest,
			image.CapturedAt.UnixNano(),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: inserting image %s: %w", image.Path, err)
	}
	return conn.LastInsertRowID(), nil
}

// AddRecording inserts recording and returns its row id.
func (c *Catalog) AddRecording(ctx context.Context, recording Recording) (int64, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("catalog: add recording: %w", err)
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO recordings
		(client_id, stream_id, path, frames, bytes, digest, started_at, finished_at, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			recording.ClientID,
			recording.StreamID,
			recording.Path,
			recording.Frames,
			recording.Bytes,
			recording.Digest,
			recording.StartedAt.UnixNano(),
			recording.FinishedAt.UnixNano(),
			recording.Failed,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: inserting recording %s: %w", recording.Path, err)
	}
	return conn.LastInsertRowID(), nil
}

// ListImages returns the newest images, optionally for one client.
func (c *Catalog) ListImages(ctx context.Context, clientID string, limit int) ([]Image, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: list images: %w", err)
	}
	defer c.pool.Put(conn)

	var images []Image
	err = sqlitex.Execute(conn, `SELECT
		id, client_id, stream_id, sequence, path, format, bytes, digest, captured_at
		FROM images
		WHERE ? = '' OR client_id = ?
		ORDER BY captured_at DESC, id DESC
		LIMIT ?`, &sqlitex.ExecOptions{
		Args: []any{clientID, clientID, listLimit(limit)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			images = append(images, Image{
				ID:         stmt.ColumnInt64(0),
				ClientID:   stmt.ColumnText(1),
				StreamID:   stmt.ColumnText(2),
				Sequence:   uint32(stmt.ColumnInt64(3)),
				Path:       stmt.ColumnText(4),
				Format:     stmt.ColumnText(5),
				Bytes:      stmt.ColumnInt64(6),
				Digest:     stmt.ColumnText(7),
				CapturedAt: time.Unix(0, stmt.ColumnInt64(8)).UTC(),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: list images: %w", err)
	}
	return images, nil
}

// ListRecordings returns the newest recordings, optionally for one
// client.
func (c *Catalog) ListRecordings(ctx context.Context, clientID string, limit int) ([]Recording, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: list recordings: %w", err)
	}
	defer c.pool.Put(conn)

	var recordings []Recording
	err = sqlitex.Execute(conn, `SELECT
		id, client_id, stream_id, path, frames, bytes, digest, started_at, finished_at, failed
		FROM recordings
		WHERE ? = '' OR client_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, &sqlitex.ExecOptions{
		Args: []any{clientID, clientID, listLimit(limit)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			recordings = append(recordings, Recording{
				ID:         stmt.ColumnInt64(0),
				ClientID:   stmt.ColumnText(1),
				StreamID:   stmt.ColumnText(2),
				Path:       stmt.ColumnText(3),
				Frames:     stmt.ColumnInt(4),
				Bytes:      stmt.ColumnInt64(5),
				Digest:     stmt.ColumnText(6),
				StartedAt:  time.Unix(0, stmt.ColumnInt64(7)).UTC(),
				FinishedAt: time.Unix(0, stmt.ColumnInt64(8)).UTC(),
				Failed:     stmt.ColumnBool(9),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: list recordings: %w", err)
	}
	return recordings, nil
}

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

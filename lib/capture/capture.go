// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package capture writes media to disk and indexes it in the catalog.
// A Store is both the media.ImageSink and the media.RecordingSink of a
// controller.
//
// Images are written whole to a temporary file and linked into place,
// so a reader never sees a partial JPEG. Recordings are MJPEG AVI
// files appended to as frames arrive. Neither ever replaces an
// existing file. Every finished file is hashed with BLAKE3 and
// cataloged.
package capture

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/fleetlink/lib/catalog"
	"github.com/bureau-foundation/fleetlink/lib/clock"
	"github.com/bureau-foundation/fleetlink/lib/media"
	"github.com/bureau-foundation/fleetlink/lib/mjpeg"
)

// indexTimeout bounds a catalog insert.
const indexTimeout = 5 * time.Second

// Index records stored files. *catalog.Catalog implements it.
type Index interface {
	AddImage(ctx context.Context, image catalog.Image) (int64, error)
	AddRecording(ctx context.Context, recording catalog.Recording) (int64, error)
}

// Config configures a Store.
type Config struct {
	ImagesDir     string
	RecordingsDir string

	// Index may be nil; files are then written but not cataloged.
	Index Index

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store is the on-disk media store.
type Store struct {
	imagesDir     string
	recordingsDir string
	index         Index
	clock         clock.Clock
	logger        *slog.Logger
}

// New creates the directories and returns a Store.
func New(config Config) (*Store, error) {
	if config.ImagesDir == "" || config.RecordingsDir == "" {
		return nil, fmt.Errorf("capture: ImagesDir and RecordingsDir are required")
	}
	for _, dir := range []string{config.ImagesDir, config.RecordingsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("capture: creating %s: %w", dir, err)
		}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		imagesDir:     config.ImagesDir,
		recordingsDir: config.RecordingsDir,
		index:         config.Index,
		clock:         config.Clock,
		logger:        config.Logger,
	}, nil
}

// StoreImage writes one capture and returns its path.
func (s *Store) StoreImage(image media.Image) (string, error) {
	format := image.Format
	if format == "" {
		format = media.DetectFormat(image.Data)
	}
	base := filepath.Join(s.imagesDir, fmt.Sprintf("img_%s_%s_seq%d",
		safeName(image.ClientID),
		image.CapturedAt.UTC().Format("20060102_150405"),
		image.Sequence,
	))
	path, err := writeFileAtomic(base, "."+format, image.Data)
	if err != nil {
		return "", fmt.Errorf("capture: writing %s: %w", base, err)
	}

	digest := blake3.Sum256(image.Data)
	if s.index != nil {
		ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
		defer cancel()
		_, err := s.index.AddImage(ctx, catalog.Image{
			ClientID:   image.ClientID,
			StreamID:   image.StreamID,
			Sequence:   image.Sequence,
			Path:       path,
			Format:     format,
			Bytes:      int64(len(image.Data)),
			Digest:     hex.EncodeToString(digest[:]),
			CapturedAt: image.CapturedAt,
		})
		if err != nil {
			// The file is on disk; only the index entry is missing.
			s.logger.Warn("cataloging image failed", "path", path, "error", err)
		}
	}
	return path, nil
}

// maxNameAttempts bounds the numeric suffixes tried when a file name
// is taken.
const maxNameAttempts = 1000

// OpenRecording creates the AVI file for a stream recording. An
// existing recording is never overwritten: a second recording of the
// stream within the same second gets a numeric suffix.
func (s *Store) OpenRecording(info media.RecordingInfo) (media.Recorder, error) {
	base := filepath.Join(s.recordingsDir,
		fmt.Sprintf("%s_%s_%d", safeName(info.StreamID), safeName(info.ClientID), info.StartedAt.Unix()))
	options := mjpeg.Options{Width: info.Width, Height: info.Height, FPS: info.FPS}
	for attempt := range maxNameAttempts {
		writer, err := mjpeg.Create(numberedPath(base, ".avi", attempt), options)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("capture: %w", err)
		}
		return &recorder{store: s, info: info, writer: writer}, nil
	}
	return nil, fmt.Errorf("capture: no free recording name for %s after %d attempts", base, maxNameAttempts)
}

// recorder is a media.Recorder over an MJPEG writer.
type recorder struct {
	store  *Store
	info   media.RecordingInfo
	writer *mjpeg.Writer
}

func (r *recorder) WriteFrame(jpeg []byte) error { return r.writer.WriteFrame(jpeg) }

func (r *recorder) Path() string { return r.writer.Path() }

func (r *recorder) Finish(failed bool) error {
	closeErr := r.writer.Close()
	if r.store.index == nil {
		return closeErr
	}

	digest, size, err := hashFile(r.writer.Path())
	if err != nil {
		r.store.logger.Warn("hashing recording failed", "path", r.writer.Path(), "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
	defer cancel()
	_, err = r.store.index.AddRecording(ctx, catalog.Recording{
		ClientID:   r.info.ClientID,
		StreamID:   r.info.StreamID,
		Path:       r.writer.Path(),
		Frames:     r.writer.Frames(),
		Bytes:      size,
		Digest:     digest,
		StartedAt:  r.info.StartedAt,
		FinishedAt: r.store.clock.Now(),
		Failed:     failed || closeErr != nil,
	})
	if err != nil {
		r.store.logger.Warn("cataloging recording failed", "path", r.writer.Path(), "error", err)
	}
	return closeErr
}

// Digest returns the hex BLAKE3-256 digest of data, as stored in the
// catalog.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()
	hasher := blake3.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return "", size, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// numberedPath is base+ext for the first attempt and base_N+ext after.
func numberedPath(base, ext string, attempt int) string {
	if attempt == 0 {
		return base + ext
	}
	return fmt.Sprintf("%s_%d%s", base, attempt, ext)
}

// writeFileAtomic writes data to a temporary file and links it into
// place under the first free numbered name. An existing file is never
// replaced.
func writeFileAtomic(base, ext string, data []byte) (string, error) {
	temporary, err := os.CreateTemp(filepath.Dir(base), ".partial-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(temporary.Name())
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		return "", err
	}
	if err := temporary.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(temporary.Name(), 0o644); err != nil {
		return "", err
	}
	for attempt := range maxNameAttempts {
		path := numberedPath(base, ext, attempt)
		err := os.Link(temporary.Name(), path)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		return path, nil
	}
	return "", fmt.Errorf("no free name for %s%s after %d attempts", base, ext, maxNameAttempts)
}

// safeName keeps client and stream ids usable as file name parts.
func safeName(name string) string {
	if name == "" {
		return "unnamed"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, name)
}

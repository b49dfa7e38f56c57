// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mjpeg

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// file is the part of *os.File a Writer uses.
type file interface {
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
}

// Writer appends JPEG frames to an AVI file. It is not safe for
// concurrent use; the stream that owns it serializes calls.
//
// Frames are written in place at the end of the movi list. A frame
// whose write fails is not counted, and the next frame or the index
// overwrites whatever part of it reached the disk.
type Writer struct {
	path    string
	file    file
	options Options

	state   headerState
	index   []byte
	scratch []byte
	closed  bool
}

// Create creates path and writes a provisional header. It fails with
// an error matching os.ErrExist if path already exists.
func Create(path string, options Options) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mjpeg: creating %s: %w", path, err)
	}
	writer, err := newWriter(path, f, options)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return writer, nil
}

func newWriter(path string, f file, options Options) (*Writer, error) {
	options = options.withDefaults()
	if _, err := f.WriteAt(buildHeader(options, headerState{}), 0); err != nil {
		return nil, fmt.Errorf("mjpeg: writing header to %s: %w", path, err)
	}
	return &Writer{path: path, file: f, options: options}, nil
}

// Path returns the file being written.
func (w *Writer) Path() string { return w.path }

// Frames returns the number of frames written so far.
func (w *Writer) Frames() int { return int(w.state.frames) }

// Bytes returns the file size the writer has produced so far, not
// counting the index Close appends.
func (w *Writer) Bytes() int64 { return int64(headerSize) + int64(w.state.moviBytes) }

// WriteFrame appends one JPEG frame.
func (w *Writer) WriteFrame(jpeg []byte) error {
	if w.closed {
		return ErrClosed
	}
	padded := uint32(len(jpeg))
	if padded%2 == 1 {
		padded++
	}
	chunk := w.scratch[:0]
	chunk = append(chunk, fourcc00dc[:]...)
	chunk = binary.LittleEndian.AppendUint32(chunk, uint32(len(jpeg)))
	chunk = append(chunk, jpeg...)
	if uint32(len(jpeg)) != padded {
		chunk = append(chunk, 0)
	}
	w.scratch = chunk

	end := w.end()
	if _, err := w.file.WriteAt(chunk, end); err != nil {
		return fmt.Errorf("mjpeg: writing frame %d: %w", w.state.frames, err)
	}

	var entry [16]byte
	copy(entry[:4], fourcc00dc[:])
	binary.LittleEndian.PutUint32(entry[4:], indexFlagKey)
	binary.LittleEndian.PutUint32(entry[8:], uint32(end)-moviOffset)
	binary.LittleEndian.PutUint32(entry[12:], uint32(len(jpeg)))
	w.index = append(w.index, entry[:]...)

	w.state.frames++
	w.state.moviBytes += 8 + padded
	if uint32(len(jpeg)) > w.state.maxFrame {
		w.state.maxFrame = uint32(len(jpeg))
	}
	return nil
}

// end is the offset just past the last good frame.
func (w *Writer) end() int64 { return int64(headerSize) + int64(w.state.moviBytes) }

// Close appends the index, rewrites the header with the final counts
// and closes the file. The file is valid afterwards even if an earlier
// WriteFrame failed: bytes of a failed frame are cut off. A second
// Close returns nil.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	end := w.end()
	trailer := make([]byte, 0, 8+len(w.index))
	trailer = append(trailer, fourccIdx1[:]...)
	trailer = binary.LittleEndian.AppendUint32(trailer, uint32(len(w.index)))
	trailer = append(trailer, w.index...)

	_, err := w.file.WriteAt(trailer, end)
	if err == nil {
		err = w.file.Truncate(end + int64(len(trailer)))
	}
	if err == nil {
		w.state.fileBytes = uint32(end) + uint32(len(trailer))
		_, err = w.file.WriteAt(buildHeader(w.options, w.state), 0)
	}
	if err == nil {
		err = w.file.Sync()
	}
	if closeErr := w.file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("mjpeg: finalizing %s: %w", w.path, err)
	}
	return nil
}

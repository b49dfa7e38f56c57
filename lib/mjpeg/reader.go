// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mjpeg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// Info summarizes a recording.
type Info struct {
	Width  int `json:"width" cbor:"width"`
	Height int `json:"height" cbor:"height"`
	FPS    int `json:"fps" cbor:"fps"`

	// Frames is the number of frame chunks found in the file.
	Frames int `json:"frames" cbor:"frames"`

	// Finalized is true when the file has an index and the header
	// counts match the chunks.
	Finalized bool `json:"finalized" cbor:"finalized"`
}

// ReadFrames returns every frame in path, in recorded order.
func ReadFrames(path string) ([][]byte, error) {
	_, frames, err := read(path)
	return frames, err
}

// Inspect reads the header and counts frames in path.
func Inspect(path string) (Info, error) {
	info, _, err := read(path)
	return info, err
}

func read(path string) (Info, [][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, nil, fmt.Errorf("mjpeg: reading %s: %w", path, err)
	}
	if len(data) < headerSize ||
		!bytes.Equal(data[0:4], fourccRIFF[:]) ||
		!bytes.Equal(data[8:12], fourccAVI[:]) ||
		!bytes.Equal(data[212:216], fourccLIST[:]) ||
		!bytes.Equal(data[220:224], fourccMovi[:]) {
		return Info{}, nil, fmt.Errorf("%w: %s", ErrNotAVI, path)
	}

	le := binary.LittleEndian
	info := Info{
		Width:  int(le.Uint32(data[64:])),
		Height: int(le.Uint32(data[68:])),
		FPS:    int(le.Uint32(data[132:])),
	}
	headerFrames := int(le.Uint32(data[48:]))

	// An unfinalized file carries a movi size of 4; scan to the end.
	end := len(data)
	if moviSize := int(le.Uint32(data[216:])); moviSize > 4 && moviOffset+moviSize <= len(data) {
		end = moviOffset + moviSize
	}

	var frames [][]byte
	position := headerSize
	for position+8 <= end {
		id := data[position : position+4]
		size := int(le.Uint32(data[position+4:]))
		if bytes.Equal(id, fourccIdx1[:]) {
			break
		}
		body := position + 8
		if body+size > len(data) {
			// Truncated final chunk from an interrupted write.
			break
		}
		if bytes.Equal(id, fourcc00dc[:]) {
			frames = append(frames, data[body:body+size])
		}
		position = body + size + size%2
	}

	// The index follows the movi list.
	indexed := position+8 <= len(data) && bytes.Equal(data[position:position+4], fourccIdx1[:])

	info.Frames = len(frames)
	info.Finalized = indexed && headerFrames == len(frames)
	return info, frames, nil
}

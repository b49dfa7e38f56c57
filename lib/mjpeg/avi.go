// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mjpeg writes and reads Motion-JPEG AVI files, the container
// video recordings are stored in.
//
// The layout is a single-stream RIFF AVI:
//
//	RIFF 'AVI '
//	  LIST 'hdrl'
//	    avih
//	    LIST 'strl'
//	      strh ('vids', 'MJPG')
//	      strf (BITMAPINFOHEADER)
//	  LIST 'movi'
//	    00dc ... one chunk per JPEG frame
//	  idx1
//
// The header is written with zero counts when the file is created and
// rewritten with the final counts and sizes by [Writer.Close]. A file
// whose writer never closed still holds every frame written; [ReadFrames]
// falls back to scanning the movi list to the end of the file.
package mjpeg

import (
	"encoding/binary"
	"errors"
)

// Errors returned by the reader and writer.
var (
	ErrNotAVI = errors.New("mjpeg: not a RIFF AVI file")
	ErrClosed = errors.New("mjpeg: writer is closed")
)

const (
	// headerSize is everything before the first movi chunk.
	headerSize = 224

	// moviOffset is the position of the 'movi' fourcc. idx1 offsets
	// are relative to it.
	moviOffset = 220

	avihFlagHasIndex = 0x10
	indexFlagKey     = 0x10
)

var (
	fourccRIFF = [4]byte{'R', 'I', 'F', 'F'}
	fourccAVI  = [4]byte{'A', 'V', 'I', ' '}
	fourccLIST = [4]byte{'L', 'I', 'S', 'T'}
	fourccHdrl = [4]byte{'h', 'd', 'r', 'l'}
	fourccAvih = [4]byte{'a', 'v', 'i', 'h'}
	fourccStrl = [4]byte{'s', 't', 'r', 'l'}
	fourccStrh = [4]byte{'s', 't', 'r', 'h'}
	fourccStrf = [4]byte{'s', 't', 'r', 'f'}
	fourccVids = [4]byte{'v', 'i', 'd', 's'}
	fourccMJPG = [4]byte{'M', 'J', 'P', 'G'}
	fourccMovi = [4]byte{'m', 'o', 'v', 'i'}
	fourccIdx1 = [4]byte{'i', 'd', 'x', '1'}
	fourcc00dc = [4]byte{'0', '0', 'd', 'c'}
)

// Options describe the video stream. Zero fields take the defaults
// used by agents for start_video_stream: 640x480 at 10 fps.
type Options struct {
	Width  int
	Height int
	FPS    int
}

func (o Options) withDefaults() Options {
	if o.Width <= 0 {
		o.Width = 640
	}
	if o.Height <= 0 {
		o.Height = 480
	}
	if o.FPS <= 0 {
		o.FPS = 10
	}
	return o
}

// headerState is what Close knows that Create did not.
type headerState struct {
	frames    uint32
	maxFrame  uint32
	moviBytes uint32 // chunk bytes after the 'movi' fourcc
	fileBytes uint32
}

// buildHeader renders the fixed-size header block.
func buildHeader(options Options, state headerState) []byte {
	header := make([]byte, headerSize)
	le := binary.LittleEndian
	put4 := func(offset int, fourcc [4]byte) { copy(header[offset:], fourcc[:]) }

	riffSize := uint32(headerSize - 8)
	if state.fileBytes > 8 {
		riffSize = state.fileBytes - 8
	}
	put4(0, fourccRIFF)
	le.PutUint32(header[4:], riffSize)
	put4(8, fourccAVI)

	put4(12, fourccLIST)
	le.PutUint32(header[16:], 212-20)
	put4(20, fourccHdrl)

	microsPerFrame := uint32(1_000_000 / options.FPS)
	put4(24, fourccAvih)
	le.PutUint32(header[28:], 56)
	le.PutUint32(header[32:], microsPerFrame)
	le.PutUint32(header[36:], state.maxFrame*uint32(options.FPS))
	le.PutUint32(header[40:], 0)
	le.PutUint32(header[44:], avihFlagHasIndex)
	le.PutUint32(header[48:], state.frames)
	le.PutUint32(header[52:], 0)
	le.PutUint32(header[56:], 1)
	le.PutUint32(header[60:], state.maxFrame)
	le.PutUint32(header[64:], uint32(options.Width))
	le.PutUint32(header[68:], uint32(options.Height))

	put4(88, fourccLIST)
	le.PutUint32(header[92:], 212-96)
	put4(96, fourccStrl)

	put4(100, fourccStrh)
	le.PutUint32(header[104:], 56)
	put4(108, fourccVids)
	put4(112, fourccMJPG)
	le.PutUint32(header[128:], 1)
	le.PutUint32(header[132:], uint32(options.FPS))
	le.PutUint32(header[140:], state.frames)
	le.PutUint32(header[144:], state.maxFrame)
	le.PutUint32(header[148:], 0xFFFFFFFF)
	le.PutUint16(header[160:], uint16(options.Width))
	le.PutUint16(header[162:], uint16(options.Height))

	put4(164, fourccStrf)
	le.PutUint32(header[168:], 40)
	le.PutUint32(header[172:], 40)
	le.PutUint32(header[176:], uint32(options.Width))
	le.PutUint32(header[180:], uint32(options.Height))
	le.PutUint16(header[184:], 1)
	le.PutUint16(header[186:], 24)
	put4(188, fourccMJPG)
	le.PutUint32(header[192:], uint32(options.Width*options.Height*3))

	put4(212, fourccLIST)
	le.PutUint32(header[216:], 4+state.moviBytes)
	put4(220, fourccMovi)
	return header
}

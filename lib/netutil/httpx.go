// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds small I/O helpers shared by the controller's
// HTTP API, the operator socket and live viewers.
//
// Request body helpers (ReadBody, DecodeJSON) bound every read so a
// misbehaving client cannot make the controller buffer without limit.
// IsExpectedCloseError classifies errors from peers that simply went
// away, which callers log quietly.
package netutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrBodyTooLarge is returned when a body exceeds its limit.
var ErrBodyTooLarge = errors.New("netutil: body exceeds limit")

// ReadBody reads body up to limit bytes. A body longer than limit
// returns ErrBodyTooLarge instead of a truncated read.
func ReadBody(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w of %d bytes", ErrBodyTooLarge, limit)
	}
	return data, nil
}

// DecodeJSON reads body with ReadBody and decodes it into v. An empty
// body leaves v untouched and reports false.
func DecodeJSON(body io.Reader, limit int64, v any) (bool, error) {
	data, err := ReadBody(body, limit)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

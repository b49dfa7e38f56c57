// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the CBOR configuration for the operator socket.
// Requests and responses on that socket are CBOR maps keyed by string;
// every encoder and decoder in fleetlink comes from here so both ends
// agree on the options.
package codec

import (
	"io"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	// Status snapshots carry time.Time fields; RFC 3339 text keeps them
	// readable in diagnostic dumps.
	encOptions.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: building CBOR encoder: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Command params arrive as map[string]any and are forwarded to
		// encoding/json, which rejects map[any]any.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: 32,
	}.DecMode()
	if err != nil {
		panic("codec: building CBOR decoder: " + err.Error())
	}
}

// Marshal encodes v with core deterministic encoding.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes CBOR data into v. Unknown map keys are ignored.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// RawMessage is an undecoded CBOR item.
type RawMessage = cbor.RawMessage

// Encoder and Decoder are the stream forms used on socket connections.
type (
	Encoder = cbor.Encoder
	Decoder = cbor.Decoder
)

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder { return encMode.NewEncoder(w) }

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder { return decMode.NewDecoder(r) }

// Duration is a time.Duration carried on the wire as its String form
// ("30s"), so operator CLIs can pass what the user typed.
type Duration time.Duration

// MarshalCBOR encodes the duration as text.
func (d Duration) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(time.Duration(d).String())
}

// UnmarshalCBOR accepts text ("1m30s") or an integer count of
// nanoseconds.
func (d *Duration) UnmarshalCBOR(data []byte) error {
	var text string
	if err := decMode.Unmarshal(data, &text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var nanoseconds int64
	if err := decMode.Unmarshal(data, &nanoseconds); err != nil {
		return err
	}
	*d = Duration(nanoseconds)
	return nil
}

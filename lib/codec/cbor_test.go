// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
	"time"
)

func TestMarshalIsDeterministic(t *testing.T) {
	t.Parallel()
	first, err := Marshal(map[string]any{"stream_id": "s1", "action": "stream-start", "fps": 10})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 20 {
		again, err := Marshal(map[string]any{"fps": 10, "action": "stream-start", "stream_id": "s1"})
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding changed between calls: %x vs %x", first, again)
		}
	}
}

func TestUnmarshalNestedMapsUseStringKeys(t *testing.T) {
	t.Parallel()
	data, err := Marshal(map[string]any{"params": map[string]any{"text": "hello"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	params, ok := decoded["params"].(map[string]any)
	if !ok {
		t.Fatalf("params decoded as %T, want map[string]any", decoded["params"])
	}
	if params["text"] != "hello" {
		t.Errorf("params[text] = %v", params["text"])
	}
}

func TestDurationAcceptsTextAndNanoseconds(t *testing.T) {
	t.Parallel()
	type request struct {
		Timeout Duration `cbor:"timeout"`
	}

	fromText, _ := Marshal(map[string]any{"timeout": "1m30s"})
	var decoded request
	if err := Unmarshal(fromText, &decoded); err != nil {
		t.Fatalf("Unmarshal text: %v", err)
	}
	if time.Duration(decoded.Timeout) != 90*time.Second {
		t.Errorf("text timeout = %v, want 1m30s", time.Duration(decoded.Timeout))
	}

	fromInteger, _ := Marshal(map[string]any{"timeout": int64(2 * time.Second)})
	if err := Unmarshal(fromInteger, &decoded); err != nil {
		t.Fatalf("Unmarshal integer: %v", err)
	}
	if time.Duration(decoded.Timeout) != 2*time.Second {
		t.Errorf("integer timeout = %v, want 2s", time.Duration(decoded.Timeout))
	}

	encoded, err := Marshal(request{Timeout: Duration(5 * time.Second)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var text map[string]string
	if err := Unmarshal(encoded, &text); err != nil {
		t.Fatalf("Unmarshal as text: %v", err)
	}
	if text["timeout"] != "5s" {
		t.Errorf("encoded timeout = %q, want 5s", text["timeout"])
	}
}

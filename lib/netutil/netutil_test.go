// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
)

func TestReadBody(t *testing.T) {
	data, err := ReadBody(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Errorf("ReadBody at the limit = %q, %v", data, err)
	}
	if _, err := ReadBody(strings.NewReader("hello!"), 5); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("ReadBody over the limit: %v, want ErrBodyTooLarge", err)
	}
	if _, err := ReadBody(&failReader{}, 5); err == nil {
		t.Error("ReadBody swallowed a read error")
	}
}

func TestDecodeJSON(t *testing.T) {
	var value struct {
		Text string `json:"text"`
	}
	present, err := DecodeJSON(strings.NewReader(`{"text":"hi"}`), 64, &value)
	if err != nil || !present || value.Text != "hi" {
		t.Errorf("DecodeJSON = %v, %v, %+v", present, err, value)
	}

	value.Text = "kept"
	present, err = DecodeJSON(strings.NewReader(""), 64, &value)
	if err != nil || present || value.Text != "kept" {
		t.Errorf("empty body: present=%v err=%v value=%+v", present, err, value)
	}

	if _, err := DecodeJSON(strings.NewReader(`{"text":`), 64, &value); err == nil {
		t.Error("truncated JSON decoded")
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{fmt.Errorf("reading: %w", io.ErrUnexpectedEOF), true},
		{net.ErrClosed, true},
		{&net.OpError{Op: "write", Err: os.NewSyscallError("write", syscall.EPIPE)}, true},
		{&net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, true},
		{&net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, false},
		{errors.New("disk full"), false},
	}
	for _, test := range tests {
		if got := IsExpectedCloseError(test.err); got != test.want {
			t.Errorf("IsExpectedCloseError(%v) = %v, want %v", test.err, got, test.want)
		}
	}
}

type failReader struct{}

func (*failReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/fleetlink/lib/clock"
	"github.com/bureau-foundation/fleetlink/lib/testutil"
	"github.com/bureau-foundation/fleetlink/lib/wire"
)

// fakeTransport records commands. Clients missing from connections are
// not connected. duringSend, when set, runs inside each write with the
// connection id; its error fails the write.
type fakeTransport struct {
	mu          sync.Mutex
	connections map[string]string
	sent        []*wire.Command
	duringSend  func(connectionID string) error
}

func newFakeTransport(connections map[string]string) *fakeTransport {
	return &fakeTransport{connections: connections}
}

func (f *fakeTransport) Connection(clientID string) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	connectionID, ok := f.connections[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotConnected, clientID)
	}
	return &fakeConnection{transport: f, id: connectionID}, nil
}

type fakeConnection struct {
	transport *fakeTransport
	id        string
}

func (c *fakeConnection) ID() string { return c.id }

func (c *fakeConnection) Send(message wire.Message) error {
	f := c.transport
	f.mu.Lock()
	hook := f.duringSend
	f.mu.Unlock()
	if hook != nil {
		if err := hook(c.id); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message.(*wire.Command))
	return nil
}

func (f *fakeTransport) last() *wire.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

var epoch = time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) (*clock.FakeClock, *fakeTransport, *Dispatcher) {
	t.Helper()
	fake := clock.Fake(epoch)
	transport := newFakeTransport(map[string]string{"pi-1": "conn-1", "phone": "conn-2"})
	dispatcher := New(Config{Transport: transport, Clock: fake, Logger: testutil.Logger(t)})
	return fake, transport, dispatcher
}

func TestCaptureImageResolvesWithPayload(t *testing.T) {
	t.Parallel()
	_, transport, dispatcher := newFixture(t)

	call, err := dispatcher.Send("pi-1", "capture_image", nil, 0)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := transport.last()
	if sent.CommandID != call.ID || sent.Action != "capture_image" {
		t.Fatalf("transport got %+v, want id %s", sent, call.ID)
	}
	if !dispatcher.Pending(call.ID) {
		t.Fatal("call is not pending after Send")
	}

	err = dispatcher.Resolve("pi-1", &wire.CommandResponse{
		CommandID: call.ID,
		Status:    wire.StatusSuccess,
		Data:      json.RawMessage(`{"format":"jpg"}`),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	result, err := call.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Status != wire.StatusSuccess || string(result.Data) != `{"format":"jpg"}` {
		t.Fatalf("result = %+v", result)
	}
	if dispatcher.Pending(call.ID) || dispatcher.PendingCount() != 0 {
		t.Fatal("pending entry survived resolution")
	}
}

func TestTimeoutThenLateResponseIsDiscarded(t *testing.T) {
	t.Parallel()
	fake, _, dispatcher := newFixture(t)

	call, err := dispatcher.Send("phone", "speak_text", map[string]string{"text": "hello"}, 30*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if call.Deadline != epoch.Add(30*time.Second) {
		t.Errorf("Deadline = %v", call.Deadline)
	}

	fake.Advance(29 * time.Second)
	select {
	case <-call.Done():
		t.Fatal("call settled before its deadline")
	default:
	}

	fake.Advance(time.Second)
	testutil.RequireClosed(t, call.Done(), 5*time.Second, "timeout settlement")
	if _, err := call.Outcome(); !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("Outcome error = %v, want ErrCommandTimeout", err)
	}

	fake.Advance(time.Second)
	err = dispatcher.Resolve("phone", &wire.CommandResponse{CommandID: call.ID, Status: wire.StatusSuccess})
	if !errors.Is(err, ErrUnknownCommandResponse) {
		t.Fatalf("late Resolve error = %v, want ErrUnknownCommandResponse", err)
	}
	if _, err := call.Outcome(); !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("late response changed the outcome to %v", err)
	}
	if dispatcher.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d", dispatcher.PendingCount())
	}
}

func TestUnknownResponseLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	_, _, dispatcher := newFixture(t)
	call, _ := dispatcher.Send("pi-1", "speak_text", nil, 0)

	for _, response := range []struct {
		client string
		id     string
	}{
		{"pi-1", "never-issued"},
		{"phone", call.ID},
	} {
		err := dispatcher.Resolve(response.client, &wire.CommandResponse{CommandID: response.id, Status: wire.StatusSuccess})
		if !errors.Is(err, ErrUnknownCommandResponse) {
			t.Errorf("Resolve(%s, %s) = %v, want ErrUnknownCommandResponse", response.client, response.id, err)
		}
	}
	if !dispatcher.Pending(call.ID) || dispatcher.PendingCount() != 1 {
		t.Fatal("unknown responses changed the pending table")
	}
	select {
	case <-call.Done():
		t.Fatal("call settled by a response from another client")
	default:
	}
}

func TestDuplicateResponseIsNoOp(t *testing.T) {
	t.Parallel()
	_, _, dispatcher := newFixture(t)
	call, _ := dispatcher.Send("pi-1", "capture_image", nil, 0)

	first := &wire.CommandResponse{CommandID: call.ID, Status: wire.StatusSuccess, Data: json.RawMessage(`1`)}
	second := &wire.CommandResponse{CommandID: call.ID, Status: wire.StatusError, ErrorMessage: "late"}
	if err := dispatcher.Resolve("pi-1", first); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if err := dispatcher.Resolve("pi-1", second); !errors.Is(err, ErrUnknownCommandResponse) {
		t.Fatalf("second Resolve = %v", err)
	}
	result, err := call.Outcome()
	if err != nil || string(result.Data) != "1" {
		t.Fatalf("Outcome = %+v, %v; want the first response", result, err)
	}
}

func TestFailedCommandIsDistinctFromTimeout(t *testing.T) {
	t.Parallel()
	_, _, dispatcher := newFixture(t)
	call, _ := dispatcher.Send("pi-1", "start_video_stream", nil, 0)

	dispatcher.Resolve("pi-1", &wire.CommandResponse{
		CommandID:    call.ID,
		Status:       wire.StatusError,
		ErrorMessage: "camera busy",
	})

	result, err := call.Outcome()
	var failed *CommandFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Outcome error = %v, want *CommandFailedError", err)
	}
	if errors.Is(err, ErrCommandTimeout) {
		t.Fatal("a rejected command reported as a timeout")
	}
	if failed.Message != "camera busy" || failed.Action != "start_video_stream" {
		t.Errorf("failure = %+v", failed)
	}
	if result.Status != wire.StatusError {
		t.Errorf("result status = %q", result.Status)
	}
}

func TestFailConnectionOnlyTouchesThatConnection(t *testing.T) {
	t.Parallel()
	_, _, dispatcher := newFixture(t)
	lost, _ := dispatcher.Send("pi-1", "speak_text", nil, 0)
	kept, _ := dispatcher.Send("phone", "speak_text", nil, 0)

	if failed := dispatcher.FailConnection("conn-1"); failed != 1 {
		t.Fatalf("FailConnection settled %d calls, want 1", failed)
	}
	if _, err := lost.Outcome(); !errors.Is(err, ErrClientDisconnected) {
		t.Fatalf("lost call error = %v", err)
	}
	if !dispatcher.Pending(kept.ID) {
		t.Fatal("call on another connection was settled")
	}
}

func TestConnectionClosingDuringWriteFailsCall(t *testing.T) {
	t.Parallel()
	fake, transport, dispatcher := newFixture(t)

	for _, writeFails := range []bool{false, true} {
		transport.mu.Lock()
		transport.duringSend = func(connectionID string) error {
			dispatcher.FailConnection(connectionID)
			if writeFails {
				return errors.New("use of closed network connection")
			}
			return nil
		}
		transport.mu.Unlock()

		call, err := dispatcher.Send("pi-1", "speak_text", nil, time.Second)
		if err != nil {
			t.Fatalf("Send (write fails %v): %v", writeFails, err)
		}
		testutil.RequireClosed(t, call.Done(), time.Second, "call settled by the close")
		if _, err := call.Outcome(); !errors.Is(err, ErrClientDisconnected) {
			t.Fatalf("write fails %v: outcome = %v, want ErrClientDisconnected", writeFails, err)
		}
		if dispatcher.Pending(call.ID) {
			t.Fatal("settled call still pending")
		}
	}
	if pending := fake.Pending(); pending != 0 {
		t.Errorf("%d timers armed for settled calls", pending)
	}
}

func TestWriteFailureIsReportedToCaller(t *testing.T) {
	t.Parallel()
	_, transport, dispatcher := newFixture(t)
	transport.duringSend = func(string) error { return errors.New("broken pipe") }

	call, err := dispatcher.Send("pi-1", "speak_text", nil, 0)
	if !errors.Is(err, ErrClientNotConnected) || call != nil {
		t.Fatalf("Send = %v, %v; want ErrClientNotConnected", call, err)
	}
	if dispatcher.PendingCount() != 0 {
		t.Fatal("failed write left a pending entry")
	}
}

func TestSendToDisconnectedClient(t *testing.T) {
	t.Parallel()
	_, _, dispatcher := newFixture(t)
	call, err := dispatcher.Send("ghost", "speak_text", nil, 0)
	if !errors.Is(err, ErrClientNotConnected) || call != nil {
		t.Fatalf("Send = %v, %v; want ErrClientNotConnected", call, err)
	}
	if dispatcher.PendingCount() != 0 {
		t.Fatal("failed send left a pending entry")
	}
}

func TestRepeatedSendsGetDistinctIDs(t *testing.T) {
	t.Parallel()
	_, _, dispatcher := newFixture(t)
	seen := make(map[string]bool)
	for range 100 {
		call, err := dispatcher.Send("pi-1", "speak_text", nil, 0)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if seen[call.ID] {
			t.Fatalf("duplicate command id %s", call.ID)
		}
		seen[call.ID] = true
	}
}

func TestResolveRacingTimeoutSettlesOnce(t *testing.T) {
	t.Parallel()
	fake, _, dispatcher := newFixture(t)
	calls := make([]*Call, 50)
	for i := range calls {
		calls[i], _ = dispatcher.Send("pi-1", "speak_text", nil, time.Second)
	}

	var wait sync.WaitGroup
	wait.Add(2)
	go func() {
		defer wait.Done()
		fake.Advance(time.Second)
	}()
	go func() {
		defer wait.Done()
		for _, call := range calls {
			dispatcher.Resolve("pi-1", &wire.CommandResponse{CommandID: call.ID, Status: wire.StatusSuccess})
		}
	}()
	wait.Wait()

	for _, call := range calls {
		_, err := call.Outcome()
		if err != nil && !errors.Is(err, ErrCommandTimeout) {
			t.Fatalf("call %s settled with %v", call.ID, err)
		}
	}
	if dispatcher.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d", dispatcher.PendingCount())
	}
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()
	_, _, dispatcher := newFixture(t)
	call, _ := dispatcher.Send("pi-1", "speak_text", nil, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := call.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait = %v, want context.Canceled", err)
	}
	if !dispatcher.Pending(call.ID) {
		t.Fatal("cancelling Wait cancelled the command")
	}
}

func TestCloseSettlesPendingAndRejectsSends(t *testing.T) {
	t.Parallel()
	_, _, dispatcher := newFixture(t)
	call, _ := dispatcher.Send("pi-1", "speak_text", nil, 0)

	dispatcher.Close()
	if _, err := call.Outcome(); !errors.Is(err, ErrClientDisconnected) {
		t.Fatalf("pending call after Close: %v", err)
	}
	if _, err := dispatcher.Send("pi-1", "speak_text", nil, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestParamsAreForwardedAsJSON(t *testing.T) {
	t.Parallel()
	_, transport, dispatcher := newFixture(t)
	dispatcher.Send("pi-1", "start_video_stream", map[string]any{"stream_id": "s1", "fps": 10}, 0)

	var params map[string]any
	if err := json.Unmarshal(transport.last().Params, &params); err != nil {
		t.Fatalf("params are not JSON: %v", err)
	}
	if params["stream_id"] != "s1" || params["fps"] != float64(10) {
		t.Fatalf("params = %v", params)
	}

	if _, err := dispatcher.Send("pi-1", "x", json.RawMessage(`{broken`), 0); err == nil {
		t.Fatal("Send accepted invalid raw JSON params")
	}
}

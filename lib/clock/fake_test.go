// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowAdvances(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	fake.Advance(90 * time.Second)
	if got, want := fake.Now(), epoch.Add(90*time.Second); !got.Equal(want) {
		t.Fatalf("Now() = %v, want %v", got, want)
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	channel := fake.After(10 * time.Second)

	fake.Advance(9 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired early")
	default:
	}

	fake.Advance(time.Second)
	select {
	case got := <-channel:
		if want := epoch.Add(10 * time.Second); !got.Equal(want) {
			t.Errorf("fired with %v, want %v", got, want)
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	fired := false
	timer := fake.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("Stop on armed timer returned false")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}
	fake.Advance(time.Minute)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if fake.Pending() != 0 {
		t.Fatalf("Pending() = %d after stop, want 0", fake.Pending())
	}
}

func TestFakeAfterFuncOrder(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	var order []int
	fake.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	fake.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	fake.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	fake.Advance(5 * time.Second)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("fire order = %v, want [1 2 3]", order)
	}
}

func TestFakeAfterFuncCanRearm(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	count := 0
	var rearm func()
	rearm = func() {
		count++
		if count < 3 {
			fake.AfterFunc(time.Second, rearm)
		}
	}
	fake.AfterFunc(time.Second, rearm)

	for range 3 {
		fake.Advance(time.Second)
	}
	if count != 3 {
		t.Fatalf("callback ran %d times, want 3", count)
	}
}

func TestFakeTickerDropsWhenFull(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	fake.Advance(5 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after advancing past five periods")
	}
	select {
	case <-ticker.C:
		t.Fatal("ticker queued more than one tick")
	default:
	}
}

func TestFakeTickerReset(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	ticker := fake.NewTicker(time.Second)
	ticker.Reset(10 * time.Second)

	fake.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("tick before the reset period elapsed")
	default:
	}
	fake.Advance(5 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after the reset period")
	}
}

func TestFakeBlockUntil(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-fake.After(time.Second)
		close(done)
	}()

	fake.BlockUntil(1)
	fake.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(5 * time.Second): //nolint:realclock test hang prevention
		t.Fatal("goroutine never observed the fake deadline")
	}
}

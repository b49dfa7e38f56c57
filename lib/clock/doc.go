// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every fleetlink component that
// schedules work: heartbeat sweeps, command deadlines, registration
// timeouts, and idle stream expiry.
//
// Components hold a Clock instead of calling the time package. Binaries
// pass Real(). Tests pass a *FakeClock and drive it explicitly:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	dispatcher := dispatch.New(dispatch.Config{Clock: fake, ...})
//	call, _ := dispatcher.Send(...)
//	fake.BlockUntil(1)          // deadline timer registered
//	fake.Advance(30 * time.Second)
//
// BlockUntil closes the race between a goroutine arming a timer and the
// test advancing past it.
package clock

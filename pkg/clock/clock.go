// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clock provides the time source used by the device agent.
//
// Verification windows and crash windows are time based. Components take a
// Clock instead of calling time.Now and time.AfterFunc directly, so tests can
// drive them with a Fake clock and advance virtual time deterministically.
//
// # Usage
//
//	c := clock.Real()
//	timer := c.AfterFunc(60*time.Second, onTimeout)
//	defer timer.Stop()
//
// In tests:
//
//	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	timer := fake.AfterFunc(time.Minute, onTimeout)
//	fake.Advance(61 * time.Second) // onTimeout runs here, on this goroutine
package clock

import "time"

// Clock is a source of the current time and of one-shot timers.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc schedules f to run once after d has elapsed.
	//
	// # Outputs
	//
	//   - Timer: Handle used to cancel the scheduled call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	// Stop cancels the timer. It returns true if the call stopped the timer,
	// false if the timer already fired or was already stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

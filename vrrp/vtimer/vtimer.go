/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package vtimer implements the monotonic deadline primitive the VRRP event
// loop arms and polls: adv_timer on a Master, masterdown_timer on a Backup.
package vtimer

import "time"

// Timer is a monotonic deadline: ts is the absolute deadline set by Set;
// delta is the last measured remaining duration, refreshed by Update (zero
// until the first Update after Set).
type Timer struct {
	ts    time.Time
	delta time.Duration
}

// Set arms the timer to expire after delay. delta is reset to zero until the
// next Update call.
func (t *Timer) Set(delay time.Duration) {
	t.ts = time.Now().Add(delay)
	t.delta = 0
}

// Clear disarms the timer.
func (t *Timer) Clear() {
	t.ts = time.Time{}
	t.delta = 0
}

// Running reports whether the timer currently holds a deadline.
func (t *Timer) Running() bool {
	return !t.ts.IsZero()
}

// Update refreshes the remaining duration and returns it. Callers pass this
// value directly to the multiplexing syscall as a relative deadline.
func (t *Timer) Update() time.Duration {
	if !t.Running() {
		return 0
	}
	t.delta = time.Until(t.ts)
	return t.delta
}

// Remaining returns the duration computed by the most recent Update, without
// touching the clock.
func (t *Timer) Remaining() time.Duration {
	return t.delta
}

// Expired reports whether the last Update-measured remaining time is at or
// below zero. It never reads the clock itself.
func (t *Timer) Expired() bool {
	return t.Running() && t.delta <= 0
}

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

// Package jitter tracks the running variance of inter-advertisement
// arrival gaps while this VirtualRouter is Backup, so an operator can tell
// a flapping upstream link from ordinary scheduling noise before the
// masterdown timer ever fires.
package jitter

import (
	"time"

	"github.com/eclesh/welford"
)

// Tracker wraps a Welford online-variance accumulator over the gaps
// between successive Master advertisements.
type Tracker struct {
	stats *welford.Stats
	last  time.Time
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{stats: welford.New()}
}

// Observe records one advertisement arrival. The first call after
// construction or Reset only seeds the reference point; it contributes no
// sample, since there is no prior arrival to measure a gap against.
func (t *Tracker) Observe(at time.Time) {
	if !t.last.IsZero() {
		t.stats.Add(at.Sub(t.last).Seconds())
	}
	t.last = at
}

// Reset drops all accumulated samples and the reference arrival time,
// called on every Backup->Init or Backup->Master transition so stale
// samples from a previous Master don't bias the new one's statistics.
func (t *Tracker) Reset() {
	t.stats = welford.New()
	t.last = time.Time{}
}

// Mean is the average inter-arrival gap, in seconds.
func (t *Tracker) Mean() float64 { return t.stats.Mean() }

// Stddev is the standard deviation of the inter-arrival gap, in seconds —
// the value published on the advertisement_jitter_seconds gauge.
func (t *Tracker) Stddev() float64 { return t.stats.Stddev() }

// Count is the number of gap samples observed so far.
func (t *Tracker) Count() int64 { return t.stats.Count() }

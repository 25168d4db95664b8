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

// Package register implements DaemonRegister: a single word of
// asynchronous-signal-safe flags, written by signal handlers and consumed by
// the event loop via test-and-clear. All access is a relaxed atomic op; no
// handler does anything beyond flipping a bit.
package register

import "sync/atomic"

// Bit flags held in a Register.
const (
	KeepGoing uint32 = 1 << iota
	Reload
	Dump
	Logout
)

// Register is the asynchronous flag word described in spec.md §3/§5.
type Register struct {
	bits atomic.Uint32
}

// New returns a Register with KeepGoing already set, as a fresh daemon is
// always started in the running state.
func New() *Register {
	r := &Register{}
	r.Set(KeepGoing)
	return r
}

// Set ORs flag into the word. Safe to call from a signal handler.
func (r *Register) Set(flag uint32) {
	for {
		old := r.bits.Load()
		if r.bits.CompareAndSwap(old, old|flag) {
			return
		}
	}
}

// Clear ANDs flag out of the word. Safe to call from a signal handler.
func (r *Register) Clear(flag uint32) {
	for {
		old := r.bits.Load()
		if r.bits.CompareAndSwap(old, old&^flag) {
			return
		}
	}
}

// Test reports whether flag is currently set, without clearing it.
func (r *Register) Test(flag uint32) bool {
	return r.bits.Load()&flag != 0
}

// TestAndClear reports whether flag was set, clearing it atomically either
// way. This is the only primitive the event loop needs to drain a flag
// exactly once per iteration.
func (r *Register) TestAndClear(flag uint32) bool {
	for {
		old := r.bits.Load()
		if old&flag == 0 {
			return false
		}
		if r.bits.CompareAndSwap(old, old&^flag) {
			return true
		}
	}
}

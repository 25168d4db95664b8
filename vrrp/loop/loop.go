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

// Package loop implements spec.md's C6: a single-threaded event loop that
// multiplexes the VRRP receive socket, the control FIFO, and the currently
// armed timer through one blocking ppoll call per iteration.
package loop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/evolix/uvrrpd-go/vrrp/vtimer"
)

// Event classifies what woke Wait up, mirroring original_source/vrrp.c's
// vrrp_event_t (TIMER, recv-fd readable, ctrl-fd readable, SIGNAL, INVALID).
type Event int

const (
	Invalid Event = iota
	Timer
	PacketReady
	ControlReady
	Signal
)

// Sources is the fixed set of descriptors the loop polls, in the fixed
// order original_source/vrrp.c registers them: the VRRP socket before the
// control FIFO, so a simultaneous wakeup favors protocol traffic.
// SignalFd is the read end of vrrp/daemon's self-pipe, written to by the
// process's signal.Notify goroutine so that a pending signal wakes this
// same ppoll rather than requiring a second suspension point; it is left
// at its zero value by every existing caller in this package's own tests,
// so Wait only adds it to the poll set when it's set to a real descriptor
// (a running daemon's self-pipe read end is never fd 0, since stdin is
// already open when the signal goroutine creates it).
type Sources struct {
	RecvFd   int
	CtrlFd   int
	SignalFd int
}

// Wait blocks until a fd becomes readable or t expires, whichever comes
// first. The self-pipe in SignalFd, when set, stands in for the empty
// signal mask original_source/vrrp.c's pselect(..., &emptyset) relies on:
// Go's runtime already delivers signals to a channel asynchronously, so a
// single byte written to the pipe from that channel's goroutine is what
// lets a pending signal interrupt this exact wait instead of the next one.
func Wait(src Sources, t *vtimer.Timer) (Event, error) {
	if !t.Running() {
		return Invalid, fmt.Errorf("loop: no timer armed")
	}
	remaining := t.Update()
	if t.Expired() {
		return Timer, nil
	}

	fds := []unix.PollFd{
		{Fd: int32(src.RecvFd), Events: unix.POLLIN},
		{Fd: int32(src.CtrlFd), Events: unix.POLLIN},
	}
	if src.SignalFd != 0 {
		fds = append(fds, unix.PollFd{Fd: int32(src.SignalFd), Events: unix.POLLIN})
	}
	ts := unix.NsecToTimespec(remaining.Nanoseconds())

	n, err := unix.Ppoll(fds, &ts, nil)
	if err != nil {
		if err == unix.EINTR {
			return Signal, nil
		}
		return Invalid, fmt.Errorf("loop: ppoll: %w", err)
	}

	t.Update()
	if t.Expired() {
		return Timer, nil
	}
	if n == 0 {
		// Woke with no fd ready and the timer not yet expired: treat as a
		// spurious wakeup and let the caller re-arm and wait again.
		return Invalid, nil
	}
	if fds[0].Revents&unix.POLLIN != 0 {
		return PacketReady, nil
	}
	if fds[1].Revents&unix.POLLIN != 0 {
		return ControlReady, nil
	}
	if len(fds) > 2 && fds[2].Revents&unix.POLLIN != 0 {
		return Signal, nil
	}
	return Invalid, nil
}

// WaitDuration is a small testing seam: production code always goes through
// Wait/vtimer.Timer, but the polling primitive itself is easiest to verify
// against a plain duration.
func WaitDuration(src Sources, d time.Duration) (Event, error) {
	fds := []unix.PollFd{
		{Fd: int32(src.RecvFd), Events: unix.POLLIN},
		{Fd: int32(src.CtrlFd), Events: unix.POLLIN},
	}
	ts := unix.NsecToTimespec(d.Nanoseconds())
	n, err := unix.Ppoll(fds, &ts, nil)
	if err != nil {
		if err == unix.EINTR {
			return Signal, nil
		}
		return Invalid, fmt.Errorf("loop: ppoll: %w", err)
	}
	if n == 0 {
		return Timer, nil
	}
	if fds[0].Revents&unix.POLLIN != 0 {
		return PacketReady, nil
	}
	if fds[1].Revents&unix.POLLIN != 0 {
		return ControlReady, nil
	}
	return Invalid, nil
}

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

// Package ctrlfifo implements spec.md's C5: a named pipe carrying the closed
// five-command control grammar (stop, reload, state/status, prio N).
package ctrlfifo

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// maxMsgBytes and maxTokens mirror original_source/vrrp_ctrl.h's
// CTRL_MAXCHAR/CTRL_CMD_TOKENS.
const (
	maxMsgBytes = 64
	maxTokens   = 3
)

// Kind enumerates the closed control command grammar.
type Kind int

const (
	Invalid Kind = iota
	Stop
	Reload
	Status
	SetPriority
)

// Command is one parsed line off the control FIFO.
type Command struct {
	Kind     Kind
	Priority uint8 // valid only when Kind == SetPriority
}

// FIFO owns the control named pipe: a single reader fd opened O_RDWR so the
// read end never sees EOF between writers, matching
// original_source/uvrrpd.c's open(ctrlfile_name, O_RDWR|O_NONBLOCK).
type FIFO struct {
	path string
	fd   int
}

// Open creates path as a FIFO (mode 0600) if it does not already exist, and
// opens it for non-blocking read/write.
func Open(path string) (*FIFO, error) {
	if err := unix.Mkfifo(path, 0600); err != nil && err != unix.EEXIST {
		return nil, fmt.Errorf("ctrlfifo: mkfifo %s: %w", path, err)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("ctrlfifo: open %s: %w", path, err)
	}
	return &FIFO{path: path, fd: fd}, nil
}

// Fd is the descriptor the event loop polls for readability.
func (f *FIFO) Fd() int { return f.fd }

// Close closes the fd and unlinks the FIFO from the filesystem.
func (f *FIFO) Close() error {
	cerr := unix.Close(f.fd)
	if rerr := os.Remove(f.path); rerr != nil && !os.IsNotExist(rerr) {
		if cerr == nil {
			cerr = rerr
		}
	}
	return cerr
}

// ReadCommand reads and parses one control message. Any bytes queued behind
// the first read are drained so a burst of duplicate commands from a slow
// writer doesn't requeue stale work, matching vrrp_ctrl.c's flush_fifo.
func (f *FIFO) ReadCommand() (Command, error) {
	buf := make([]byte, maxMsgBytes)
	n, err := unix.Read(f.fd, buf)
	if err != nil {
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return Command{Kind: Invalid}, nil
		}
		return Command{}, fmt.Errorf("ctrlfifo: read: %w", err)
	}
	if n <= 0 {
		return Command{Kind: Invalid}, nil
	}
	f.drain()
	return parse(string(buf[:n]))
}

// drain empties any remaining queued bytes without blocking.
func (f *FIFO) drain() {
	buf := make([]byte, 2048)
	for {
		n, err := unix.Read(f.fd, buf)
		if err != nil || n <= 0 {
			return
		}
	}
}

func parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{Kind: Invalid}, nil
	}
	if len(fields) > maxTokens {
		fields = fields[:maxTokens]
	}
	switch fields[0] {
	case "stop":
		return Command{Kind: Stop}, nil
	case "reload":
		return Command{Kind: Reload}, nil
	case "state", "status":
		return Command{Kind: Status}, nil
	case "prio":
		if len(fields) != 2 {
			return Command{Kind: Invalid}, nil
		}
		v, err := strconv.ParseUint(fields[1], 10, 8)
		if err != nil {
			return Command{Kind: Invalid}, nil
		}
		return Command{Kind: SetPriority, Priority: uint8(v)}, nil
	default:
		return Command{Kind: Invalid}, nil
	}
}

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

// Package hook implements spec.md's C8: it runs the external state-
// transition script with the fixed argument vector and waits for it
// synchronously, logging failure without affecting VR state.
package hook

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/evolix/uvrrpd-go/vrrp/fsm"
)

// Invoker runs script on every mastership transition. Unlike
// original_source/vrrp_exec.c, which has to hand-block SIGCHLD and restore
// scheduling class around a raw fork/exec, Go's os/exec already reaps the
// child through the runtime's own wait4 loop rather than a user-installed
// SIGCHLD handler, so there is nothing to block. The two guards this type
// does still need to reproduce are: the script must not see the terminal
// signals (SIGINT/SIGQUIT) the operator sends the daemon itself, and the
// daemon's own scheduling class must not leak into the child.
type Invoker struct {
	Script string
	Logger *log.Entry

	// Scheduler optionally restores the daemon's real-time scheduling
	// policy after the child exits; nil when the daemon isn't running
	// with an elevated scheduling class.
	Scheduler SchedulerGuard
}

// SchedulerGuard brackets a hook invocation: Drop is called before fork,
// Restore after the child has been waited for.
type SchedulerGuard interface {
	Drop() error
	Restore() error
}

var _ fsm.Hook = (*Invoker)(nil)

// Invoke runs Script with the argument vector of spec.md §4.8:
// [basename(script), state, vrid, ifname, priority, adv_int, naddr,
// family(4|6), vip_list_comma_separated]. The child runs in its own process
// group (Setpgid) so a terminal SIGINT/SIGQUIT delivered to the daemon's
// group is not also delivered to the script — the Go-idiomatic replacement
// for vrrp_exec.c's temporary SIG_IGN dance.
func (inv *Invoker) Invoke(ctx fsm.HookContext) error {
	if inv.Script == "" {
		return nil
	}
	if _, err := os.Stat(inv.Script); err != nil {
		return fmt.Errorf("hook: script %s: %w", inv.Script, err)
	}

	argv := buildArgv(inv.Script, ctx)
	cmd := &exec.Cmd{
		Path:        inv.Script,
		Args:        argv,
		SysProcAttr: &syscall.SysProcAttr{Setpgid: true},
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}

	if inv.Scheduler != nil {
		if err := inv.Scheduler.Drop(); err != nil {
			inv.log().WithError(err).Warn("hook: drop scheduling class")
		}
	}

	err := cmd.Run()

	if inv.Scheduler != nil {
		if rerr := inv.Scheduler.Restore(); rerr != nil {
			inv.log().WithError(rerr).Warn("hook: restore scheduling class")
		}
	}

	if err != nil {
		inv.log().WithFields(log.Fields{"script": inv.Script, "state": ctx.State}).
			WithError(err).Warn("hook: script failed")
	}
	// Script failure never changes VR state, per spec.md §4.8.
	return nil
}

func (inv *Invoker) log() *log.Entry {
	if inv.Logger != nil {
		return inv.Logger
	}
	return log.NewEntry(log.StandardLogger())
}

func buildArgv(script string, ctx fsm.HookContext) []string {
	ips := make([]string, len(ctx.VIPs))
	for i := len(ctx.VIPs) - 1; i >= 0; i-- {
		ips[len(ctx.VIPs)-1-i] = formatVIP(ctx.VIPs[i])
	}
	return []string{
		filepath.Base(script),
		ctx.State,
		strconv.Itoa(int(ctx.VRID)),
		ctx.Iface,
		strconv.Itoa(int(ctx.Priority)),
		strconv.Itoa(int(ctx.AdvInt)),
		strconv.Itoa(int(ctx.NAddr)),
		strconv.Itoa(ctx.Family),
		strings.Join(ips, ","),
	}
}

func formatVIP(ip net.IP) string { return ip.String() }

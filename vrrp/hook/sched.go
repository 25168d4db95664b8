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

package hook

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RealtimeScheduler is the SchedulerGuard for a daemon that runs under
// SCHED_RR, per original_source/uvrrpd.c's uvrrpd_sched_set/unset: the hook
// script must not inherit the real-time class, so Drop downgrades to
// SCHED_OTHER before the child is spawned, and Restore re-arms SCHED_RR
// once it's reaped.
type RealtimeScheduler struct{}

func (RealtimeScheduler) Drop() error {
	return setScheduler(unix.SCHED_OTHER)
}

func (RealtimeScheduler) Restore() error {
	return setScheduler(unix.SCHED_RR)
}

func setScheduler(policy int) error {
	max, err := unix.SchedGetPriorityMax(policy)
	if err != nil {
		return fmt.Errorf("hook: sched_get_priority_max: %w", err)
	}
	param := unix.SchedParam{Priority: int32(max)}
	if err := unix.SchedSetscheduler(0, policy, &param); err != nil {
		return fmt.Errorf("hook: sched_setscheduler: %w", err)
	}
	return nil
}

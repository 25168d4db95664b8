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

// Package fsm implements spec.md's C7: the Init/Backup/Master state machine,
// its election and preemption rules, and the timer arithmetic that drives
// Master-Down and Advertisement events.
package fsm

import (
	"fmt"
	"net"
	"time"

	"github.com/evolix/uvrrpd-go/vrrp/family"
	"github.com/evolix/uvrrpd-go/vrrp/vtimer"
	"github.com/evolix/uvrrpd-go/vrrp/wire"
)

// State is one of the three VRRP states.
type State int

const (
	Init State = iota
	Backup
	Master
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Backup:
		return "backup"
	case Master:
		return "master"
	default:
		return "unknown"
	}
}

// PeerAdvertisement is the subset of a decoded advertisement the state
// machine's election logic needs, independent of wire/netio representation.
type PeerAdvertisement struct {
	Priority    uint8
	MaxAdvIntCs uint16 // v3 only; zero for v2 peers
	SourceIP    net.IP
}

// Transmitter sends a prebuilt frame; *netio.Context satisfies this.
type Transmitter interface {
	Send(frame wire.Frame) error
}

// HookContext is the argument-vector contract of spec.md §4.8.
type HookContext struct {
	State    string
	VRID     uint8
	Iface    string
	Priority uint8
	AdvInt   uint16
	NAddr    uint8
	Family   int
	VIPs     []net.IP
}

// Hook runs the external state-transition script.
type Hook interface {
	Invoke(ctx HookContext) error
}

// Config captures everything NewMachine needs to build the first Init→{Backup,Master}
// transition: the immutable parts of a VirtualRouter plus its I/O collaborators.
type Config struct {
	Version     uint8 // 2 or 3
	VRID        uint8
	Priority    uint8
	Preempt     bool
	AdvIntRaw   uint16 // seconds (v2) or centiseconds (v3), as configured
	PrimaryAddr net.IP
	VIPs        []net.IP
	Iface       string

	Fam    family.Family
	Codec  wire.Codec
	Saddr  net.IP
	Daddr  net.IP
	Advert wire.Frame   // prebuilt advertisement template; Payload is mutated in place
	Topo   []wire.Frame // one per VIP, same order as VIPs

	Tx   Transmitter
	Hook Hook
}

// Machine is one running VirtualRouter's state machine.
type Machine struct {
	cfg Config

	state        State
	priority     uint8
	masterAdvInt time.Duration

	advTimer       vtimer.Timer
	masterdownTimer vtimer.Timer
}

// NewMachine builds a Machine in state Init with no timer armed; call Start
// to drive the first transition.
func NewMachine(cfg Config) *Machine {
	return &Machine{cfg: cfg, state: Init, priority: cfg.Priority}
}

// State reports the current state.
func (m *Machine) State() State { return m.state }

// Priority reports the currently configured (possibly operator-adjusted)
// priority.
func (m *Machine) Priority() uint8 { return m.priority }

// ActiveTimer returns whichever of {adv_timer, masterdown_timer} is armed,
// satisfying spec.md §3's invariant that exactly one is running in Backup or
// Master. It returns nil in Init, where neither is armed.
func (m *Machine) ActiveTimer() *vtimer.Timer {
	switch {
	case m.advTimer.Running():
		return &m.advTimer
	case m.masterdownTimer.Running():
		return &m.masterdownTimer
	default:
		return nil
	}
}

func advIntUnit(version uint8) time.Duration {
	if version == 2 {
		return time.Second
	}
	return 10 * time.Millisecond
}

func (m *Machine) advInt() time.Duration {
	return time.Duration(m.cfg.AdvIntRaw) * advIntUnit(m.cfg.Version)
}

func centisecondsToDuration(cs uint16) time.Duration {
	return time.Duration(cs) * 10 * time.Millisecond
}

// skew implements spec.md §3's skew_time = ((256-priority) x master_adv_int) / 256.
func (m *Machine) skew() time.Duration {
	return time.Duration(int64(256-int(m.priority)) * int64(m.masterAdvInt) / 256)
}

// masterdownInterval implements spec.md §3's 3 x master_adv_int + skew_time.
func (m *Machine) masterdownInterval() time.Duration {
	return 3*m.masterAdvInt + m.skew()
}

// Start runs the Init state's unconditional logic (original_source/vrrp_state.c's
// vrrp_state_init): initialize master_adv_int to the configured interval,
// then become Master immediately if this instance owns its VIPs (priority
// 255), else become Backup.
func (m *Machine) Start() error {
	m.masterAdvInt = m.advInt()
	if m.priority == 255 {
		return m.gotoMaster()
	}
	return m.gotoBackup(Init, nil)
}

// OnTimer handles the Timer event: Backup's masterdown_timer has expired
// (become Master) or Master's adv_timer has expired (send and re-arm).
func (m *Machine) OnTimer() error {
	switch m.state {
	case Backup:
		return m.gotoMaster()
	case Master:
		if err := m.sendAdvertisement(); err != nil {
			return err
		}
		m.advTimer.Set(m.advInt())
		return nil
	default:
		return fmt.Errorf("fsm: timer event in state %s", m.state)
	}
}

// OnPacket handles a PktOk event from netio; callers must not invoke this
// for VridMismatch or Invalid results.
func (m *Machine) OnPacket(peer PeerAdvertisement) error {
	switch m.state {
	case Backup:
		return m.onPacketBackup(peer)
	case Master:
		return m.onPacketMaster(peer)
	default:
		return nil
	}
}

func (m *Machine) onPacketBackup(peer PeerAdvertisement) error {
	if peer.Priority == 0 {
		m.masterdownTimer.Set(m.skew())
		return nil
	}
	if !m.cfg.Preempt || peer.Priority >= m.priority {
		if m.cfg.Version == 3 {
			m.masterAdvInt = centisecondsToDuration(peer.MaxAdvIntCs)
		}
		m.masterdownTimer.Set(m.masterdownInterval())
		return nil
	}
	// Higher local priority and preemption enabled: discard.
	return nil
}

func (m *Machine) onPacketMaster(peer PeerAdvertisement) error {
	if peer.Priority == 0 {
		if err := m.sendAdvertisement(); err != nil {
			return err
		}
		m.advTimer.Set(m.advInt())
		return nil
	}
	if peer.Priority > m.priority {
		return m.gotoBackup(Master, &peer)
	}
	if peer.Priority == m.priority {
		if m.cfg.Fam.Compare(peer.SourceIP, m.cfg.PrimaryAddr) > 0 {
			return m.gotoBackup(Master, &peer)
		}
	}
	return nil
}

// OnReload handles the Reload bit observed on a Signal event. Backup drops
// straight to Init; Master sends a priority-0 farewell, invokes the backup
// hook, then drops to Init. The caller is responsible for calling Start
// again once Init is reached, mirroring original_source/uvrrpd.c's outer
// dispatch loop re-entering vrrp_state_init every time state == INIT.
func (m *Machine) OnReload() error {
	switch m.state {
	case Backup:
		m.masterdownTimer.Clear()
		m.state = Init
	case Master:
		m.advTimer.Clear()
		if err := m.sendFarewell(); err != nil {
			return err
		}
		if err := m.invokeHook("backup"); err != nil {
			return err
		}
		m.state = Init
	}
	return nil
}

// SetPriority implements the control channel's `prio N` command: it
// permanently rewrites the prebuilt advertisement's priority byte (distinct
// from the temporary priority-0 farewell dance) and updates the election
// state used on the next packet/timer event. It does not itself trigger a
// reload; the caller (vrrp/daemon's control-command dispatch) sets the Reload bit
// separately, per spec.md §4.5.
func (m *Machine) SetPriority(p uint8) {
	m.priority = p
	m.cfg.Priority = p
	m.cfg.Codec.SetPriority(m.cfg.Advert.Payload, m.cfg.Version, p, m.cfg.Saddr, m.cfg.Daddr)
}

func (m *Machine) gotoMaster() error {
	m.state = Master
	if err := m.sendAdvertisement(); err != nil {
		return err
	}
	if err := m.sendTopologyUpdates(); err != nil {
		return err
	}
	if err := m.invokeHook("master"); err != nil {
		return err
	}
	m.masterdownTimer.Clear()
	m.advTimer.Set(m.advInt())
	return nil
}

// gotoBackup mirrors original_source/vrrp_state.c's vrrp_state_goto_backup:
// the hook only fires when arriving from Master (not from Init, so the
// daemon's first-ever backup entry is silent), and master_adv_int is only
// relearned (v3) when the previous state was Master and a triggering peer
// advertisement is available.
func (m *Machine) gotoBackup(previous State, peer *PeerAdvertisement) error {
	m.state = Backup
	if previous == Master {
		if err := m.invokeHook("backup"); err != nil {
			return err
		}
	}
	if m.cfg.Version == 3 {
		switch previous {
		case Init:
			m.masterAdvInt = m.advInt()
		case Master:
			if peer != nil {
				m.masterAdvInt = centisecondsToDuration(peer.MaxAdvIntCs)
			}
		}
	}
	m.advTimer.Clear()
	m.masterdownTimer.Set(m.masterdownInterval())
	return nil
}

func (m *Machine) sendAdvertisement() error {
	return m.cfg.Tx.Send(m.cfg.Advert)
}

// sendFarewell implements the priority-0 resignation dance of spec.md §4.3:
// mutate the priority byte and checksum in place, send, then restore both.
func (m *Machine) sendFarewell() error {
	m.cfg.Codec.SetPriority(m.cfg.Advert.Payload, m.cfg.Version, 0, m.cfg.Saddr, m.cfg.Daddr)
	err := m.cfg.Tx.Send(m.cfg.Advert)
	m.cfg.Codec.SetPriority(m.cfg.Advert.Payload, m.cfg.Version, m.priority, m.cfg.Saddr, m.cfg.Daddr)
	return err
}

// sendTopologyUpdates sends one gratuitous-ARP-or-NA frame per VIP, in
// reverse configured order, per spec.md §4.3/§4.7.
func (m *Machine) sendTopologyUpdates() error {
	for i := len(m.cfg.Topo) - 1; i >= 0; i-- {
		if err := m.cfg.Tx.Send(m.cfg.Topo[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) invokeHook(stateName string) error {
	if m.cfg.Hook == nil {
		return nil
	}
	return m.cfg.Hook.Invoke(HookContext{
		State:    stateName,
		VRID:     m.cfg.VRID,
		Iface:    m.cfg.Iface,
		Priority: m.priority,
		AdvInt:   m.cfg.AdvIntRaw,
		NAddr:    uint8(len(m.cfg.VIPs)),
		Family:   m.cfg.Fam.Version(),
		VIPs:     m.cfg.VIPs,
	})
}

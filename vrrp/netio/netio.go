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

// Package netio implements spec.md's C4: it owns the receive raw socket
// (IPPROTO 112) and the transmit AF_PACKET socket, validates inbound
// advertisements against the 10-point checklist of spec.md §4.4, and sends
// prebuilt frame sequences built by vrrp/wire.
package netio

import (
	"bytes"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/evolix/uvrrpd-go/vrrp/family"
	"github.com/evolix/uvrrpd-go/vrrp/wire"
)

// Kind classifies a receive outcome into the three event types spec.md §4.4
// requires: {Invalid, VridMismatch, PktOk}.
type Kind int

const (
	Invalid Kind = iota
	VridMismatch
	PktOk
)

// Result is what ReceiveAndValidate hands back to the event loop.
type Result struct {
	Kind   Kind
	Reason string // set when Kind != PktOk, for info/debug logging
	Source net.IP
	Adv    wire.Advertisement
}

// LocalConfig is the subset of VirtualRouter fields the validation checklist
// needs; netio never mutates it.
type LocalConfig struct {
	Version      uint8
	VRID         uint8
	Priority     uint8
	AuthType     uint8
	AuthData     [8]byte
	AdvIntSec    uint8 // v2 only
	VIPs         []net.IP
	PrimaryAddr  net.IP
}

// Context owns both VRRP sockets for one VirtualRouter.
type Context struct {
	Fam   family.Family
	Codec wire.Codec
	Local LocalConfig

	rx      family.ReceiveConn
	txFD    int
	ifIndex int
	ifMTU   int
}

// Open binds the receive socket (joining the family's multicast group) and
// the AF_PACKET transmit socket on iface.
func (c *Context) Open(iface *net.Interface, local net.IP) error {
	rx, err := c.Fam.Listen(iface, local)
	if err != nil {
		return err
	}
	if err := rx.JoinMulticast(iface, local); err != nil {
		rx.Close()
		return err
	}
	if err := rx.SetSockopts(c.Local.VRID); err != nil {
		rx.Close()
		return err
	}
	c.rx = rx

	txFD, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(unix.ETH_P_ALL))
	if err != nil {
		rx.Close()
		return fmt.Errorf("netio: open AF_PACKET socket: %w", err)
	}
	addr := unix.SockaddrLinklayer{Protocol: uint16(htons(unix.ETH_P_ALL)), Ifindex: iface.Index}
	if err := unix.Bind(txFD, &addr); err != nil {
		unix.Close(txFD)
		rx.Close()
		return fmt.Errorf("netio: bind AF_PACKET socket: %w", err)
	}
	c.txFD = txFD
	c.ifIndex = iface.Index
	c.ifMTU = iface.MTU
	return nil
}

// Close releases both sockets. Per SPEC_FULL.md's resolution of spec.md §9's
// open question about vrrp_na_cleanup, this always runs regardless of the
// state the FSM was in at shutdown time.
func (c *Context) Close() error {
	var err error
	if c.rx != nil {
		err = c.rx.Close()
	}
	if c.txFD != 0 {
		if cerr := unix.Close(c.txFD); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func htons(v int) int {
	return int(uint16(v)<<8 | uint16(v)>>8)
}

// Fd returns the receive socket descriptor, for the event loop's poll set.
func (c *Context) Fd() (int, error) { return c.rx.Fd() }

// Send transmits frame.Full verbatim on the AF_PACKET socket.
func (c *Context) Send(frame wire.Frame) error {
	addr := unix.SockaddrLinklayer{Ifindex: c.ifIndex}
	return unix.Sendto(c.txFD, frame.Full, 0, &addr)
}

// minAdvSize/maxAdvSize bound the VRRP payload length validation of spec.md
// §4.4 check 1: the 8-byte header plus one address with no trailer, through
// AdvSize for naddr=255 (which, for IPv4, includes the 8 trailing bytes).
func (c *Context) minAdvSize() int { return 8 + c.Fam.AddrLen() }
func (c *Context) maxAdvSize() int { return c.Fam.AdvSize(255, true) }

// ReceiveAndValidate blocks for one inbound packet and runs the spec.md
// §4.4 checklist against it.
func (c *Context) ReceiveAndValidate(buf []byte) Result {
	in, err := c.rx.Receive(buf)
	if err != nil {
		return Result{Kind: Invalid, Reason: err.Error()}
	}

	// Check 1: length.
	if len(in.Payload) < c.minAdvSize() || len(in.Payload) > c.maxAdvSize() {
		return invalid("payload length %d out of bounds", len(in.Payload))
	}
	// Check 2: L3 protocol.
	if in.Proto != family.VRRPProto {
		return invalid("unexpected L3 protocol %d", in.Proto)
	}
	// Check 4: TTL/hop-limit.
	if in.TTL != 255 {
		return invalid("TTL/hop-limit %d != 255", in.TTL)
	}

	// Check 3: version. Decode only extracts fields; it never rejects a
	// version itself, so compare before trusting any other field.
	peerVersion := in.Payload[0] >> 4
	if peerVersion != c.Local.Version {
		return invalid("version %d != configured %d", peerVersion, c.Local.Version)
	}

	adv, err := c.Codec.Decode(in.Payload)
	if err != nil {
		return invalid("decode: %v", err)
	}

	// Check 5: vrid.
	if adv.VRID != c.Local.VRID {
		return Result{Kind: VridMismatch, Reason: fmt.Sprintf("vrid %d != local %d", adv.VRID, c.Local.VRID)}
	}

	// Check 6: checksum.
	if !c.Codec.VerifyChecksum(in.Payload, adv.Version, in.Src, in.Dst) {
		return invalid("checksum mismatch")
	}

	// Check 7: owner never accepts any advertisement.
	if c.Local.Priority == 255 {
		return invalid("local priority is 255 (owner); rejecting all advertisements")
	}

	if adv.Version == 2 {
		// Check 8: auth.
		if adv.AuthType != c.Local.AuthType {
			return invalid("auth type %d != configured %d", adv.AuthType, c.Local.AuthType)
		}
		if adv.AuthType == wire.AuthSimple && !bytes.Equal(adv.AuthData[:], c.Local.AuthData[:]) {
			return invalid("simple-password mismatch")
		}
		// Check 9: naddr/VIP set, bypassed for the owner's advertisement
		// (spec.md §9 open question 2 — retained as-is).
		if adv.Priority != 255 {
			if int(adv.CountIPAddrs) != len(c.Local.VIPs) || !sameAddrSet(c.Fam, adv.Addresses, c.Local.VIPs) {
				return invalid("naddr/VIP set mismatch")
			}
		}
		// Check 10: adv_int.
		if adv.AdvIntSec != c.Local.AdvIntSec {
			return invalid("adv_int %d != configured %d", adv.AdvIntSec, c.Local.AdvIntSec)
		}
	}

	return Result{Kind: PktOk, Source: in.Src, Adv: adv}
}

func invalid(format string, args ...any) Result {
	return Result{Kind: Invalid, Reason: fmt.Sprintf(format, args...)}
}

func sameAddrSet(fam family.Family, a, b []net.IP) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
	for _, addrA := range a {
		found := false
		for i, addrB := range b {
			if used[i] {
				continue
			}
			if fam.Compare(addrA, addrB) == 0 {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// LogReject writes a Result at the severity spec.md §7 requires:
// vrid-mismatch at debug, everything else invalid at info.
func (r Result) LogReject(logger *log.Entry) {
	switch r.Kind {
	case VridMismatch:
		logger.Debug(r.Reason)
	case Invalid:
		logger.Info(r.Reason)
	}
}

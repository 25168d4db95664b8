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

package family

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
)

// fdFromPacketConn recovers the underlying socket descriptor so the event
// loop can poll it alongside the control FIFO, per spec.md §4.6.
func fdFromPacketConn(pc net.PacketConn) (int, error) {
	sc, ok := pc.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("family: connection does not expose its file descriptor")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	cerr := raw.Control(func(f uintptr) { fd = int(f) })
	if cerr != nil {
		return -1, cerr
	}
	return fd, nil
}

// multicastGroupV4 is 224.0.0.18, the VRRP IPv4 multicast group (spec.md §4.2).
var multicastGroupV4 = net.IPv4(224, 0, 0, 18)

type v4 struct{}

func (v4) Version() int { return 4 }

func (v4) MulticastGroup() net.IP { return multicastGroupV4 }

func (v4) AddrLen() int { return net.IPv4len }

// AdvSize reproduces spec.md §4.2's v4 formula, including the trailing 8
// bytes the reference daemon always appends regardless of version — see
// SPEC_FULL.md §9 open question 1.
func (v4) AdvSize(naddr int, _ bool) int {
	return vrrpHeaderSize + net.IPv4len*naddr + authFieldSize
}

func (v4) Compare(a, b net.IP) int {
	a4, b4 := a.To4(), b.To4()
	return bytes.Compare(a4, b4)
}

func (v4) ParseAddr(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("family: %q is not a valid IPv4 address", s)
	}
	return ip.To4(), nil
}

func (v4) FormatAddr(ip net.IP) string { return ip.String() }

// ipv4PseudoHeader is the RFC 768/2460-style pseudo-header used by the
// RFC 5798 (v3) checksum. RFC 3768 (v2) does not use one.
type ipv4PseudoHeader struct {
	Src, Dst [net.IPv4len]byte
	Zero     uint8
	Protocol uint8
	Len      uint16
}

func (v4) Checksum(msg []byte, saddr, daddr net.IP, pseudoHeader bool) uint16 {
	if !pseudoHeader {
		return ipChecksum(msg)
	}
	var buf bytes.Buffer
	hdr := ipv4PseudoHeader{Protocol: VRRPProto, Len: uint16(len(msg))}
	copy(hdr.Src[:], saddr.To4())
	copy(hdr.Dst[:], daddr.To4())
	_ = binary.Write(&buf, binary.BigEndian, hdr)
	buf.Write(msg)
	return ipChecksum(buf.Bytes())
}

func (v4) Listen(iface *net.Interface, local net.IP) (ReceiveConn, error) {
	pc, err := net.ListenPacket(fmt.Sprintf("ip4:%d", VRRPProto), local.String())
	if err != nil {
		return nil, fmt.Errorf("family: listen ip4 on %s: %w", local, err)
	}
	raw, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("family: wrap raw conn: %w", err)
	}
	return &v4Conn{pc: pc, raw: raw, iface: iface, local: local}, nil
}

type v4Conn struct {
	pc    net.PacketConn
	raw   *ipv4.RawConn
	iface *net.Interface
	local net.IP
}

// JoinMulticast joins 224.0.0.18 on iface; the group request names the
// interface by index, and local is not used.
func (c *v4Conn) JoinMulticast(iface *net.Interface, local net.IP) error {
	p := ipv4.NewPacketConn(c.pc)
	if err := p.JoinGroup(iface, &net.UDPAddr{IP: multicastGroupV4}); err != nil {
		return fmt.Errorf("family: join ipv4 multicast: %w", err)
	}
	return p.SetMulticastLoopback(false)
}

// SetSockopts is a no-op for IPv4: the raw socket already delivers the full
// IP header on every read.
func (c *v4Conn) SetSockopts(vrid uint8) error { return nil }

func (c *v4Conn) Receive(buf []byte) (Inbound, error) {
	hdr, payload, _, err := c.raw.ReadFrom(buf)
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{
		Src:       hdr.Src,
		Dst:       hdr.Dst,
		TTL:       hdr.TTL,
		Proto:     hdr.Protocol,
		HeaderLen: hdr.Len,
		TotalLen:  hdr.TotalLen,
		Payload:   payload,
	}, nil
}

func (c *v4Conn) Fd() (int, error) { return fdFromPacketConn(c.pc) }

func (c *v4Conn) Close() error { return c.pc.Close() }

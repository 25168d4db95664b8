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

	"golang.org/x/net/ipv6"
)

// multicastGroupV6 is ff02::12, the VRRP IPv6 multicast group (spec.md §4.2).
var multicastGroupV6 = net.ParseIP("ff02::12")

type v6 struct{}

func (v6) Version() int { return 6 }

func (v6) MulticastGroup() net.IP { return multicastGroupV6 }

func (v6) AddrLen() int { return net.IPv6len }

func (v6) AdvSize(naddr int, _ bool) int {
	return vrrpHeaderSize + net.IPv6len*naddr
}

func (v6) Compare(a, b net.IP) int {
	a16, b16 := a.To16(), b.To16()
	return bytes.Compare(a16, b16)
}

func (v6) ParseAddr(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() != nil {
		return nil, fmt.Errorf("family: %q is not a valid IPv6 address", s)
	}
	return ip.To16(), nil
}

func (v6) FormatAddr(ip net.IP) string { return ip.String() }

// ipv6PseudoHeader is always used for the v6 checksum — there is no legacy
// RFC 3768 v6 variant.
type ipv6PseudoHeader struct {
	Src, Dst   [net.IPv6len]byte
	Len        uint32
	Zeros      [3]byte
	NextHeader uint8
}

func (v6) Checksum(msg []byte, saddr, daddr net.IP, _ bool) uint16 {
	var buf bytes.Buffer
	hdr := ipv6PseudoHeader{Len: uint32(len(msg)), NextHeader: VRRPProto}
	copy(hdr.Src[:], saddr.To16())
	copy(hdr.Dst[:], daddr.To16())
	_ = binary.Write(&buf, binary.BigEndian, hdr)
	buf.Write(msg)
	return ipChecksum(buf.Bytes())
}

func (v6) Listen(iface *net.Interface, local net.IP) (ReceiveConn, error) {
	pc, err := net.ListenPacket(fmt.Sprintf("ip6:%d", VRRPProto), local.String())
	if err != nil {
		return nil, fmt.Errorf("family: listen ip6 on %s: %w", local, err)
	}
	return &v6Conn{pc: ipv6.NewPacketConn(pc), under: pc, iface: iface, local: local}, nil
}

type v6Conn struct {
	pc    *ipv6.PacketConn
	under net.PacketConn
	iface *net.Interface
	local net.IP
}

func (c *v6Conn) JoinMulticast(iface *net.Interface, local net.IP) error {
	if err := c.pc.JoinGroup(iface, &net.IPAddr{IP: multicastGroupV6}); err != nil {
		return fmt.Errorf("family: join ipv6 multicast: %w", err)
	}
	return c.pc.SetMulticastLoopback(false)
}

// SetSockopts requests the ancillary hop-limit and destination-address
// control data spec.md §4.2 requires, since a raw IPv6 socket delivers no IP
// header at all.
func (c *v6Conn) SetSockopts(vrid uint8) error {
	return c.pc.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagDst|ipv6.FlagSrc, true)
}

func (c *v6Conn) Receive(buf []byte) (Inbound, error) {
	n, cm, src, err := c.pc.ReadFrom(buf)
	if err != nil {
		return Inbound{}, err
	}
	if cm == nil {
		return Inbound{}, fmt.Errorf("family: ipv6 receive: missing control message")
	}
	srcIP, _, _ := net.SplitHostPort(src.String())
	if srcIP == "" {
		srcIP = src.String()
	}
	return Inbound{
		Src: net.ParseIP(srcIP),
		Dst: cm.Dst,
		TTL: cm.HopLimit,
		// The protocol field is not recoverable from an IPv6 raw socket
		// read; it is asserted to be VRRP, per spec.md §4.2.
		Proto:     VRRPProto,
		HeaderLen: 0,
		TotalLen:  n,
		Payload:   buf[:n],
	}, nil
}

func (c *v6Conn) Fd() (int, error) { return fdFromPacketConn(c.under) }

func (c *v6Conn) Close() error { return c.under.Close() }

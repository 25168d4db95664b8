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

package wire

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Destination MACs, spec.md §4.3.
var (
	DstMACAdvertisementV4 = net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x00, 0x12}
	DstMACAdvertisementV6 = net.HardwareAddr{0x33, 0x33, 0x00, 0x00, 0x00, 0x12}
	DstMACBroadcast       = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	DstMACAllNodesV6      = net.HardwareAddr{0x33, 0x33, 0x00, 0x00, 0x00, 0x01}

	allNodesV6 = net.ParseIP("ff02::1")
)

// VirtualMAC returns the standard VRRP virtual MAC 00:00:5E:00:01:vrid,
// RFC 5798 §7.3.
func VirtualMAC(vrid uint8) net.HardwareAddr {
	return net.HardwareAddr{0x00, 0x00, 0x5e, 0x00, 0x01, vrid}
}

// Frame is an immutable three-fragment wire template, as required by
// spec.md's NetContext: an Ethernet header, a network-layer header (IP, ARP,
// or ICMPv6), and a payload, all contiguous within Full.
type Frame struct {
	Full      []byte
	Ethernet  []byte
	Network   []byte
	Payload   []byte
	chkOffset int // offset of the VRRP checksum field within Full, -1 if none
}

// serialize runs gopacket's layered serializer and reports the byte ranges
// of each layer within the resulting buffer.
func serialize(opts gopacket.SerializeOptions, layerList ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, opts, layerList...); err != nil {
		return nil, fmt.Errorf("wire: serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildAdvertisementFrameV4 builds the Ethernet+IPv4+VRRP template for a
// VRRP advertisement, per spec.md §4.3/§4.4. srcMAC is the virtual MAC; the
// VRRP payload is provided pre-encoded (Codec.Encode) so its checksum is
// already correct for (srcIP, multicast group). dscp is a 6-bit DSCP
// codepoint (0-63) written into the IP header's TOS byte so an operator can
// keep advertisements ahead of best-effort traffic on a congested link; 0
// reproduces the RFC's unmarked default.
func BuildAdvertisementFrameV4(srcMAC net.HardwareAddr, srcIP net.IP, vrrpPayload []byte, dscp uint8) (Frame, error) {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: DstMACAdvertisementV4, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TOS:      dscp << 2,
		TTL:      255,
		Id:       0,
		Protocol: layers.IPProtocol(family112),
		SrcIP:    srcIP.To4(),
		DstIP:    net.IPv4(224, 0, 0, 18),
	}
	full, err := serialize(gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, eth, ip, gopacket.Payload(vrrpPayload))
	if err != nil {
		return Frame{}, err
	}
	return splitFrame(full, 14, 20), nil
}

// BuildAdvertisementFrameV6 builds the Ethernet+IPv6+VRRP template. dscp is
// written into the IPv6 header's traffic-class octet, the v6 analogue of
// BuildAdvertisementFrameV4's TOS byte.
func BuildAdvertisementFrameV6(srcMAC net.HardwareAddr, srcIP net.IP, vrrpPayload []byte, dscp uint8) (Frame, error) {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: DstMACAdvertisementV6, EthernetType: layers.EthernetTypeIPv6}
	ip := &layers.IPv6{
		Version:      6,
		TrafficClass: dscp << 2,
		HopLimit:     255,
		NextHeader:   layers.IPProtocol(family112),
		SrcIP:        srcIP.To16(),
		DstIP:        net.ParseIP("ff02::12"),
	}
	full, err := serialize(gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, eth, ip, gopacket.Payload(vrrpPayload))
	if err != nil {
		return Frame{}, err
	}
	return splitFrame(full, 14, 40), nil
}

// family112 is IP protocol number 112 (VRRP), the same value as
// family.VRRPProto.
const family112 = 112

func splitFrame(full []byte, ethLen, netLen int) Frame {
	return Frame{
		Full:      full,
		Ethernet:  full[:ethLen],
		Network:   full[ethLen : ethLen+netLen],
		Payload:   full[ethLen+netLen:],
		chkOffset: -1,
	}
}

// BuildGratuitousARP builds the topology-update frame for one IPv4 VIP:
// sender MAC/IP and target IP all set to the virtual MAC / VIP, per the
// gratuitous-ARP convention spec.md §4.3 calls for.
func BuildGratuitousARP(virtualMAC net.HardwareAddr, vip net.IP) (Frame, error) {
	eth := &layers.Ethernet{SrcMAC: virtualMAC, DstMAC: DstMACBroadcast, EthernetType: layers.EthernetTypeARP}
	vip4 := vip.To4()
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   virtualMAC,
		SourceProtAddress: vip4,
		DstHwAddress:      DstMACBroadcast,
		DstProtAddress:    vip4,
	}
	full, err := serialize(gopacket.SerializeOptions{FixLengths: true}, eth, arp)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Full: full, Ethernet: full[:14], Network: full[14:], Payload: nil, chkOffset: -1}, nil
}

// BuildUnsolicitedNA builds the topology-update frame for one IPv6 VIP: an
// unsolicited Neighbor Advertisement with R=1, O=1, S=0, target = vip, sent
// to the all-nodes multicast address, per spec.md §4.3.
func BuildUnsolicitedNA(virtualMAC net.HardwareAddr, vip net.IP) (Frame, error) {
	eth := &layers.Ethernet{SrcMAC: virtualMAC, DstMAC: DstMACAllNodesV6, EthernetType: layers.EthernetTypeIPv6}
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   255,
		NextHeader: layers.IPProtocolICMPv6,
		SrcIP:      vip.To16(),
		DstIP:      allNodesV6,
	}
	na := &layers.ICMPv6NeighborAdvertisement{
		Flags:         0x80 | 0x20, // R=1, S=0, O=1
		TargetAddress: vip.To16(),
		Options: layers.ICMPv6Options{
			{Type: layers.ICMPv6OptTargetAddress, Data: virtualMAC},
		},
	}
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborAdvertisement, 0)}
	if err := icmp.SetNetworkLayerForChecksum(ip); err != nil {
		return Frame{}, fmt.Errorf("wire: set NA checksum context: %w", err)
	}
	full, err := serialize(gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, eth, ip, icmp, na)
	if err != nil {
		return Frame{}, err
	}
	return splitFrame(full, 14, 40), nil
}

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

// Package wire implements the VRRP advertisement codec (spec.md §4.3) and
// the Ethernet/ARP/ICMPv6-NA frame builders it needs to emit a complete,
// on-the-wire VRRP advertisement or topology-update burst.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/evolix/uvrrpd-go/vrrp/family"
)

// AuthType values, RFC 3768 §5.3.7. VRRPv3 never sets this field to
// anything but AuthNone (spec.md §1 Non-goals: no HMAC/IPsec auth).
const (
	AuthNone   uint8 = 0
	AuthSimple uint8 = 1
)

// AdvertisementType is the only VRRP message type this daemon sends or
// accepts (type=1).
const AdvertisementType uint8 = 1

// AuthDataSize is the width of the RFC 3768 simple-password trailer.
const AuthDataSize = 8

// Advertisement is the decoded form of a VRRP advertisement, independent of
// which version produced it.
type Advertisement struct {
	Version      uint8 // 2 or 3
	Type         uint8
	VRID         uint8
	Priority     uint8
	CountIPAddrs uint8

	// v2-only fields.
	AuthType  uint8
	AdvIntSec uint8 // whole seconds, 1-255
	AuthData  [AuthDataSize]byte

	// v3-only field, centiseconds, 1-4095 (12 bits).
	MaxAdvIntCs uint16

	Checksum  uint16
	Addresses []net.IP
}

// wireHeader is the fixed 8-byte layout of spec.md §4.3, decoded generically
// before the version-specific union is interpreted.
type wireHeader struct {
	VersionType  uint8
	VRID         uint8
	Priority     uint8
	CountIPAddrs uint8
	Union        uint16 // v2: {auth_type, adv_int}; v3: 4-bit rsvd | 12-bit max_adv_int
	Checksum     uint16
}

// Codec encodes/decodes advertisements for one address Family. The
// pseudo-header checksum of RFC5798 is used for v3 and for every IPv6
// advertisement; the plain RFC3768 checksum is used for v2 over IPv4 —
// Codec picks the right one from the version and the Family.
type Codec struct {
	Fam family.Family
}

// versionType packs version (high nibble) and type (low nibble).
func versionType(version, msgType uint8) uint8 {
	return version<<4 | (msgType & 0x0f)
}

// Encode serializes adv into its wire form: the fixed header, the address
// list in this Codec's family width, and, for IPv4, the 8 trailing bytes
// (the password for v2 simple-password auth, zeros otherwise). The
// checksum field is computed and filled in.
func (c Codec) Encode(adv Advertisement, saddr, daddr net.IP) ([]byte, error) {
	if len(adv.Addresses) != int(adv.CountIPAddrs) {
		return nil, fmt.Errorf("wire: CountIPAddrs %d does not match %d addresses", adv.CountIPAddrs, len(adv.Addresses))
	}
	hdr := wireHeader{
		VersionType:  versionType(adv.Version, AdvertisementType),
		VRID:         adv.VRID,
		Priority:     adv.Priority,
		CountIPAddrs: adv.CountIPAddrs,
	}
	switch adv.Version {
	case 2:
		hdr.Union = uint16(adv.AuthType)<<8 | uint16(adv.AdvIntSec)
	case 3:
		hdr.Union = adv.MaxAdvIntCs & 0x0fff
	default:
		return nil, fmt.Errorf("wire: unsupported VRRP version %d", adv.Version)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, hdr); err != nil {
		return nil, err
	}
	for _, a := range adv.Addresses {
		if c.Fam.AddrLen() == net.IPv4len {
			buf.Write(a.To4())
		} else {
			buf.Write(a.To16())
		}
	}
	if adv.Version == 2 && adv.AuthType == AuthSimple {
		buf.Write(adv.AuthData[:])
	} else if c.Fam.AddrLen() == net.IPv4len {
		// IPv4 advertisements always carry the 8 trailing bytes counted by
		// family's v4 AdvSize, zero-filled when there is no password.
		buf.Write(make([]byte, AuthDataSize))
	}

	out := buf.Bytes()
	pseudoHeader := adv.Version == 3 || c.Fam.AddrLen() == net.IPv6len
	chk := c.Fam.Checksum(out, saddr, daddr, pseudoHeader)
	out[6], out[7] = byte(chk>>8), byte(chk)
	return out, nil
}

// Decode parses a candidate advertisement out of raw, the payload bytes
// starting at the VRRP header (spec.md's InboundPacket.vrrp). It performs no
// validation beyond what is needed to extract the fields — length and
// semantic validation (spec.md §4.4's 10-point checklist) is netio's job.
func (c Codec) Decode(raw []byte) (Advertisement, error) {
	if len(raw) < 8 {
		return Advertisement{}, fmt.Errorf("wire: packet too short (%d bytes)", len(raw))
	}
	var hdr wireHeader
	if err := binary.Read(bytes.NewReader(raw[:8]), binary.BigEndian, &hdr); err != nil {
		return Advertisement{}, err
	}
	adv := Advertisement{
		Version:      hdr.VersionType >> 4,
		Type:         hdr.VersionType & 0x0f,
		VRID:         hdr.VRID,
		Priority:     hdr.Priority,
		CountIPAddrs: hdr.CountIPAddrs,
		Checksum:     hdr.Checksum,
	}
	switch adv.Version {
	case 2:
		adv.AuthType = uint8(hdr.Union >> 8)
		adv.AdvIntSec = uint8(hdr.Union)
	case 3:
		adv.MaxAdvIntCs = hdr.Union & 0x0fff
	}

	addrLen := c.Fam.AddrLen()
	naddr := int(adv.CountIPAddrs)
	need := 8 + addrLen*naddr
	if adv.Version == 2 && adv.AuthType == AuthSimple {
		need += AuthDataSize
	}
	if len(raw) < need {
		return Advertisement{}, fmt.Errorf("wire: packet length %d too short for %d addresses", len(raw), naddr)
	}
	for i := 0; i < naddr; i++ {
		off := 8 + i*addrLen
		ip := make(net.IP, addrLen)
		copy(ip, raw[off:off+addrLen])
		adv.Addresses = append(adv.Addresses, ip)
	}
	if adv.Version == 2 && adv.AuthType == AuthSimple {
		copy(adv.AuthData[:], raw[8+addrLen*naddr:8+addrLen*naddr+AuthDataSize])
	}
	return adv, nil
}

// VerifyChecksum recomputes the checksum of raw (the full advertisement as
// received, checksum field included) using saddr/daddr and reports whether
// it reduces to zero, per RFC 1071 and spec.md §4.4 check 6.
func (c Codec) VerifyChecksum(raw []byte, version uint8, saddr, daddr net.IP) bool {
	pseudoHeader := version == 3 || c.Fam.AddrLen() == net.IPv6len
	return c.Fam.Checksum(raw, saddr, daddr, pseudoHeader) == 0
}

// SetPriority overwrites payload's priority byte in place and recomputes its
// checksum, for the priority-0 resignation path of spec.md §4.3/§4.7: the
// prebuilt advertisement is mutated, sent, then the caller restores the
// original priority with a second call.
func (c Codec) SetPriority(payload []byte, version uint8, priority byte, saddr, daddr net.IP) {
	payload[2] = priority
	pseudoHeader := version == 3 || c.Fam.AddrLen() == net.IPv6len
	payload[6], payload[7] = 0, 0
	chk := c.Fam.Checksum(payload, saddr, daddr, pseudoHeader)
	payload[6], payload[7] = byte(chk>>8), byte(chk)
}

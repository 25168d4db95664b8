package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evolix/uvrrpd-go/vrrp/family"
)

func TestVirtualMACEncodesVRID(t *testing.T) {
	mac := VirtualMAC(7)
	assert.Equal(t, net.HardwareAddr{0x00, 0x00, 0x5e, 0x00, 0x01, 0x07}, mac)
}

func TestBuildAdvertisementFrameV4Fragments(t *testing.T) {
	payload := []byte{0x31, 0x01, 150, 1, 0, 100, 0, 0, 10, 0, 0, 1}
	fr, err := BuildAdvertisementFrameV4(VirtualMAC(7), net.IPv4(10, 0, 0, 2), payload, 0)
	require.NoError(t, err)
	assert.Len(t, fr.Ethernet, 14)
	assert.Len(t, fr.Network, 20)
	assert.Equal(t, payload, fr.Payload)
	assert.Equal(t, DstMACAdvertisementV4, net.HardwareAddr(fr.Ethernet[0:6]))
}

func TestBuildAdvertisementFrameV4SetsDSCP(t *testing.T) {
	payload := []byte{0x31, 0x01, 150, 1, 0, 100, 0, 0, 10, 0, 0, 1}
	fr, err := BuildAdvertisementFrameV4(VirtualMAC(7), net.IPv4(10, 0, 0, 2), payload, 46)
	require.NoError(t, err)
	// The TOS byte is the second octet of the IPv4 header.
	assert.Equal(t, byte(46<<2), fr.Network[1])
}

func TestBuildAdvertisementFrameV6Fragments(t *testing.T) {
	payload := []byte{0x31, 0x01, 255, 1, 0x0f, 0xff, 0, 0, 0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	fr, err := BuildAdvertisementFrameV6(VirtualMAC(1), net.ParseIP("fe80::2"), payload, 0)
	require.NoError(t, err)
	assert.Len(t, fr.Ethernet, 14)
	assert.Len(t, fr.Network, 40)
	assert.Equal(t, payload, fr.Payload)
}

func TestBuildGratuitousARPUsesVirtualMACAsSenderAndVIPAsSenderAndTarget(t *testing.T) {
	mac := VirtualMAC(5)
	vip := net.IPv4(10, 0, 0, 1)
	fr, err := BuildGratuitousARP(mac, vip)
	require.NoError(t, err)
	assert.Equal(t, DstMACBroadcast, net.HardwareAddr(fr.Ethernet[0:6]))
	// ARP body: sender MAC at 8:14, sender IP at 14:18, target IP at 24:28.
	assert.Equal(t, mac, net.HardwareAddr(fr.Network[8:14]))
	assert.Equal(t, []byte(vip.To4()), fr.Network[14:18])
	assert.Equal(t, []byte(vip.To4()), fr.Network[24:28])
}

func TestBuildUnsolicitedNAIsSentToAllNodesMAC(t *testing.T) {
	mac := VirtualMAC(5)
	vip := net.ParseIP("fe80::1")
	fr, err := BuildUnsolicitedNA(mac, vip)
	require.NoError(t, err)
	assert.Equal(t, DstMACAllNodesV6, net.HardwareAddr(fr.Ethernet[0:6]))
}

func TestSetPriorityMutatesInPlaceAndRestoresChecksumValidity(t *testing.T) {
	f, err := family.New(4)
	require.NoError(t, err)
	c := Codec{Fam: f}
	saddr, daddr := net.IPv4(10, 0, 0, 2), f.MulticastGroup()
	adv := Advertisement{Version: 3, VRID: 7, Priority: 150, CountIPAddrs: 1, MaxAdvIntCs: 100, Addresses: []net.IP{net.IPv4(10, 0, 0, 1)}}
	raw, err := c.Encode(adv, saddr, daddr)
	require.NoError(t, err)

	original := append([]byte(nil), raw...)
	c.SetPriority(raw, adv.Version, 0, saddr, daddr)
	assert.Equal(t, byte(0), raw[2])
	assert.True(t, c.VerifyChecksum(raw, adv.Version, saddr, daddr))

	c.SetPriority(raw, adv.Version, original[2], saddr, daddr)
	assert.Equal(t, original, raw)
}

package wire

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/evolix/uvrrpd-go/vrrp/family"
)

func mustFamily(t *testing.T, version int) family.Family {
	t.Helper()
	f, err := family.New(version)
	require.NoError(t, err)
	return f
}

func TestRoundTripV3IPv4(t *testing.T) {
	f := mustFamily(t, 4)
	c := Codec{Fam: f}
	saddr, daddr := net.IPv4(10, 0, 0, 2), f.MulticastGroup()
	adv := Advertisement{
		Version:      3,
		VRID:         7,
		Priority:     150,
		CountIPAddrs: 1,
		MaxAdvIntCs:  100,
		Addresses:    []net.IP{net.IPv4(10, 0, 0, 1)},
	}
	raw, err := c.Encode(adv, saddr, daddr)
	require.NoError(t, err)

	decoded, err := c.Decode(raw)
	require.NoError(t, err)
	require.True(t, c.VerifyChecksum(raw, adv.Version, saddr, daddr))

	decoded.Checksum = adv.Checksum // Checksum is filled in by Encode, not provided by the caller.
	normalizeAddrs(&adv)
	normalizeAddrs(&decoded)
	if diff := cmp.Diff(adv, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripV2IPv4WithAuth(t *testing.T) {
	f := mustFamily(t, 4)
	c := Codec{Fam: f}
	saddr, daddr := net.IPv4(10, 0, 0, 3), f.MulticastGroup()
	adv := Advertisement{
		Version:      2,
		VRID:         9,
		Priority:     100,
		CountIPAddrs: 2,
		AuthType:     AuthSimple,
		AdvIntSec:    1,
		AuthData:     [8]byte{'s', 'e', 'c', 'r', 'e', 't', 0, 0},
		Addresses:    []net.IP{net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 4)},
	}
	raw, err := c.Encode(adv, saddr, daddr)
	require.NoError(t, err)
	require.Equal(t, f.AdvSize(2, true), len(raw))

	decoded, err := c.Decode(raw)
	require.NoError(t, err)
	require.True(t, c.VerifyChecksum(raw, adv.Version, saddr, daddr))

	decoded.Checksum = adv.Checksum
	normalizeAddrs(&adv)
	normalizeAddrs(&decoded)
	if diff := cmp.Diff(adv, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripV3IPv6(t *testing.T) {
	f := mustFamily(t, 6)
	c := Codec{Fam: f}
	saddr := net.ParseIP("fe80::2")
	daddr := f.MulticastGroup()
	adv := Advertisement{
		Version:      3,
		VRID:         1,
		Priority:     255,
		CountIPAddrs: 1,
		MaxAdvIntCs:  4095,
		Addresses:    []net.IP{net.ParseIP("fe80::1")},
	}
	raw, err := c.Encode(adv, saddr, daddr)
	require.NoError(t, err)

	decoded, err := c.Decode(raw)
	require.NoError(t, err)
	require.True(t, c.VerifyChecksum(raw, adv.Version, saddr, daddr))
	decoded.Checksum = adv.Checksum
	normalizeAddrs(&adv)
	normalizeAddrs(&decoded)
	if diff := cmp.Diff(adv, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestBoundaryNaddr255(t *testing.T) {
	f := mustFamily(t, 6)
	c := Codec{Fam: f}
	addrs := make([]net.IP, 255)
	for i := range addrs {
		addrs[i] = net.ParseIP("fe80::1")
	}
	adv := Advertisement{Version: 3, VRID: 1, Priority: 200, CountIPAddrs: 255, MaxAdvIntCs: 100, Addresses: addrs}
	raw, err := c.Encode(adv, net.ParseIP("fe80::2"), f.MulticastGroup())
	require.NoError(t, err)
	decoded, err := c.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, 255, len(decoded.Addresses))
}

func TestDecodeRejectsShortPacket(t *testing.T) {
	c := Codec{Fam: mustFamily(t, 4)}
	_, err := c.Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestChecksumMismatchDetected(t *testing.T) {
	f := mustFamily(t, 4)
	c := Codec{Fam: f}
	saddr, daddr := net.IPv4(10, 0, 0, 2), f.MulticastGroup()
	adv := Advertisement{Version: 3, VRID: 1, Priority: 100, CountIPAddrs: 1, MaxAdvIntCs: 100, Addresses: []net.IP{net.IPv4(10, 0, 0, 1)}}
	raw, err := c.Encode(adv, saddr, daddr)
	require.NoError(t, err)
	raw[6] ^= 0xff // flip checksum byte
	require.False(t, c.VerifyChecksum(raw, adv.Version, saddr, daddr))
}

// normalizeAddrs reduces every address to its canonical 4/16-byte form so
// cmp.Diff doesn't trip over net.IP's 4-byte-vs-16-byte representation
// ambiguity for the same IPv4 address.
func normalizeAddrs(adv *Advertisement) {
	for i, a := range adv.Addresses {
		if v4 := a.To4(); v4 != nil {
			adv.Addresses[i] = v4
		} else {
			adv.Addresses[i] = a.To16()
		}
	}
}

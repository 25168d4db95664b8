package netio

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evolix/uvrrpd-go/vrrp/family"
	"github.com/evolix/uvrrpd-go/vrrp/wire"
)

// fakeConn hands back one canned Inbound per Receive call, letting the
// checklist in ReceiveAndValidate be exercised without a real socket.
type fakeConn struct {
	in  family.Inbound
	err error
}

func (f *fakeConn) JoinMulticast(*net.Interface, net.IP) error { return nil }
func (f *fakeConn) SetSockopts(uint8) error                    { return nil }
func (f *fakeConn) Receive([]byte) (family.Inbound, error)     { return f.in, f.err }
func (f *fakeConn) Fd() (int, error)                           { return -1, nil }
func (f *fakeConn) Close() error                               { return nil }

func mustFamily(t *testing.T, version int) family.Family {
	t.Helper()
	f, err := family.New(version)
	require.NoError(t, err)
	return f
}

func validAdvertisementV3(t *testing.T, fam family.Family, saddr, daddr net.IP) (wire.Advertisement, []byte) {
	t.Helper()
	c := wire.Codec{Fam: fam}
	adv := wire.Advertisement{
		Version:      3,
		VRID:         5,
		Priority:     150,
		CountIPAddrs: 1,
		MaxAdvIntCs:  100,
		Addresses:    []net.IP{net.IPv4(10, 0, 0, 1)},
	}
	raw, err := c.Encode(adv, saddr, daddr)
	require.NoError(t, err)
	return adv, raw
}

func newTestContext(t *testing.T, fam family.Family, in family.Inbound, local LocalConfig) *Context {
	t.Helper()
	ctx := &Context{Fam: fam, Codec: wire.Codec{Fam: fam}, Local: local}
	ctx.rx = &fakeConn{in: in}
	return ctx
}

func TestReceiveAndValidateAcceptsWellFormedAdvertisement(t *testing.T) {
	fam := mustFamily(t, 4)
	saddr, daddr := net.IPv4(10, 0, 0, 2), fam.MulticastGroup()
	_, raw := validAdvertisementV3(t, fam, saddr, daddr)

	ctx := newTestContext(t, fam, family.Inbound{Src: saddr, Dst: daddr, TTL: 255, Proto: family.VRRPProto, Payload: raw},
		LocalConfig{Version: 3, VRID: 5, Priority: 100})

	res := ctx.ReceiveAndValidate(make([]byte, 64))
	require.Equal(t, PktOk, res.Kind)
	assert.Equal(t, uint8(5), res.Adv.VRID)
}

func TestReceiveAndValidateRejectsWrongProtocol(t *testing.T) {
	fam := mustFamily(t, 4)
	saddr, daddr := net.IPv4(10, 0, 0, 2), fam.MulticastGroup()
	_, raw := validAdvertisementV3(t, fam, saddr, daddr)

	ctx := newTestContext(t, fam, family.Inbound{Src: saddr, Dst: daddr, TTL: 255, Proto: 17, Payload: raw},
		LocalConfig{Version: 3, VRID: 5, Priority: 100})

	res := ctx.ReceiveAndValidate(make([]byte, 64))
	assert.Equal(t, Invalid, res.Kind)
}

func TestReceiveAndValidateRejectsBadTTL(t *testing.T) {
	fam := mustFamily(t, 4)
	saddr, daddr := net.IPv4(10, 0, 0, 2), fam.MulticastGroup()
	_, raw := validAdvertisementV3(t, fam, saddr, daddr)

	ctx := newTestContext(t, fam, family.Inbound{Src: saddr, Dst: daddr, TTL: 64, Proto: family.VRRPProto, Payload: raw},
		LocalConfig{Version: 3, VRID: 5, Priority: 100})

	res := ctx.ReceiveAndValidate(make([]byte, 64))
	assert.Equal(t, Invalid, res.Kind)
}

func TestReceiveAndValidateReportsVridMismatch(t *testing.T) {
	fam := mustFamily(t, 4)
	saddr, daddr := net.IPv4(10, 0, 0, 2), fam.MulticastGroup()
	_, raw := validAdvertisementV3(t, fam, saddr, daddr)

	ctx := newTestContext(t, fam, family.Inbound{Src: saddr, Dst: daddr, TTL: 255, Proto: family.VRRPProto, Payload: raw},
		LocalConfig{Version: 3, VRID: 9, Priority: 100})

	res := ctx.ReceiveAndValidate(make([]byte, 64))
	assert.Equal(t, VridMismatch, res.Kind)
}

func TestReceiveAndValidateRejectsChecksumMismatch(t *testing.T) {
	fam := mustFamily(t, 4)
	saddr, daddr := net.IPv4(10, 0, 0, 2), fam.MulticastGroup()
	_, raw := validAdvertisementV3(t, fam, saddr, daddr)
	raw[6] ^= 0xff

	ctx := newTestContext(t, fam, family.Inbound{Src: saddr, Dst: daddr, TTL: 255, Proto: family.VRRPProto, Payload: raw},
		LocalConfig{Version: 3, VRID: 5, Priority: 100})

	res := ctx.ReceiveAndValidate(make([]byte, 64))
	assert.Equal(t, Invalid, res.Kind)
}

func TestReceiveAndValidateOwnerRejectsEverything(t *testing.T) {
	fam := mustFamily(t, 4)
	saddr, daddr := net.IPv4(10, 0, 0, 2), fam.MulticastGroup()
	_, raw := validAdvertisementV3(t, fam, saddr, daddr)

	ctx := newTestContext(t, fam, family.Inbound{Src: saddr, Dst: daddr, TTL: 255, Proto: family.VRRPProto, Payload: raw},
		LocalConfig{Version: 3, VRID: 5, Priority: 255})

	res := ctx.ReceiveAndValidate(make([]byte, 64))
	assert.Equal(t, Invalid, res.Kind)
}

func TestReceiveAndValidateV2RejectsAuthMismatch(t *testing.T) {
	fam := mustFamily(t, 4)
	saddr, daddr := net.IPv4(10, 0, 0, 3), fam.MulticastGroup()
	c := wire.Codec{Fam: fam}
	adv := wire.Advertisement{
		Version: 2, VRID: 5, Priority: 100, CountIPAddrs: 1, AuthType: wire.AuthSimple,
		AdvIntSec: 1, AuthData: [8]byte{'s', 'e', 'c', 'r', 'e', 't'},
		Addresses: []net.IP{net.IPv4(10, 0, 0, 1)},
	}
	raw, err := c.Encode(adv, saddr, daddr)
	require.NoError(t, err)

	local := LocalConfig{
		Version: 2, VRID: 5, Priority: 100, AuthType: wire.AuthSimple,
		AuthData: [8]byte{'w', 'r', 'o', 'n', 'g'}, AdvIntSec: 1,
		VIPs: []net.IP{net.IPv4(10, 0, 0, 1)},
	}
	ctx := newTestContext(t, fam, family.Inbound{Src: saddr, Dst: daddr, TTL: 255, Proto: family.VRRPProto, Payload: raw}, local)

	res := ctx.ReceiveAndValidate(make([]byte, 64))
	assert.Equal(t, Invalid, res.Kind)
}

func TestReceiveAndValidateV2AcceptsMatchingConfig(t *testing.T) {
	fam := mustFamily(t, 4)
	saddr, daddr := net.IPv4(10, 0, 0, 3), fam.MulticastGroup()
	c := wire.Codec{Fam: fam}
	adv := wire.Advertisement{
		Version: 2, VRID: 5, Priority: 100, CountIPAddrs: 1, AuthType: wire.AuthNone,
		AdvIntSec: 1, Addresses: []net.IP{net.IPv4(10, 0, 0, 1)},
	}
	raw, err := c.Encode(adv, saddr, daddr)
	require.NoError(t, err)

	local := LocalConfig{
		Version: 2, VRID: 5, Priority: 100, AuthType: wire.AuthNone, AdvIntSec: 1,
		VIPs: []net.IP{net.IPv4(10, 0, 0, 1)},
	}
	ctx := newTestContext(t, fam, family.Inbound{Src: saddr, Dst: daddr, TTL: 255, Proto: family.VRRPProto, Payload: raw}, local)

	res := ctx.ReceiveAndValidate(make([]byte, 64))
	require.Equal(t, PktOk, res.Kind)
}

func TestReceiveAndValidateV2SkipsVIPCheckForOwnerAdvertisement(t *testing.T) {
	fam := mustFamily(t, 4)
	saddr, daddr := net.IPv4(10, 0, 0, 3), fam.MulticastGroup()
	c := wire.Codec{Fam: fam}
	adv := wire.Advertisement{
		Version: 2, VRID: 5, Priority: 255, CountIPAddrs: 2, AuthType: wire.AuthNone, AdvIntSec: 1,
		Addresses: []net.IP{net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 9)},
	}
	raw, err := c.Encode(adv, saddr, daddr)
	require.NoError(t, err)

	local := LocalConfig{
		Version: 2, VRID: 5, Priority: 100, AuthType: wire.AuthNone, AdvIntSec: 1,
		VIPs: []net.IP{net.IPv4(10, 0, 0, 1)}, // deliberately doesn't match naddr=2
	}
	ctx := newTestContext(t, fam, family.Inbound{Src: saddr, Dst: daddr, TTL: 255, Proto: family.VRRPProto, Payload: raw}, local)

	res := ctx.ReceiveAndValidate(make([]byte, 64))
	require.Equal(t, PktOk, res.Kind)
}

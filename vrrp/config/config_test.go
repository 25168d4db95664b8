package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func firstIPv4Interface(t *testing.T) string {
	t.Helper()
	ifaces, err := net.Interfaces()
	require.NoError(t, err)
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if ok && ipnet.IP.To4() != nil {
				return iface.Name
			}
		}
	}
	t.Skip("no IPv4-addressed interface available")
	return ""
}

func TestResolveAppliesSiteDefaultsAndValidates(t *testing.T) {
	iface := firstIPv4Interface(t)
	d := &Descriptor{
		VRID:  7,
		Iface: iface,
		VIPs:  []string{"10.0.0.1"},
	}
	sd := DefaultSiteDefaults()

	vr, err := Resolve(d, sd)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), vr.VRID)
	assert.Equal(t, uint8(2), vr.Version)
	assert.Equal(t, sd.DefaultPrio, vr.Priority)
	assert.True(t, vr.Preempt)
	assert.Equal(t, uint16(1), vr.AdvInt)
	assert.Equal(t, sd.ScriptPath, vr.Script)
	assert.NotNil(t, vr.PrimaryAddr)
}

func TestResolveRejectsZeroVRID(t *testing.T) {
	d := &Descriptor{VRID: 0, Iface: "lo", VIPs: []string{"10.0.0.1"}}
	_, err := Resolve(d, DefaultSiteDefaults())
	assert.Error(t, err)
}

func TestResolveRejectsMissingVIPs(t *testing.T) {
	d := &Descriptor{VRID: 1, Iface: "lo"}
	_, err := Resolve(d, DefaultSiteDefaults())
	assert.Error(t, err)
}

func TestResolveRejectsOversizedAuthPassword(t *testing.T) {
	iface := firstIPv4Interface(t)
	d := &Descriptor{
		VRID: 1, Iface: iface, VIPs: []string{"10.0.0.1"},
		AuthPass: "waytoolongpassword",
	}
	_, err := Resolve(d, DefaultSiteDefaults())
	assert.Error(t, err)
}

func TestResolveRejectsAuthPasswordUnderV3(t *testing.T) {
	iface := firstIPv4Interface(t)
	d := &Descriptor{
		VRID: 1, Version: 3, Iface: iface, VIPs: []string{"10.0.0.1"},
		AuthPass: "secret",
	}
	_, err := Resolve(d, DefaultSiteDefaults())
	assert.Error(t, err)
}

func TestResolveIPv6SelectsV6Family(t *testing.T) {
	d := &Descriptor{VRID: 1, IPv6: true, Iface: "lo", VIPs: []string{"fe80::1"}}
	vr, err := Resolve(d, DefaultSiteDefaults())
	if err != nil {
		// "lo" may have no global-unicast IPv6 address in this sandbox;
		// the family selection itself is what's under test.
		assert.Contains(t, err.Error(), "no address for IPv6")
		return
	}
	assert.Equal(t, uint8(3), vr.Version)
	assert.Equal(t, 6, vr.Fam.Version())
}

func TestLoadDescriptorParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vr7.yaml")
	body := "vrid: 7\ninterface: eth0\npriority: 150\nvips:\n  - 10.0.0.1\n  - 10.0.0.2\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	d, err := LoadDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), d.VRID)
	assert.Equal(t, "eth0", d.Iface)
	assert.Equal(t, uint8(150), d.Priority)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, d.VIPs)
}

func TestLoadSiteDefaultsOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uvrrpd.ini")
	body := "[uvrrpd]\nscript = /opt/uvrrpd/switch.sh\npriority = 200\npreempt = false\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	sd, err := LoadSiteDefaults(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/uvrrpd/switch.sh", sd.ScriptPath)
	assert.Equal(t, uint8(200), sd.DefaultPrio)
	assert.False(t, sd.DefaultPreempt)
	assert.Equal(t, DefaultSiteDefaults().PidDir, sd.PidDir)
}

func TestLoadSiteDefaultsWithoutPathReturnsBuiltins(t *testing.T) {
	sd, err := LoadSiteDefaults("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSiteDefaults(), sd)
}

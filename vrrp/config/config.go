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

// Package config loads and validates the static description of one
// VirtualRouter: the YAML descriptor, an optional INI site-defaults file
// providing fallback values, and the CLI flags that override both. It does
// not open sockets or build frames — it hands vrrp/daemon a fully validated
// VirtualRouter to wire into the rest of the core.
package config

import (
	"fmt"
	"net"
	"os"

	ini "github.com/go-ini/ini"
	yaml "gopkg.in/yaml.v2"

	"github.com/evolix/uvrrpd-go/vrrp/family"
)

const (
	// VRIDMax is the largest valid virtual router ID (original_source/vrrp.h's
	// VRID_MAX).
	VRIDMax = 255
	// PriorityOwner is the reserved priority meaning "owns the VIPs".
	PriorityOwner = 255
	// AdvIntMax is the largest valid v3 advertisement interval, in
	// centiseconds — original_source/vrrp.h's ADVINT_MAX (RFC 5798's 12-bit
	// field). A v2 interval is whole seconds in an 8-bit field, so Resolve
	// caps it at AdvIntMaxV2.
	AdvIntMax = 4095
	// AdvIntMaxV2 is the largest valid v2 advertisement interval, in seconds.
	AdvIntMaxV2 = 255
	// AuthPassMax is the longest RFC 3768 simple-text password,
	// original_source/vrrp.h's VRRP_AUTH_PASS_LEN.
	AuthPassMax = 8
	// DSCPMax is the largest valid DSCP codepoint (a 6-bit field).
	DSCPMax = 63
)

// VIP is one configured virtual IP address, in the order it was declared —
// order matters: spec.md requires topology updates to be sent in reverse
// declaration order.
type VIP struct {
	Addr net.IP
}

// VirtualRouter is the fully resolved, validated configuration of a single
// VRRP instance, ready to be handed to vrrp/fsm.Config and vrrp/netio.Open.
type VirtualRouter struct {
	VRID     uint8
	Version  uint8 // 2 (RFC3768) or 3 (RFC5798)
	Fam      family.Family
	Iface    string
	Priority uint8
	Preempt  bool
	AdvInt   uint16 // seconds (v2) or centiseconds (v3)

	AuthType uint8 // 0 = none, 1 = simple text password (v2 only)
	AuthData string

	VIPs []VIP

	PrimaryAddr net.IP // resolved from Iface once the interface is known

	Script      string
	PidFilePath string
	Foreground  bool
	LogLevel    string
	DSCP        uint8 // 0-63, written into the advertisement's IP TOS/traffic-class octet
}

// Descriptor is the on-disk YAML representation of a VirtualRouter. Fields
// left zero are filled in from SiteDefaults, then validated.
type Descriptor struct {
	VRID     uint8    `yaml:"vrid"`
	Version  uint8    `yaml:"version"`
	IPv6     bool     `yaml:"ipv6"`
	Iface    string   `yaml:"interface"`
	Priority uint8    `yaml:"priority"`
	Preempt  *bool    `yaml:"preempt"`
	AdvInt   uint16   `yaml:"interval"`
	AuthPass string   `yaml:"auth_pass"`
	VIPs     []string `yaml:"vips"`
	Script   string   `yaml:"script"`
	PidFile  string   `yaml:"pidfile"`
	DSCP     uint8    `yaml:"dscp"`
}

// SiteDefaults is the INI-sourced fallback file consulted for values a
// Descriptor omits, grounded on original_source/vrrp_options.c's built-in
// defaults (priority 100, preempt on, the default script and pidfile
// paths). It holds no advertisement interval; Resolve fills that in itself
// (1s for v2, 100cs for v3).
type SiteDefaults struct {
	ScriptPath    string
	PidDir        string
	DefaultPrio   uint8
	DefaultPreempt bool
	LogLevel      string
}

// DefaultSiteDefaults mirrors vrrp_options.c's hardcoded fallbacks, used
// when no --defaults file is given at all.
func DefaultSiteDefaults() SiteDefaults {
	return SiteDefaults{
		ScriptPath:     "/etc/uvrrpd/uvrrpd-switch.sh",
		PidDir:         "/var/run",
		DefaultPrio:    100,
		DefaultPreempt: true,
		LogLevel:       "info",
	}
}

// LoadDescriptor reads and YAML-decodes a VR descriptor file.
func LoadDescriptor(path string) (*Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading descriptor: %w", err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("config: parsing descriptor: %w", err)
	}
	return &d, nil
}

// LoadSiteDefaults reads an INI site-defaults file, overlaying
// DefaultSiteDefaults for any key it doesn't set.
func LoadSiteDefaults(path string) (SiteDefaults, error) {
	sd := DefaultSiteDefaults()
	if path == "" {
		return sd, nil
	}
	f, err := ini.Load(path)
	if err != nil {
		return sd, fmt.Errorf("config: reading site defaults: %w", err)
	}
	sec := f.Section("uvrrpd")
	if k := sec.Key("script"); k.String() != "" {
		sd.ScriptPath = k.String()
	}
	if k := sec.Key("piddir"); k.String() != "" {
		sd.PidDir = k.String()
	}
	if v, err := sec.Key("priority").Uint(); err == nil && v > 0 {
		sd.DefaultPrio = uint8(v)
	}
	if v, err := sec.Key("preempt").Bool(); err == nil {
		sd.DefaultPreempt = v
	}
	if k := sec.Key("loglevel"); k.String() != "" {
		sd.LogLevel = k.String()
	}
	return sd, nil
}

// Resolve validates d against SiteDefaults and CLI-equivalent rules,
// resolves the interface, and returns a fully populated VirtualRouter.
// The validation ordering follows original_source/vrrp_options.c: vrid
// range, then priority range, then interval range, then VIP list
// non-empty, then auth constraints, then interface resolution last (it's
// the only check requiring a syscall).
func Resolve(d *Descriptor, sd SiteDefaults) (*VirtualRouter, error) {
	if d.VRID == 0 || d.VRID > VRIDMax {
		return nil, fmt.Errorf("config: vrid must be 1..%d", VRIDMax)
	}

	version := d.Version
	if d.IPv6 {
		version = 3
	}
	if version == 0 {
		version = 2
	}
	if version != 2 && version != 3 {
		return nil, fmt.Errorf("config: version must be 2 or 3")
	}
	famVersion := 4
	if d.IPv6 {
		famVersion = 6
	}
	fam, err := family.New(famVersion)
	if err != nil {
		return nil, err
	}

	priority := d.Priority
	if priority == 0 {
		priority = sd.DefaultPrio
	}
	if priority > PriorityOwner {
		return nil, fmt.Errorf("config: priority must be 0..%d", PriorityOwner)
	}

	advInt := d.AdvInt
	if advInt == 0 {
		if version == 2 {
			advInt = 1
		} else {
			advInt = 100
		}
	}
	if advInt > AdvIntMax {
		return nil, fmt.Errorf("config: interval must be 1..%d", AdvIntMax)
	}
	if version == 2 && advInt > AdvIntMaxV2 {
		return nil, fmt.Errorf("config: VRRPv2 interval must be 1..%d seconds", AdvIntMaxV2)
	}

	if len(d.VIPs) == 0 {
		return nil, fmt.Errorf("config: at least one virtual IP is required")
	}
	vips := make([]VIP, 0, len(d.VIPs))
	for _, s := range d.VIPs {
		ip, err := fam.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("config: invalid VIP %q: %w", s, err)
		}
		vips = append(vips, VIP{Addr: ip})
	}

	var authType uint8
	var authData string
	if d.AuthPass != "" {
		if version != 2 {
			return nil, fmt.Errorf("config: simple-text auth is VRRPv2 only")
		}
		if len(d.AuthPass) > AuthPassMax {
			return nil, fmt.Errorf("config: auth password too long (%d char max)", AuthPassMax)
		}
		authType = 1
		authData = d.AuthPass
	}

	if d.DSCP > DSCPMax {
		return nil, fmt.Errorf("config: dscp must be 0..%d", DSCPMax)
	}

	if d.Iface == "" {
		return nil, fmt.Errorf("config: interface is required")
	}
	iface, err := net.InterfaceByName(d.Iface)
	if err != nil {
		return nil, fmt.Errorf("config: resolving interface %s: %w", d.Iface, err)
	}
	primary, err := primaryAddr(iface, famVersion)
	if err != nil {
		return nil, err
	}

	preempt := sd.DefaultPreempt
	if d.Preempt != nil {
		preempt = *d.Preempt
	}

	script := d.Script
	if script == "" {
		script = sd.ScriptPath
	}
	pidFile := d.PidFile
	if pidFile == "" {
		pidFile = fmt.Sprintf("%s/uvrrp_%d.pid", sd.PidDir, d.VRID)
	}

	return &VirtualRouter{
		VRID:        d.VRID,
		Version:     version,
		Fam:         fam,
		Iface:       d.Iface,
		Priority:    priority,
		Preempt:     preempt,
		AdvInt:      advInt,
		AuthType:    authType,
		AuthData:    authData,
		VIPs:        vips,
		PrimaryAddr: primary,
		Script:      script,
		PidFilePath: pidFile,
		LogLevel:    sd.LogLevel,
		DSCP:        d.DSCP,
	}, nil
}

// primaryAddr returns iface's first configured address of the requested IP
// version, mirroring original_source/vrrp_net.c's vrrp_net_vif_getaddr.
func primaryAddr(iface *net.Interface, version int) (net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("config: reading addresses of %s: %w", iface.Name, err)
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipnet.IP.To4()
		if version == 4 && ip4 != nil {
			return ip4, nil
		}
		if version == 6 && ip4 == nil && ipnet.IP.IsGlobalUnicast() {
			return ipnet.IP, nil
		}
	}
	return nil, fmt.Errorf("config: %s has no address for IPv%d", iface.Name, version)
}

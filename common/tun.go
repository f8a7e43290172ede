//go:build linux
// +build linux

package common

import (
	"strconv"

	"github.com/songgao/water"
)

// OpenTun creates the virtual network interface for the SSL tunnel data
// plane.
func OpenTun(name string) (*water.Interface, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	dev, err := water.New(cfg)
	if err != nil {
		return nil, TransportErrorf("create tun device: %v", err)
	}
	return dev, nil
}

// ConfigureTun assigns the office-mode address and MTU and brings the
// interface up.
func ConfigureTun(iface string, p *TunnelParams) error {
	if p == nil || p.VirtualIP == nil {
		return TransportErrorf("no assigned address for %s", iface)
	}
	mtu := p.MTU
	if mtu == 0 {
		mtu = MTU
	}
	commands := [][]string{
		{"ip", "addr", "flush", "dev", iface},
		{"ip", "addr", "add", p.VirtualIP.String() + "/32", "dev", iface},
		{"ip", "link", "set", "dev", iface, "up"},
		{"ip", "link", "set", "dev", iface, "mtu", strconv.Itoa(mtu)},
	}
	for _, cmd := range commands {
		out, err := RunPrivilegedCombined(cmd[0], cmd[1:]...)
		if err != nil {
			return TransportErrorf("cmd %v failed: %v (%s)", cmd, err, string(out))
		}
	}
	return nil
}

// DownTun flushes addresses and downs the interface, tolerating an
// already-removed device.
func DownTun(iface string) {
	_ = RunPrivileged("ip", "addr", "flush", "dev", iface)
	_ = RunPrivileged("ip", "link", "set", "dev", iface, "down")
}

//go:build linux
// +build linux

package common

import (
	"net"
	"strings"

	"golang.org/x/sys/unix"
)

// SystemRouteApplier mutates routing and DNS state through ip(8) and
// resolvectl. It is the production implementation of the client's
// route-apply capability.
type SystemRouteApplier struct{}

func (SystemRouteApplier) AddRoute(cidr, dev string) error {
	out, err := RunPrivilegedCombined("ip", "route", "replace", cidr, "dev", dev)
	if err != nil {
		return TransportErrorf("add route %s dev %s: %v (%s)", cidr, dev, err, string(out))
	}
	return nil
}

func (SystemRouteApplier) DelRoute(cidr, dev string) error {
	out, err := RunPrivilegedCombined("ip", "route", "del", cidr, "dev", dev)
	if err != nil {
		// Tolerate a route that is already gone.
		if strings.Contains(string(out), "No such process") {
			return nil
		}
		return TransportErrorf("del route %s dev %s: %v (%s)", cidr, dev, err, string(out))
	}
	return nil
}

func (SystemRouteApplier) SetDNS(dev string, servers []net.IP, domains []string) error {
	if len(servers) > 0 {
		args := []string{"dns", dev}
		for _, s := range servers {
			args = append(args, s.String())
		}
		if out, err := RunPrivilegedCombined("resolvectl", args...); err != nil {
			return TransportErrorf("set dns on %s: %v (%s)", dev, err, string(out))
		}
	}
	if len(domains) > 0 {
		args := []string{"domain", dev}
		for _, d := range domains {
			// Route-only domains: resolve these suffixes through the
			// tunnel's DNS without making it the global default.
			args = append(args, "~"+strings.TrimPrefix(d, "."))
		}
		if out, err := RunPrivilegedCombined("resolvectl", args...); err != nil {
			return TransportErrorf("set dns domains on %s: %v (%s)", dev, err, string(out))
		}
	}
	return nil
}

func (SystemRouteApplier) ClearDNS(dev string) error {
	if out, err := RunPrivilegedCombined("resolvectl", "revert", dev); err != nil {
		return TransportErrorf("revert dns on %s: %v (%s)", dev, err, string(out))
	}
	return nil
}

// PinHost installs a /32 route to the host over the current default
// uplink, so tunnel routes can never swallow traffic to the gateway
// itself.
func (SystemRouteApplier) PinHost(ip net.IP) error {
	via, dev, err := GetDefaultRouteDev()
	if err != nil {
		return err
	}
	if dev == "" {
		// No default route to protect; nothing to pin.
		return nil
	}
	args := []string{"route", "replace", ip.String() + "/32"}
	if via != "" {
		args = append(args, "via", via)
	}
	args = append(args, "dev", dev)
	if out, err := RunPrivilegedCombined("ip", args...); err != nil {
		return TransportErrorf("pin host route %s: %v (%s)", ip, err, string(out))
	}
	return nil
}

func (SystemRouteApplier) UnpinHost(ip net.IP) error {
	out, err := RunPrivilegedCombined("ip", "route", "del", ip.String()+"/32")
	if err != nil {
		if strings.Contains(string(out), "No such process") {
			return nil
		}
		return TransportErrorf("unpin host route %s: %v (%s)", ip, err, string(out))
	}
	return nil
}

// SetEspInUdpEncap marks a UDP socket as the NAT-T ESP-in-UDP
// encapsulation socket (port 4500) so the kernel decapsulates ESP
// payloads arriving on it.
func SetEspInUdpEncap(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return TransportErrorf("raw conn: %v", err)
	}
	var soErr error
	err = raw.Control(func(fd uintptr) {
		soErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_UDP, unix.UDP_ENCAP, unix.UDP_ENCAP_ESPINUDP)
	})
	if err != nil {
		return TransportErrorf("socket control: %v", err)
	}
	if soErr != nil {
		return TransportErrorf("set UDP_ENCAP_ESPINUDP: %v", soErr)
	}
	return nil
}

// GetDefaultRouteDev returns the device carrying the default route, used
// to keep gateway traffic off the tunnel.
func GetDefaultRouteDev() (via, dev string, err error) {
	out, err := RunPrivilegedCombined("ip", "route", "show", "default")
	if err != nil {
		return "", "", TransportErrorf("show default route: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return "", "", nil
	}
	fields := strings.Fields(lines[0])
	for i := 0; i < len(fields)-1; i++ {
		switch fields[i] {
		case "via":
			via = fields[i+1]
		case "dev":
			dev = fields[i+1]
		}
	}
	return via, dev, nil
}

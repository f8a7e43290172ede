package common

import (
	"net"
	"time"
)

// TunnelParams is the office-mode snapshot handed to the routing layer once
// a tunnel is established. It is immutable per tunnel instance; a reconnect
// produces a fresh snapshot.
type TunnelParams struct {
	VirtualIP     net.IP
	DNSServers    []net.IP
	SearchDomains []string
	IncludeRoutes []string // CIDR notation
	ExcludeRoutes []string // CIDR notation
	MTU           int
	Keepalive     time.Duration
}

// Equal reports whether two snapshots describe the same routing outcome.
func (p *TunnelParams) Equal(o *TunnelParams) bool {
	if p == nil || o == nil {
		return p == o
	}
	if !p.VirtualIP.Equal(o.VirtualIP) || p.MTU != o.MTU {
		return false
	}
	if len(p.DNSServers) != len(o.DNSServers) ||
		len(p.SearchDomains) != len(o.SearchDomains) ||
		len(p.IncludeRoutes) != len(o.IncludeRoutes) ||
		len(p.ExcludeRoutes) != len(o.ExcludeRoutes) {
		return false
	}
	for i := range p.DNSServers {
		if !p.DNSServers[i].Equal(o.DNSServers[i]) {
			return false
		}
	}
	for i := range p.SearchDomains {
		if p.SearchDomains[i] != o.SearchDomains[i] {
			return false
		}
	}
	for i := range p.IncludeRoutes {
		if p.IncludeRoutes[i] != o.IncludeRoutes[i] {
			return false
		}
	}
	for i := range p.ExcludeRoutes {
		if p.ExcludeRoutes[i] != o.ExcludeRoutes[i] {
			return false
		}
	}
	return true
}

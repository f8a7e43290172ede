package main

import (
	"log/slog"
	"net"
	"sync"

	"github.com/tGecko/snx-rs/common"
)

// RouteApplier is the capability RoutingManager drives. The production
// implementation is common.SystemRouteApplier.
type RouteApplier interface {
	AddRoute(cidr, dev string) error
	DelRoute(cidr, dev string) error
	SetDNS(dev string, servers []net.IP, domains []string) error
	ClearDNS(dev string) error
	PinHost(ip net.IP) error
	UnpinHost(ip net.IP) error
}

// RoutingManager owns the split-routing state for one tunnel device. It
// records exactly what it installed so Revert undoes that set and nothing
// else. Apply with equal parameters is a no-op; Revert without Apply is a
// no-op.
type RoutingManager struct {
	applier RouteApplier
	dev     string
	log     *slog.Logger

	mu       sync.Mutex
	applied  *common.TunnelParams
	routes   []string // CIDRs actually installed, in order
	dnsSet   bool
	extraDom []string // config-level search domains merged into the set
	pin      net.IP   // gateway address held off the tunnel
	pinned   bool
}

func NewRoutingManager(applier RouteApplier, dev string, extraDomains []string, log *slog.Logger) *RoutingManager {
	return &RoutingManager{applier: applier, dev: dev, extraDom: extraDomains, log: log}
}

// SetGatewayPin arranges a /32 route for the gateway over the physical
// uplink before any tunnel routes go in. Without it a broad include range
// (say 0.0.0.0/1) would loop the tunnel's own packets into the tunnel.
func (m *RoutingManager) SetGatewayPin(ip net.IP) {
	m.mu.Lock()
	m.pin = ip
	m.mu.Unlock()
}

// includeSet filters the include ranges against exact exclude matches.
// Finer-grained exclusion is the kernel's job via more-specific routes.
func includeSet(p *common.TunnelParams) []string {
	excluded := make(map[string]bool, len(p.ExcludeRoutes))
	for _, e := range p.ExcludeRoutes {
		excluded[e] = true
	}
	var out []string
	for _, r := range p.IncludeRoutes {
		if !excluded[r] {
			out = append(out, r)
		}
	}
	return out
}

// Apply installs routes then DNS, in that order, so observers never see
// VPN DNS answers pointing at networks that are not yet reachable.
func (m *RoutingManager) Apply(p *common.TunnelParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		return common.TransportErrorf("no tunnel parameters to apply")
	}
	if m.applied != nil && m.applied.Equal(p) {
		return nil
	}
	if m.applied != nil {
		// Parameters changed underneath us (reconnect): clear the old set
		// first.
		if err := m.revertLocked(); err != nil {
			return err
		}
	}
	if m.pin != nil && !m.pinned {
		if err := m.applier.PinHost(m.pin); err != nil {
			return err
		}
		m.pinned = true
	}
	for _, cidr := range includeSet(p) {
		if err := m.applier.AddRoute(cidr, m.dev); err != nil {
			return err
		}
		m.routes = append(m.routes, cidr)
	}
	domains := append(append([]string(nil), p.SearchDomains...), m.extraDom...)
	if len(p.DNSServers) > 0 || len(domains) > 0 {
		if err := m.applier.SetDNS(m.dev, p.DNSServers, domains); err != nil {
			return err
		}
		m.dnsSet = true
	}
	m.applied = p
	m.log.Info("routing applied", "dev", m.dev, "routes", len(m.routes), "dns", len(p.DNSServers))
	return nil
}

// Revert removes exactly what Apply recorded, DNS first then routes in
// reverse install order. Tolerates partially applied state.
func (m *RoutingManager) Revert() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revertLocked()
}

func (m *RoutingManager) revertLocked() error {
	var firstErr error
	if m.dnsSet {
		if err := m.applier.ClearDNS(m.dev); err != nil && firstErr == nil {
			firstErr = err
		}
		m.dnsSet = false
	}
	for i := len(m.routes) - 1; i >= 0; i-- {
		if err := m.applier.DelRoute(m.routes[i], m.dev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.pinned {
		if err := m.applier.UnpinHost(m.pin); err != nil && firstErr == nil {
			firstErr = err
		}
		m.pinned = false
	}
	m.routes = nil
	m.applied = nil
	return firstErr
}

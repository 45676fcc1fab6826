package engine

import (
	"log/slog"
	"net/netip"

	"secgroup-engine/internal/model"
)

// resolve returns the prefixes an address spec stands for in the given
// membership snapshot. owner is the group whose rule is being evaluated; a
// reference to a group that does not exist resolves to nothing.
func resolve(spec model.AddressSpec, owner string, snap *memberSnapshot) []netip.Prefix {
	switch spec.Kind {
	case model.AddressCIDR:
		return []netip.Prefix{spec.Prefix}
	case model.AddressLocal:
		return snap.groups[owner]
	case model.AddressGroup:
		members, ok := snap.groups[spec.Group]
		if !ok {
			slog.Debug("Security group reference does not resolve", "group", spec.Group, "owner", owner)
		}
		return members
	}
	return nil
}

func prefixContains(p netip.Prefix, addr netip.Addr) bool {
	// A zero-length prefix is "any address", whatever the family.
	if p.Bits() == 0 {
		return true
	}
	return p.Contains(addr.Unmap())
}

// matches resolves spec against the current membership and reports whether
// addr falls inside it.
func matches(addr netip.Addr, spec model.AddressSpec, owner string, m *Membership) bool {
	return matchSpec(addr, spec, owner, m.snapshot())
}

func matchSpec(addr netip.Addr, spec model.AddressSpec, owner string, snap *memberSnapshot) bool {
	for _, p := range resolve(spec, owner, snap) {
		if prefixContains(p, addr) {
			return true
		}
	}
	return false
}

// matchAddrs reports whether addr matches any of specs. No specs means any.
func matchAddrs(specs []model.AddressSpec, addr netip.Addr, owner string, snap *memberSnapshot) bool {
	if len(specs) == 0 {
		return true
	}
	for _, spec := range specs {
		if matchSpec(addr, spec, owner, snap) {
			return true
		}
	}
	return false
}

// MatchPorts reports whether port falls in any of ranges. The all-ports range
// matches even when the protocol carries no ports.
func MatchPorts(ranges []model.PortRange, port uint16, hasPorts bool) bool {
	if len(ranges) == 0 {
		return true
	}
	for _, r := range ranges {
		if r.IsAll() {
			return true
		}
		if hasPorts && r.Contains(port) {
			return true
		}
	}
	return false
}

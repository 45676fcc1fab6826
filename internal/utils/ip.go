package utils

import (
	"fmt"
	"net/netip"
	"strings"
)

// ParsePrefix accepts either a CIDR or a bare address. A bare address becomes
// a host prefix (/32 or /128).
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return unmapPrefix(p).Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return HostPrefix(addr), nil
}

// PrefixFromParts builds a prefix from the ip_prefix/ip_prefix_len pair used
// in rule files.
func PrefixFromParts(ip string, length int) (netip.Prefix, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	if length < 0 || length > addr.BitLen() {
		return netip.Prefix{}, fmt.Errorf("prefix length %d out of range for %s", length, addr)
	}
	return netip.PrefixFrom(addr, length).Masked(), nil
}

// HostPrefix returns the single-address prefix for addr.
func HostPrefix(addr netip.Addr) netip.Prefix {
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen())
}

// IsHost reports whether p covers exactly one address.
func IsHost(p netip.Prefix) bool {
	return p.IsValid() && p.Bits() == p.Addr().BitLen()
}

func unmapPrefix(p netip.Prefix) netip.Prefix {
	if !p.Addr().Is4In6() {
		return p
	}
	bits := p.Bits() - 96
	if bits < 0 {
		bits = 0
	}
	return netip.PrefixFrom(p.Addr().Unmap(), bits)
}

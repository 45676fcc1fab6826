package engine

import (
	"net/netip"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"secgroup-engine/internal/utils"
)

// Membership holds the member addresses of every security group. Writers
// build a new snapshot and swap it in; readers never block.
type Membership struct {
	mu   sync.Mutex
	snap atomic.Pointer[memberSnapshot]
}

type memberSnapshot struct {
	groups map[string][]netip.Prefix
	hosts  map[netip.Addr][]string
	nets   []groupPrefix
}

type groupPrefix struct {
	group  string
	prefix netip.Prefix
}

func NewMembership() *Membership {
	m := &Membership{}
	m.snap.Store(buildSnapshot(map[string][]netip.Prefix{}))
	return m
}

// Set replaces the members of a group.
func (m *Membership) Set(group string, members []netip.Prefix) {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups := m.copyGroups()
	normalized := make([]netip.Prefix, 0, len(members))
	for _, p := range members {
		if p.IsValid() {
			normalized = append(normalized, p.Masked())
		}
	}
	groups[group] = normalized
	m.snap.Store(buildSnapshot(groups))
}

func (m *Membership) Remove(group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups := m.copyGroups()
	delete(groups, group)
	m.snap.Store(buildSnapshot(groups))
}

func (m *Membership) Members(group string) []netip.Prefix {
	return slices.Clone(m.snapshot().groups[group])
}

// GroupsOf returns the sorted names of the groups addr belongs to.
func (m *Membership) GroupsOf(addr netip.Addr) []string {
	return m.snapshot().groupsOf(addr)
}

func (m *Membership) snapshot() *memberSnapshot {
	return m.snap.Load()
}

func (m *Membership) copyGroups() map[string][]netip.Prefix {
	cur := m.snapshot().groups
	groups := make(map[string][]netip.Prefix, len(cur)+1)
	for k, v := range cur {
		groups[k] = v
	}
	return groups
}

func buildSnapshot(groups map[string][]netip.Prefix) *memberSnapshot {
	s := &memberSnapshot{groups: groups, hosts: map[netip.Addr][]string{}}
	for group, prefixes := range groups {
		for _, p := range prefixes {
			if utils.IsHost(p) {
				s.hosts[p.Addr()] = append(s.hosts[p.Addr()], group)
				continue
			}
			s.nets = append(s.nets, groupPrefix{group: group, prefix: p})
		}
	}
	return s
}

func (s *memberSnapshot) groupsOf(addr netip.Addr) []string {
	addr = addr.Unmap()
	seen := map[string]bool{}
	for _, g := range s.hosts[addr] {
		seen[g] = true
	}
	for _, gp := range s.nets {
		if gp.prefix.Contains(addr) {
			seen[gp.group] = true
		}
	}
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

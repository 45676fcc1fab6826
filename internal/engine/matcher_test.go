package engine

import (
	"net/netip"
	"testing"

	. "github.com/onsi/gomega"

	"secgroup-engine/internal/model"
)

func TestMatchesCIDR(t *testing.T) {
	g := NewWithT(t)
	m := NewMembership()

	tests := []struct {
		prefix string
		addr   string
		want   bool
	}{
		{"10.0.0.0/8", "10.1.2.3", true},
		{"10.0.0.0/8", "11.1.2.3", false},
		{"10.1.1.1/32", "10.1.1.1", true},
		{"0.0.0.0/0", "192.0.2.1", true},
		{"0.0.0.0/0", "2001:db8::1", true},
		{"::/0", "192.0.2.1", true},
		{"2001:db8::/32", "2001:db8:1::1", true},
		{"2001:db8::/32", "10.1.1.1", false},
		{"10.0.0.0/8", "::ffff:10.1.1.1", true},
	}
	for _, tt := range tests {
		spec := model.CIDR(netip.MustParsePrefix(tt.prefix))
		g.Expect(matches(netip.MustParseAddr(tt.addr), spec, "sg", m)).To(Equal(tt.want),
			"%s in %s", tt.addr, tt.prefix)
	}
}

func TestMatchesLocalFollowsMembership(t *testing.T) {
	g := NewWithT(t)
	m := NewMembership()
	addr := netip.MustParseAddr("10.1.1.1")

	g.Expect(matches(addr, model.Local(), "web", m)).To(BeFalse())

	m.Set("web", []netip.Prefix{netip.MustParsePrefix("10.1.1.1/32")})
	g.Expect(matches(addr, model.Local(), "web", m)).To(BeTrue())
	g.Expect(matches(addr, model.Local(), "db", m)).To(BeFalse(), "local is the owner's members only")

	m.Set("web", []netip.Prefix{netip.MustParsePrefix("10.2.0.0/16")})
	g.Expect(matches(addr, model.Local(), "web", m)).To(BeFalse())
	g.Expect(matches(netip.MustParseAddr("10.2.3.4"), model.Local(), "web", m)).To(BeTrue())
}

func TestMatchesGroupReference(t *testing.T) {
	g := NewWithT(t)
	m := NewMembership()
	addr := netip.MustParseAddr("10.9.9.9")

	g.Expect(matches(addr, model.GroupRef("clients"), "web", m)).To(BeFalse(), "missing group resolves to nothing")

	m.Set("clients", []netip.Prefix{netip.MustParsePrefix("10.9.0.0/16")})
	g.Expect(matches(addr, model.GroupRef("clients"), "web", m)).To(BeTrue())

	m.Remove("clients")
	g.Expect(matches(addr, model.GroupRef("clients"), "web", m)).To(BeFalse())
}

func TestMatchPorts(t *testing.T) {
	g := NewWithT(t)

	g.Expect(MatchPorts(nil, 80, true)).To(BeTrue())
	g.Expect(MatchPorts([]model.PortRange{{Start: 80, End: 80}}, 80, true)).To(BeTrue())
	g.Expect(MatchPorts([]model.PortRange{{Start: 80, End: 80}}, 81, true)).To(BeFalse())
	g.Expect(MatchPorts([]model.PortRange{{Start: 1000, End: -1}}, 65535, true)).To(BeTrue())
	g.Expect(MatchPorts([]model.PortRange{{Start: 22, End: 22}, {Start: 443, End: 443}}, 443, true)).To(BeTrue())

	// Protocols without ports only match the all-ports range.
	g.Expect(MatchPorts([]model.PortRange{model.AllPorts}, 0, false)).To(BeTrue())
	g.Expect(MatchPorts([]model.PortRange{{Start: 0, End: 0}}, 0, false)).To(BeFalse())
}

func TestMembershipGroupsOf(t *testing.T) {
	g := NewWithT(t)
	m := NewMembership()
	m.Set("web", []netip.Prefix{netip.MustParsePrefix("10.1.1.1/32")})
	m.Set("all", []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")})
	m.Set("v6", []netip.Prefix{netip.MustParsePrefix("2001:db8::/64")})

	g.Expect(m.GroupsOf(netip.MustParseAddr("10.1.1.1"))).To(Equal([]string{"all", "web"}))
	g.Expect(m.GroupsOf(netip.MustParseAddr("10.1.1.2"))).To(Equal([]string{"all"}))
	g.Expect(m.GroupsOf(netip.MustParseAddr("2001:db8::5"))).To(Equal([]string{"v6"}))
	g.Expect(m.GroupsOf(netip.MustParseAddr("192.0.2.1"))).To(BeEmpty())

	// Host members are stored masked.
	m.Set("web", []netip.Prefix{netip.MustParsePrefix("10.1.1.7/24")})
	g.Expect(m.Members("web")).To(Equal([]netip.Prefix{netip.MustParsePrefix("10.1.1.0/24")}))
}

package conntrack

import (
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"secgroup-engine/internal/model"
)

func TestTimeoutsExpired(t *testing.T) {
	timeouts := DefaultTimeouts()
	tcp := model.Tuple{Proto: model.ProtoTCP, Src: hostA, Dst: hostB, SrcPort: 40000, DstPort: 80}

	tests := []struct {
		name    string
		tuple   model.Tuple
		flags   model.TCPFlags
		age     time.Duration
		expired bool
	}{
		{"established tcp within an hour", tcp, model.FlagACK, 59 * time.Minute, false},
		{"established tcp after an hour", tcp, model.FlagACK, 61 * time.Minute, true},
		{"tcp after FIN", tcp, model.FlagFIN | model.FlagACK, 31 * time.Second, true},
		{"tcp after RST", tcp, model.FlagRST, 41 * time.Second, true},
		{"tcp after RST inside grace", tcp, model.FlagRST, 20 * time.Second, false},
		{"udp", udpTuple(hostA, hostB, 1, 2), 0, 61 * time.Second, true},
		{"icmp", model.Tuple{Proto: model.ProtoICMP, Src: hostA, Dst: hostB}, 0, 4 * time.Second, false},
		{"generic", model.Tuple{Proto: 47, Src: hostA, Dst: hostB}, 0, 599 * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			f := &Flow{Key: KeyFor(hostA, tt.tuple), Flags: tt.flags, LastSeen: t0}
			reason, expired := timeouts.Expired(f, t0.Add(tt.age))
			g.Expect(expired).To(Equal(tt.expired))
			if expired {
				g.Expect(reason).NotTo(BeEmpty())
			}
		})
	}
}

func TestTimeoutsValidate(t *testing.T) {
	g := NewWithT(t)
	g.Expect(DefaultTimeouts().Validate()).To(Succeed())
	bad := DefaultTimeouts()
	bad.UDP = 0
	g.Expect(bad.Validate()).To(MatchError(ContainSubstring("udp")))
}

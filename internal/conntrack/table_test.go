package conntrack

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"secgroup-engine/internal/model"
)

var (
	hostA = netip.MustParseAddr("10.1.1.1")
	hostB = netip.MustParseAddr("20.1.1.1")
	t0    = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func udpTuple(src, dst netip.Addr, sport, dport uint16) model.Tuple {
	return model.Tuple{Proto: model.ProtoUDP, Src: src, Dst: dst, SrcPort: sport, DstPort: dport}
}

func TestKeyForIsDirectionAgnostic(t *testing.T) {
	g := NewWithT(t)
	fwd := udpTuple(hostA, hostB, 10000, 10000)
	g.Expect(KeyFor(hostA, fwd)).To(Equal(KeyFor(hostA, fwd.Reverse())))
	g.Expect(KeyFor(hostA, fwd)).NotTo(Equal(KeyFor(hostB, fwd)), "endpoint must be part of the key")

	other := udpTuple(hostA, hostB, 10001, 10000)
	g.Expect(KeyFor(hostA, fwd)).NotTo(Equal(KeyFor(hostA, other)))
}

func TestRecordAndReverseLookup(t *testing.T) {
	g := NewWithT(t)
	table := New(Options{Shards: 4})
	fwd := udpTuple(hostA, hostB, 10000, 10000)

	f, err := table.Record(hostA, fwd, RuleRef{Group: "sg1", RuleID: "r1"}, model.Egress, 0, t0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(f.Initiator).To(Equal(fwd))
	g.Expect(table.Len()).To(Equal(1))

	got, ok := table.Lookup(hostA, fwd.Reverse(), t0.Add(time.Second))
	g.Expect(ok).To(BeTrue())
	g.Expect(got.Rule.RuleID).To(Equal("r1"))
	g.Expect(got.Initiator).To(Equal(fwd), "the initiator stays as first seen")

	_, ok = table.Lookup(hostB, fwd.Reverse(), t0.Add(time.Second))
	g.Expect(ok).To(BeFalse(), "flows must not leak to other enforcement points")

	// Recording again refreshes rather than duplicating.
	_, err = table.Record(hostA, fwd.Reverse(), RuleRef{Group: "sg1", RuleID: "r2"}, model.Ingress, 0, t0.Add(2*time.Second))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(table.Len()).To(Equal(1))
	got, _ = table.Lookup(hostA, fwd, t0.Add(2*time.Second))
	g.Expect(got.Rule.RuleID).To(Equal("r1"))
	g.Expect(got.LastSeen).To(Equal(t0.Add(2 * time.Second)))
}

func TestLookupHonoursIdleTimeout(t *testing.T) {
	g := NewWithT(t)
	timeouts := DefaultTimeouts()
	timeouts.UDP = 3 * time.Second
	table := New(Options{Timeouts: timeouts})
	fwd := udpTuple(hostA, hostB, 10000, 10000)
	_, err := table.Record(hostA, fwd, RuleRef{}, model.Egress, 0, t0)
	g.Expect(err).NotTo(HaveOccurred())

	_, ok := table.Refresh(hostA, fwd.Reverse(), 0, t0.Add(2*time.Second))
	g.Expect(ok).To(BeTrue())
	// Refresh moved last-seen forward, so 4s after the start is still live.
	_, ok = table.Lookup(hostA, fwd, t0.Add(4*time.Second))
	g.Expect(ok).To(BeTrue())

	_, ok = table.Lookup(hostA, fwd, t0.Add(6*time.Second))
	g.Expect(ok).To(BeFalse())
	g.Expect(table.Len()).To(BeZero())
}

func TestFlowTableFull(t *testing.T) {
	g := NewWithT(t)
	table := New(Options{MaxFlows: 2})
	for i := 0; i < 2; i++ {
		_, err := table.Record(hostA, udpTuple(hostA, hostB, uint16(1000+i), 53), RuleRef{}, model.Egress, 0, t0)
		g.Expect(err).NotTo(HaveOccurred())
	}
	g.Expect(table.Full()).To(BeTrue())

	_, err := table.Record(hostA, udpTuple(hostA, hostB, 2000, 53), RuleRef{}, model.Egress, 0, t0)
	g.Expect(err).To(MatchError(ErrFlowTableFull))
	g.Expect(table.Len()).To(Equal(2))

	// Existing flows keep working.
	_, err = table.Record(hostA, udpTuple(hostA, hostB, 1000, 53), RuleRef{}, model.Egress, 0, t0)
	g.Expect(err).NotTo(HaveOccurred())
	_, ok := table.Lookup(hostA, udpTuple(hostB, hostA, 53, 1001), t0)
	g.Expect(ok).To(BeTrue())

	// Room frees up once a flow expires.
	g.Expect(table.ExpireIdle(context.Background(), t0.Add(2*time.Minute))).To(Equal(2))
	g.Expect(table.Full()).To(BeFalse())
	_, err = table.Record(hostA, udpTuple(hostA, hostB, 2000, 53), RuleRef{}, model.Egress, 0, t0.Add(2*time.Minute))
	g.Expect(err).NotTo(HaveOccurred())
}

func TestExpireIdle(t *testing.T) {
	g := NewWithT(t)
	table := New(Options{Shards: 8})
	_, _ = table.Record(hostA, udpTuple(hostA, hostB, 1, 2), RuleRef{}, model.Egress, 0, t0)
	_, _ = table.Record(hostA, model.Tuple{Proto: model.ProtoTCP, Src: hostA, Dst: hostB, SrcPort: 1, DstPort: 80}, RuleRef{}, model.Egress, model.FlagSYN, t0)
	_, _ = table.Record(hostA, model.Tuple{Proto: model.ProtoICMP, Src: hostA, Dst: hostB, SrcPort: 7, DstPort: 7}, RuleRef{}, model.Egress, 0, t0)

	ctx := context.Background()
	tcp := model.Tuple{Proto: model.ProtoTCP, Src: hostA, Dst: hostB, SrcPort: 1, DstPort: 80}
	g.Expect(table.ExpireIdle(ctx, t0.Add(10*time.Second))).To(Equal(1), "only the ICMP flow is past 5s")
	g.Expect(table.ExpireIdle(ctx, t0.Add(2*time.Minute))).To(Equal(1), "then the UDP flow")
	g.Expect(table.Len()).To(Equal(1))
	_, ok := table.Lookup(hostA, tcp, t0.Add(2*time.Minute))
	g.Expect(ok).To(BeTrue())
}

func TestExpireIdleStopsWhenCancelled(t *testing.T) {
	g := NewWithT(t)
	table := New(Options{Shards: 4})
	for i := 0; i < 32; i++ {
		_, err := table.Record(hostA, udpTuple(hostA, hostB, uint16(1000+i), 53), RuleRef{}, model.Egress, 0, t0)
		g.Expect(err).NotTo(HaveOccurred())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g.Expect(table.ExpireIdle(ctx, t0.Add(time.Hour))).To(BeZero())
	g.Expect(table.Len()).To(Equal(32))
}

func TestConcurrentRecordAndLookup(t *testing.T) {
	g := NewWithT(t)
	table := New(Options{Shards: 16})
	var wg sync.WaitGroup
	var failures atomic.Int64
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				tuple := udpTuple(hostA, hostB, uint16(w*1000+i), 53)
				if _, err := table.Record(hostA, tuple, RuleRef{}, model.Egress, 0, t0); err != nil {
					failures.Add(1)
				}
				if _, ok := table.Lookup(hostA, tuple.Reverse(), t0); !ok {
					failures.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
	g.Expect(failures.Load()).To(BeZero())
	g.Expect(table.Len()).To(Equal(8 * 500))
}

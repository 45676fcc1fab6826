package conntrack

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"secgroup-engine/internal/model"
)

var ErrFlowTableFull = errors.New("flow table full")

const DefaultShards = 64

// Key identifies a flow at one enforcement point. The endpoints are stored
// in canonical order so both directions of a connection share a key.
type Key struct {
	Endpoint netip.Addr
	Proto    model.Protocol
	A        netip.AddrPort
	B        netip.AddrPort
}

func KeyFor(endpoint netip.Addr, t model.Tuple) Key {
	a := netip.AddrPortFrom(t.Src, t.SrcPort)
	b := netip.AddrPortFrom(t.Dst, t.DstPort)
	if b.Compare(a) < 0 {
		a, b = b, a
	}
	return Key{Endpoint: endpoint.Unmap(), Proto: t.Proto, A: a, B: b}
}

func (k Key) hash() uint64 {
	var buf [3*18 + 1]byte
	off := 0
	for _, ap := range []netip.AddrPort{netip.AddrPortFrom(k.Endpoint, 0), k.A, k.B} {
		a16 := ap.Addr().As16()
		off += copy(buf[off:], a16[:])
		binary.BigEndian.PutUint16(buf[off:], ap.Port())
		off += 2
	}
	buf[off] = byte(k.Proto)
	return xxhash.Sum64(buf[:])
}

// RuleRef names the rule that permitted a flow's first packet.
type RuleRef struct {
	Group      string
	RuleID     string
	Generation uint64
}

type Flow struct {
	Key Key
	// Initiator is the tuple of the first permitted packet.
	Initiator model.Tuple
	// Direction is the direction of the first packet at the enforcement point.
	Direction model.Direction
	Rule      RuleRef
	CreatedAt time.Time
	LastSeen  time.Time
	Flags     model.TCPFlags
}

type Options struct {
	Shards   int
	MaxFlows int
	Timeouts Timeouts
}

// Table is the flow table. Each key lives in exactly one shard and every
// access to a flow happens under that shard's lock.
type Table struct {
	shards   []*shard
	mask     uint64
	maxFlows int64
	count    atomic.Int64
	timeouts Timeouts
}

type shard struct {
	mu    sync.Mutex
	flows map[Key]*Flow
}

func New(opts Options) *Table {
	n := 1
	for n < opts.Shards {
		n <<= 1
	}
	if opts.Shards <= 0 {
		n = DefaultShards
	}
	if opts.Timeouts == (Timeouts{}) {
		opts.Timeouts = DefaultTimeouts()
	}
	t := &Table{
		shards:   make([]*shard, n),
		mask:     uint64(n - 1),
		maxFlows: int64(opts.MaxFlows),
		timeouts: opts.Timeouts,
	}
	for i := range t.shards {
		t.shards[i] = &shard{flows: make(map[Key]*Flow)}
	}
	return t
}

func (t *Table) shardFor(k Key) *shard {
	return t.shards[k.hash()&t.mask]
}

func (t *Table) Timeouts() Timeouts {
	return t.timeouts
}

// Lookup returns a copy of the flow for the tuple at the given endpoint. A
// flow that has been idle past its timeout is removed and reported missing.
func (t *Table) Lookup(endpoint netip.Addr, tuple model.Tuple, now time.Time) (Flow, bool) {
	k := KeyFor(endpoint, tuple)
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := t.liveLocked(s, k, now)
	if !ok {
		return Flow{}, false
	}
	return *f, true
}

// Refresh is Lookup followed by marking the flow as seen at now.
func (t *Table) Refresh(endpoint netip.Addr, tuple model.Tuple, flags model.TCPFlags, now time.Time) (Flow, bool) {
	k := KeyFor(endpoint, tuple)
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := t.liveLocked(s, k, now)
	if !ok {
		return Flow{}, false
	}
	f.LastSeen = now
	f.Flags |= flags
	return *f, true
}

// Record creates a flow for the tuple, or refreshes the existing one.
func (t *Table) Record(endpoint netip.Addr, tuple model.Tuple, ref RuleRef, dir model.Direction, flags model.TCPFlags, now time.Time) (Flow, error) {
	k := KeyFor(endpoint, tuple)
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := t.liveLocked(s, k, now); ok {
		f.LastSeen = now
		f.Flags |= flags
		return *f, nil
	}
	if n := t.count.Add(1); t.maxFlows > 0 && n > t.maxFlows {
		t.count.Add(-1)
		flowTableFullCount.Inc()
		return Flow{}, ErrFlowTableFull
	}
	f := &Flow{
		Key:       k,
		Initiator: tuple,
		Direction: dir,
		Rule:      ref,
		CreatedAt: now,
		LastSeen:  now,
		Flags:     flags,
	}
	s.flows[k] = f
	gaugeFlows.Inc()
	return *f, nil
}

func (t *Table) liveLocked(s *shard, k Key, now time.Time) (*Flow, bool) {
	f, ok := s.flows[k]
	if !ok {
		return nil, false
	}
	if reason, expired := t.timeouts.Expired(f, now); expired {
		slog.Debug("Dropping idle flow on lookup", "flow", f.Initiator.String(), "reason", reason)
		t.deleteLocked(s, k)
		expiredFlowsCount.Inc()
		return nil, false
	}
	return f, true
}

func (t *Table) deleteLocked(s *shard, k Key) {
	delete(s.flows, k)
	t.count.Add(-1)
	gaugeFlows.Dec()
}

// ExpireIdle removes every flow idle past its timeout and returns how many
// were removed. Shards are swept one at a time; once ctx is done no further
// shard is started.
func (t *Table) ExpireIdle(ctx context.Context, now time.Time) int {
	removed := 0
	for _, s := range t.shards {
		if ctx.Err() != nil {
			break
		}
		s.mu.Lock()
		for k, f := range s.flows {
			if reason, expired := t.timeouts.Expired(f, now); expired {
				slog.Debug("Expiring idle flow", "flow", f.Initiator.String(), "reason", reason)
				t.deleteLocked(s, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	expiredFlowsCount.Add(float64(removed))
	return removed
}

func (t *Table) Len() int {
	return int(t.count.Load())
}

// Full reports whether new flows are currently being refused.
func (t *Table) Full() bool {
	return t.maxFlows > 0 && t.count.Load() >= t.maxFlows
}

package engine

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"secgroup-engine/internal/model"
)

// RuleSet is the ordered, immutable rule list of one security group.
type RuleSet struct {
	Group      string
	Generation uint64
	Rules      []model.Rule
}

// RuleTable maps security groups to their rule sets. A replacement builds a
// new map and swaps the pointer, so an evaluation sees either the old or the
// new list of a group, never a mix.
type RuleTable struct {
	mu         sync.Mutex
	sets       atomic.Pointer[map[string]*RuleSet]
	generation atomic.Uint64
}

func NewRuleTable() *RuleTable {
	t := &RuleTable{}
	empty := map[string]*RuleSet{}
	t.sets.Store(&empty)
	return t
}

// Replace validates rules and installs them as the complete rule list of
// group. Nothing is installed if any rule is invalid.
func (t *RuleTable) Replace(group string, rules []model.Rule) (*RuleSet, error) {
	if group == "" {
		return nil, fmt.Errorf("%w: empty security group name", model.ErrInvalidRule)
	}
	installed := make([]model.Rule, len(rules))
	ids := make(map[string]bool, len(rules))
	for i := range rules {
		r := copyRule(rules[i])
		if r.ID == "" {
			r.ID = fmt.Sprintf("%s/%d", group, i)
		}
		if ids[r.ID] {
			return nil, fmt.Errorf("%w %s: duplicate rule id in group %s", model.ErrInvalidRule, r.ID, group)
		}
		ids[r.ID] = true
		if err := r.Validate(); err != nil {
			return nil, err
		}
		installed[i] = r
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	set := &RuleSet{Group: group, Generation: t.generation.Add(1), Rules: installed}
	next := t.copySets()
	next[group] = set
	t.sets.Store(&next)
	slog.Info("Replaced security group rules", "group", group, "rules", len(installed), "generation", set.Generation)
	return set, nil
}

func (t *RuleTable) Remove(group string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.copySets()
	delete(next, group)
	t.sets.Store(&next)
}

// Get returns the current rule set of group, or nil.
func (t *RuleTable) Get(group string) *RuleSet {
	return (*t.sets.Load())[group]
}

func (t *RuleTable) Groups() []string {
	sets := *t.sets.Load()
	out := make([]string, 0, len(sets))
	for g := range sets {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func (t *RuleTable) copySets() map[string]*RuleSet {
	cur := *t.sets.Load()
	next := make(map[string]*RuleSet, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	return next
}

// evaluate runs the current rules of group against pkt with the current
// membership. No rule set, or no matching rule, is a deny.
func (t *RuleTable) evaluate(group string, pkt *model.Packet, m *Membership) model.Verdict {
	return t.Get(group).Evaluate(pkt, m.snapshot())
}

// Evaluate returns the verdict of the first matching rule.
func (rs *RuleSet) Evaluate(pkt *model.Packet, snap *memberSnapshot) model.Verdict {
	if rs == nil {
		return model.Deny(model.ReasonNoMatch)
	}
	for i := range rs.Rules {
		rule := &rs.Rules[i]
		if ruleMatches(rule, rs.Group, pkt, snap) {
			return model.Verdict{
				Action:     rule.Action,
				Group:      rs.Group,
				RuleID:     rule.ID,
				Reason:     model.ReasonRuleMatch,
				Generation: rs.Generation,
			}
		}
	}
	v := model.Deny(model.ReasonNoMatch)
	v.Generation = rs.Generation
	return v
}

func ruleMatches(r *model.Rule, owner string, pkt *model.Packet, snap *memberSnapshot) bool {
	if r.Protocol != model.ProtoAny && r.Protocol != pkt.Protocol {
		return false
	}
	switch r.Direction {
	case model.Ingress, model.Egress:
		return pkt.Direction == r.Direction && fieldsMatch(r, owner, pkt, false, snap)
	case model.Both:
		return fieldsMatch(r, owner, pkt, false, snap) || fieldsMatch(r, owner, pkt, true, snap)
	}
	return false
}

// fieldsMatch compares the rule's source and destination against the packet,
// or against the packet with its endpoints swapped when reverse is set.
func fieldsMatch(r *model.Rule, owner string, pkt *model.Packet, reverse bool, snap *memberSnapshot) bool {
	src, dst := pkt.Src, pkt.Dst
	sport, dport := pkt.SrcPort, pkt.DstPort
	if reverse {
		src, dst = dst, src
		sport, dport = dport, sport
	}
	hasPorts := pkt.Protocol.HasPorts()
	return matchAddrs(r.Src, src, owner, snap) &&
		matchAddrs(r.Dst, dst, owner, snap) &&
		MatchPorts(r.SrcPorts, sport, hasPorts) &&
		MatchPorts(r.DstPorts, dport, hasPorts)
}

func copyRule(r model.Rule) model.Rule {
	r.Src = slices.Clone(r.Src)
	r.Dst = slices.Clone(r.Dst)
	r.SrcPorts = slices.Clone(r.SrcPorts)
	r.DstPorts = slices.Clone(r.DstPorts)
	return r
}

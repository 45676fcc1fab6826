package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"secgroup-engine/internal/conntrack"
	"secgroup-engine/internal/model"
)

type Options struct {
	Conntrack conntrack.Options
	Clock     clock.PassiveClock
}

type Stats struct {
	Decisions     uint64
	Allowed       uint64
	Malformed     uint64
	FlowTableFull uint64
	Flows         int
	// TableFull is set while the flow table refuses new flows.
	TableFull bool
}

// Engine decides whether packets are allowed by the security groups of the
// endpoint they enter or leave. It owns the rule table, the group membership
// and the connection tracker; everything else is passed in.
type Engine struct {
	rules   *RuleTable
	members *Membership
	flows   *conntrack.Table
	clock   clock.PassiveClock

	decisions atomic.Uint64
	allowed   atomic.Uint64
	malformed atomic.Uint64
	tableFull atomic.Uint64
}

func New(opts Options) *Engine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Engine{
		rules:   NewRuleTable(),
		members: NewMembership(),
		flows:   conntrack.New(opts.Conntrack),
		clock:   clk,
	}
}

func (e *Engine) Rules() *RuleTable            { return e.rules }
func (e *Engine) Members() *Membership         { return e.members }
func (e *Engine) Conntrack() *conntrack.Table { return e.flows }

// ReplaceRules installs the complete rule list of a group. Invalid lists are
// rejected and the previous list stays in force.
func (e *Engine) ReplaceRules(group string, rules []model.Rule) error {
	if _, err := e.rules.Replace(group, rules); err != nil {
		slog.Warn("Rejected security group rules", "group", group, "error", err)
		return err
	}
	ruleSetReplacements.Inc()
	return nil
}

// Install loads a batch of security groups. Members go in first so rules
// referring to other groups of the batch resolve from their first packet.
// Groups with invalid rules are skipped and reported together.
func (e *Engine) Install(groups []model.SecurityGroup) error {
	for _, g := range groups {
		e.SetMembers(g.Name, g.Members)
	}
	var errs []error
	for _, g := range groups {
		if err := e.ReplaceRules(g.Name, g.Rules); err != nil {
			errs = append(errs, fmt.Errorf("security group %s: %w", g.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) SetMembers(group string, members []netip.Prefix) {
	e.members.Set(group, members)
	slog.Info("Updated security group members", "group", group, "members", len(members))
}

// RemoveGroup drops both the rules and the members of a group. Flows it
// permitted age out normally.
func (e *Engine) RemoveGroup(group string) {
	e.rules.Remove(group)
	e.members.Remove(group)
}

// RunSweeper expires idle flows every interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration, clk clock.WithTicker) {
	conntrack.NewSweeper(e.flows, interval, clk).Run(ctx)
}

func (e *Engine) Stats() Stats {
	return Stats{
		Decisions:     e.decisions.Load(),
		Allowed:       e.allowed.Load(),
		Malformed:     e.malformed.Load(),
		FlowTableFull: e.tableFull.Load(),
		Flows:         e.flows.Len(),
		TableFull:     e.flows.Full(),
	}
}

// Decide returns the verdict for one packet at the enforcement point given by
// its direction.
func (e *Engine) Decide(pkt *model.Packet) model.Verdict {
	v := e.decide(pkt)
	e.count(pkt, v)
	return v
}

// DecidePath evaluates a packet the way it crosses the fabric: egress at its
// source endpoint, then ingress at its destination. Endpoints in no security
// group have no enforcement point and are skipped. The packet is counted once,
// with the verdict of the path.
func (e *Engine) DecidePath(pkt *model.Packet) model.Verdict {
	v := e.decidePath(pkt)
	e.count(pkt, v)
	return v
}

func (e *Engine) decidePath(pkt *model.Packet) model.Verdict {
	if err := pkt.Validate(); err != nil {
		return e.rejectMalformed(pkt, err)
	}
	var last model.Verdict
	evaluated := false
	for _, dir := range []model.Direction{model.Egress, model.Ingress} {
		side := *pkt
		side.Direction = dir
		if len(e.members.GroupsOf(side.LocalEndpoint())) == 0 {
			continue
		}
		evaluated = true
		last = e.decide(&side)
		if !last.Allowed() {
			return last
		}
	}
	if !evaluated {
		return model.Deny(model.ReasonNoSecurityGroup)
	}
	return last
}

func (e *Engine) decide(pkt *model.Packet) model.Verdict {
	if err := pkt.Validate(); err != nil {
		return e.rejectMalformed(pkt, err)
	}
	if pkt.Direction != model.Ingress && pkt.Direction != model.Egress {
		return e.rejectMalformed(pkt, errors.New("direction must be ingress or egress"))
	}

	now := e.clock.Now()
	snap := e.members.snapshot()
	endpoint := pkt.LocalEndpoint()
	groups := snap.groupsOf(endpoint)
	if len(groups) == 0 {
		return model.Deny(model.ReasonNoSecurityGroup)
	}

	if IsICMPError(pkt) {
		return e.decideICMPError(pkt, endpoint, now)
	}

	tuple := pkt.Tuple()
	if flow, ok := e.flows.Refresh(endpoint, tuple, pkt.Flags, now); ok {
		return model.Verdict{
			Action:     model.ActionAllow,
			Group:      flow.Rule.Group,
			RuleID:     flow.Rule.RuleID,
			Reason:     model.ReasonEstablished,
			Generation: flow.Rule.Generation,
		}
	}

	v := e.evaluate(groups, pkt, snap)
	if !v.Allowed() {
		return v
	}
	ref := conntrack.RuleRef{Group: v.Group, RuleID: v.RuleID, Generation: v.Generation}
	if _, err := e.flows.Record(endpoint, tuple, ref, pkt.Direction, pkt.Flags, now); err != nil {
		e.tableFull.Add(1)
		slog.Warn("Refusing new flow", "packet", pkt.String(), "error", err, "flows", e.flows.Len())
		return model.Deny(model.ReasonFlowTableFull)
	}
	return v
}

// decideICMPError allows an ICMP error only when the packet it carries
// belongs to a flow tracked at this endpoint. Every failure is reported as a
// plain no-match.
func (e *Engine) decideICMPError(pkt *model.Packet, endpoint netip.Addr, now time.Time) model.Verdict {
	orig, err := Correlate(pkt)
	if err != nil {
		slog.Debug("ICMP error not correlated", "packet", pkt.String(), "error", err)
		return model.Deny(model.ReasonNoMatch)
	}
	flow, ok := e.flows.Lookup(endpoint, orig, now)
	if !ok {
		slog.Debug("ICMP error refers to an untracked flow", "packet", pkt.String(), "original", orig.String())
		return model.Deny(model.ReasonNoMatch)
	}
	return model.Verdict{
		Action:     model.ActionAllow,
		Group:      flow.Rule.Group,
		RuleID:     flow.Rule.RuleID,
		Reason:     model.ReasonRelated,
		Generation: flow.Rule.Generation,
	}
}

// evaluate applies the rule sets of all groups of the endpoint. The groups'
// allows are additive; without one, the first explicit deny is reported.
func (e *Engine) evaluate(groups []string, pkt *model.Packet, snap *memberSnapshot) model.Verdict {
	sets := *e.rules.sets.Load()
	var denied *model.Verdict
	for _, g := range groups {
		v := sets[g].Evaluate(pkt, snap)
		if v.Allowed() {
			return v
		}
		if v.Reason == model.ReasonRuleMatch && denied == nil {
			denied = &v
		}
	}
	if denied != nil {
		return *denied
	}
	return model.Deny(model.ReasonNoMatch)
}

func (e *Engine) rejectMalformed(pkt *model.Packet, err error) model.Verdict {
	e.malformed.Add(1)
	malformedPacketsCount.Inc()
	slog.Warn("Denying malformed packet", "error", err)
	return model.Deny(model.ReasonMalformed)
}

func (e *Engine) count(pkt *model.Packet, v model.Verdict) {
	e.decisions.Add(1)
	if v.Allowed() {
		e.allowed.Add(1)
	}
	decisionsCount.WithLabelValues(v.Action.String(), string(v.Reason)).Inc()
	if pkt != nil && slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		slog.Debug("Packet decision",
			"packet", pkt.String(),
			"action", v.Action.String(),
			"reason", v.Reason,
			"group", v.Group,
			"rule", v.RuleID)
	}
}

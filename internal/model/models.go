package model

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

var (
	ErrInvalidRule     = errors.New("invalid rule")
	ErrMalformedPacket = errors.New("malformed packet")
)

// MaxPort is what an end port of -1 stands for.
const MaxPort = 65535

type Protocol uint8

const (
	ProtoAny    Protocol = 0
	ProtoICMP   Protocol = 1
	ProtoTCP    Protocol = 6
	ProtoUDP    Protocol = 17
	ProtoICMPv6 Protocol = 58
)

var protocolNames = map[Protocol]string{
	ProtoAny:    "any",
	ProtoICMP:   "icmp",
	ProtoTCP:    "tcp",
	ProtoUDP:    "udp",
	ProtoICMPv6: "icmp6",
}

func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return strconv.Itoa(int(p))
}

func (p Protocol) HasPorts() bool {
	return p == ProtoTCP || p == ProtoUDP
}

func (p Protocol) IsICMP() bool {
	return p == ProtoICMP || p == ProtoICMPv6
}

// ParseProtocol accepts a protocol name or an IP protocol number.
func ParseProtocol(s string) (Protocol, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "any", "all":
		return ProtoAny, nil
	case "icmp":
		return ProtoICMP, nil
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	case "icmp6", "icmpv6", "ipv6-icmp":
		return ProtoICMPv6, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 255 {
		return 0, fmt.Errorf("unsupported protocol %q", s)
	}
	return Protocol(n), nil
}

type Direction uint8

const (
	DirectionUnknown Direction = iota
	Ingress
	Egress
	Both
)

func (d Direction) String() string {
	switch d {
	case Ingress:
		return "ingress"
	case Egress:
		return "egress"
	case Both:
		return "both"
	}
	return "unknown"
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ingress", "in":
		return Ingress, nil
	case "egress", "out":
		return Egress, nil
	case "both", "bidirectional", "<>":
		return Both, nil
	}
	return DirectionUnknown, fmt.Errorf("unsupported direction %q", s)
}

type Action uint8

const (
	ActionDeny Action = iota
	ActionAllow
)

func (a Action) String() string {
	if a == ActionAllow {
		return "allow"
	}
	return "deny"
}

func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "allow", "pass", "accept":
		return ActionAllow, nil
	case "deny", "drop", "block":
		return ActionDeny, nil
	}
	return ActionDeny, fmt.Errorf("unsupported action %q", s)
}

// PortRange is inclusive. An End of -1 means MaxPort, so {0, -1} is every port.
type PortRange struct {
	Start int
	End   int
}

var AllPorts = PortRange{Start: 0, End: -1}

func (r PortRange) IsAll() bool {
	return r.Start == 0 && (r.End == -1 || r.End == MaxPort)
}

func (r PortRange) Contains(port uint16) bool {
	end := r.End
	if end == -1 {
		end = MaxPort
	}
	return int(port) >= r.Start && int(port) <= end
}

func (r PortRange) Validate() error {
	if r.Start < 0 || r.Start > MaxPort {
		return fmt.Errorf("start port %d out of range", r.Start)
	}
	if r.End == -1 {
		return nil
	}
	if r.End < r.Start || r.End > MaxPort {
		return fmt.Errorf("end port %d out of range for start %d", r.End, r.Start)
	}
	return nil
}

func (r PortRange) String() string {
	if r.IsAll() {
		return "all"
	}
	if r.Start == r.End {
		return strconv.Itoa(r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

type AddressKind uint8

const (
	AddressCIDR AddressKind = iota
	AddressGroup
	AddressLocal
)

// AddressSpec is either a prefix, a reference to another security group's
// members, or the members of the group owning the rule.
type AddressSpec struct {
	Kind   AddressKind
	Prefix netip.Prefix
	Group  string
}

func CIDR(p netip.Prefix) AddressSpec {
	return AddressSpec{Kind: AddressCIDR, Prefix: p.Masked()}
}

func GroupRef(group string) AddressSpec {
	return AddressSpec{Kind: AddressGroup, Group: group}
}

func Local() AddressSpec {
	return AddressSpec{Kind: AddressLocal}
}

func (a AddressSpec) String() string {
	switch a.Kind {
	case AddressGroup:
		return "security-group:" + a.Group
	case AddressLocal:
		return "security-group:local"
	}
	return a.Prefix.String()
}

func (a AddressSpec) validate() error {
	switch a.Kind {
	case AddressCIDR:
		if !a.Prefix.IsValid() {
			return fmt.Errorf("invalid prefix %v", a.Prefix)
		}
	case AddressGroup:
		if a.Group == "" {
			return fmt.Errorf("empty security group reference")
		}
	case AddressLocal:
	default:
		return fmt.Errorf("unknown address kind %d", a.Kind)
	}
	return nil
}

// Rule is one entry of a security group. Empty address or port lists match
// anything; otherwise any element of a list may match.
type Rule struct {
	ID        string
	Direction Direction
	Protocol  Protocol
	Src       []AddressSpec
	Dst       []AddressSpec
	SrcPorts  []PortRange
	DstPorts  []PortRange
	Action    Action
}

func (r *Rule) Validate() error {
	if r.Direction != Ingress && r.Direction != Egress && r.Direction != Both {
		return fmt.Errorf("%w %s: direction must be ingress, egress or both", ErrInvalidRule, r.ID)
	}
	if r.Action != ActionAllow && r.Action != ActionDeny {
		return fmt.Errorf("%w %s: unknown action %d", ErrInvalidRule, r.ID, r.Action)
	}
	for _, spec := range append(append([]AddressSpec{}, r.Src...), r.Dst...) {
		if err := spec.validate(); err != nil {
			return fmt.Errorf("%w %s: %v", ErrInvalidRule, r.ID, err)
		}
	}
	for _, pr := range append(append([]PortRange{}, r.SrcPorts...), r.DstPorts...) {
		if err := pr.Validate(); err != nil {
			return fmt.Errorf("%w %s: %v", ErrInvalidRule, r.ID, err)
		}
		if !pr.IsAll() && r.Protocol.IsICMP() {
			return fmt.Errorf("%w %s: port range %s on %s rule", ErrInvalidRule, r.ID, pr, r.Protocol)
		}
	}
	return nil
}

// SecurityGroup is a named rule list together with the endpoints it applies
// to, as loaded from a rule source.
type SecurityGroup struct {
	Name    string
	Members []netip.Prefix
	Rules   []Rule
}

type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagACK
)

func (f TCPFlags) Has(flag TCPFlags) bool {
	return f&flag != 0
}

// ParseTCPFlags reads a flag string such as "SA" or "syn|ack".
func ParseTCPFlags(s string) (TCPFlags, error) {
	var flags TCPFlags
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	if strings.ContainsAny(s, "|,") {
		for _, name := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
			switch strings.TrimSpace(name) {
			case "FIN":
				flags |= FlagFIN
			case "SYN":
				flags |= FlagSYN
			case "RST":
				flags |= FlagRST
			case "ACK":
				flags |= FlagACK
			default:
				return 0, fmt.Errorf("unknown tcp flag %q", name)
			}
		}
		return flags, nil
	}
	for _, c := range s {
		switch c {
		case 'F':
			flags |= FlagFIN
		case 'S':
			flags |= FlagSYN
		case 'R':
			flags |= FlagRST
		case 'A':
			flags |= FlagACK
		default:
			return 0, fmt.Errorf("unknown tcp flag %q", c)
		}
	}
	return flags, nil
}

// Packet is a parsed packet descriptor. For ICMP, Payload holds the bytes
// following the 8 byte ICMP header.
type Packet struct {
	Protocol  Protocol
	Src       netip.Addr
	Dst       netip.Addr
	SrcPort   uint16
	DstPort   uint16
	ICMPType  uint8
	ICMPCode  uint8
	ICMPID    uint16
	Flags     TCPFlags
	Payload   []byte
	Direction Direction
}

func (p *Packet) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil packet", ErrMalformedPacket)
	}
	if !p.Src.IsValid() || !p.Dst.IsValid() {
		return fmt.Errorf("%w: missing address", ErrMalformedPacket)
	}
	if p.Src.Unmap().Is4() != p.Dst.Unmap().Is4() {
		return fmt.Errorf("%w: mixed address families %s -> %s", ErrMalformedPacket, p.Src, p.Dst)
	}
	if p.Protocol == ProtoAny {
		return fmt.Errorf("%w: missing protocol", ErrMalformedPacket)
	}
	if p.Protocol == ProtoICMP && !p.Src.Unmap().Is4() || p.Protocol == ProtoICMPv6 && p.Src.Unmap().Is4() {
		return fmt.Errorf("%w: %s over wrong address family", ErrMalformedPacket, p.Protocol)
	}
	return nil
}

// Tuple returns the packet's flow tuple. ICMP uses the echo identifier in
// place of both ports.
func (p *Packet) Tuple() Tuple {
	t := Tuple{Proto: p.Protocol, Src: p.Src.Unmap(), Dst: p.Dst.Unmap()}
	switch {
	case p.Protocol.HasPorts():
		t.SrcPort, t.DstPort = p.SrcPort, p.DstPort
	case p.Protocol.IsICMP():
		t.SrcPort, t.DstPort = p.ICMPID, p.ICMPID
	}
	return t
}

// LocalEndpoint is the address the enforcement point protects.
func (p *Packet) LocalEndpoint() netip.Addr {
	if p.Direction == Ingress {
		return p.Dst.Unmap()
	}
	return p.Src.Unmap()
}

func (p *Packet) String() string {
	if p.Protocol.IsICMP() {
		return fmt.Sprintf("%s %s -> %s type=%d code=%d id=%d (%s)",
			p.Protocol, p.Src, p.Dst, p.ICMPType, p.ICMPCode, p.ICMPID, p.Direction)
	}
	return fmt.Sprintf("%s %s:%d -> %s:%d (%s)", p.Protocol, p.Src, p.SrcPort, p.Dst, p.DstPort, p.Direction)
}

type Tuple struct {
	Proto   Protocol
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
}

func (t Tuple) Reverse() Tuple {
	return Tuple{Proto: t.Proto, Src: t.Dst, Dst: t.Src, SrcPort: t.DstPort, DstPort: t.SrcPort}
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s %s -> %s",
		t.Proto, netip.AddrPortFrom(t.Src, t.SrcPort), netip.AddrPortFrom(t.Dst, t.DstPort))
}

type Reason string

const (
	ReasonRuleMatch       Reason = "rule-match"
	ReasonEstablished     Reason = "established"
	ReasonRelated         Reason = "related"
	ReasonNoMatch         Reason = "no-match"
	ReasonNoSecurityGroup Reason = "no-security-group"
	ReasonMalformed       Reason = "malformed"
	ReasonFlowTableFull   Reason = "flow-table-full"
)

type Verdict struct {
	Action     Action
	Group      string
	RuleID     string
	Reason     Reason
	Generation uint64
}

func (v Verdict) Allowed() bool {
	return v.Action == ActionAllow
}

func Deny(reason Reason) Verdict {
	return Verdict{Action: ActionDeny, Reason: reason}
}

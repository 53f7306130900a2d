// Copyright 2024 nftkit authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ruleset

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Rule is one rule in manifest form. Match fields are strings in nft-like
// notation and may be negated with a "!=" prefix ("saddr: '!= 10.0.0.0/8'").
// Statements execute in fixed order: counter, limit, log, set-mark, trace,
// then NAT or the verdict. Exactly one of Verdict/Jump/Goto/Queue/Reject may
// be set; rules carrying a NAT statement take none.
type Rule struct {
	Comment string `yaml:"comment,omitempty"`

	IIF        string   `yaml:"iif,omitempty"`
	OIF        string   `yaml:"oif,omitempty"`
	EtherSaddr string   `yaml:"ether-saddr,omitempty"`
	Proto      string   `yaml:"proto,omitempty"`
	Saddr      string   `yaml:"saddr,omitempty"`
	Daddr      string   `yaml:"daddr,omitempty"`
	SaddrSet   string   `yaml:"saddr-set,omitempty"`
	DaddrSet   string   `yaml:"daddr-set,omitempty"`
	Sport      string   `yaml:"sport,omitempty"`
	Dport      string   `yaml:"dport,omitempty"`
	ICMPType   string   `yaml:"icmp-type,omitempty"`
	ICMPv6Type string   `yaml:"icmpv6-type,omitempty"`
	CtState    []string `yaml:"ct-state,omitempty"`
	Mark       string   `yaml:"mark,omitempty"`
	FibCheck   bool     `yaml:"fib-check,omitempty"`

	Counter bool        `yaml:"counter,omitempty"`
	Log     *LogStmt    `yaml:"log,omitempty"`
	Limit   *LimitStmt  `yaml:"limit,omitempty"`
	SetMark string      `yaml:"set-mark,omitempty"`
	Trace   bool        `yaml:"trace,omitempty"`

	Masquerade *MasqStmt `yaml:"masquerade,omitempty"`
	SNAT       *NATStmt  `yaml:"snat,omitempty"`
	DNAT       *NATStmt  `yaml:"dnat,omitempty"`

	Verdict string  `yaml:"verdict,omitempty"`
	Jump    string  `yaml:"jump,omitempty"`
	Goto    string  `yaml:"goto,omitempty"`
	Queue   *uint16 `yaml:"queue,omitempty"`
	Reject  string  `yaml:"reject,omitempty"`
}

// LogStmt logs matching packets, optionally to an nflog group.
type LogStmt struct {
	Prefix string  `yaml:"prefix,omitempty"`
	Group  *uint16 `yaml:"group,omitempty"`
}

// LimitStmt rate-limits rule traversal.
type LimitStmt struct {
	Rate  uint64 `yaml:"rate"`
	Unit  string `yaml:"unit,omitempty"` // second (default), minute, hour
	Burst uint32 `yaml:"burst,omitempty"`
}

// MasqStmt is masquerade, optionally constrained to a source port range.
type MasqStmt struct {
	ToPorts string `yaml:"to-ports,omitempty"` // "port" or "lo-hi"
}

// NATStmt is snat/dnat to an address with an optional port
// ("192.0.2.1", "192.0.2.1:80", "[2001:db8::1]:80").
type NATStmt struct {
	To string `yaml:"to"`
}

// Ct state bits as the kernel defines them.
const (
	CtStateInvalid     uint32 = 1 << 0
	CtStateEstablished uint32 = 1 << 1
	CtStateRelated     uint32 = 1 << 2
	CtStateNew         uint32 = 1 << 3
	CtStateUntracked   uint32 = 1 << 6
)

var ctStateNames = map[string]uint32{
	"invalid":     CtStateInvalid,
	"established": CtStateEstablished,
	"related":     CtStateRelated,
	"new":         CtStateNew,
	"untracked":   CtStateUntracked,
}

var protoNames = map[string]uint8{
	"icmp":   1,
	"tcp":    6,
	"udp":    17,
	"icmpv6": 58,
	"sctp":   132,
}

// VerdictKind enumerates terminal statements.
type VerdictKind string

const (
	VerdictAccept   VerdictKind = "accept"
	VerdictDrop     VerdictKind = "drop"
	VerdictReturn   VerdictKind = "return"
	VerdictContinue VerdictKind = "continue"
	VerdictJump     VerdictKind = "jump"
	VerdictGoto     VerdictKind = "goto"
	VerdictQueue    VerdictKind = "queue"
	VerdictReject   VerdictKind = "reject"
	VerdictNone     VerdictKind = "" // NAT statement carries the rule
)

// RejectKind selects what reject sends back.
type RejectKind string

const (
	RejectPortUnreachable RejectKind = "port-unreachable"
	RejectHostUnreachable RejectKind = "host-unreachable"
	RejectTCPReset        RejectKind = "tcp-reset"
)

// ParsedRule is a Rule with every string field parsed and checked. It is
// the input to the expression compiler.
type ParsedRule struct {
	Comment string

	IIF, OIF           *IfaceMatch
	EtherSaddr         *MACMatch
	Proto              *ProtoMatch
	Saddr, Daddr       *AddrMatch
	SaddrSet, DaddrSet *SetMatch
	Sport, Dport       *PortMatch
	ICMPType           *uint8
	ICMPv6Type         *uint8
	CtStateMask        uint32
	Mark               *MarkMatch
	FibCheck           bool

	Counter bool
	Log     *LogStmt
	Limit   *LimitAction
	SetMark *uint32
	Trace   bool

	Masquerade *MasqAction
	SNAT, DNAT *NATAction

	Verdict    VerdictKind
	Target     string // jump/goto chain
	QueueNum   uint16
	RejectWith RejectKind
}

// IfaceMatch matches an interface by name.
type IfaceMatch struct {
	Name   string
	Negate bool
}

// MACMatch matches the link-layer source address.
type MACMatch struct {
	Addr   net.HardwareAddr
	Negate bool
}

// ProtoMatch matches the layer-4 protocol number.
type ProtoMatch struct {
	Num    uint8
	Negate bool
}

// AddrMatch matches a source or destination address or prefix.
// IP is 4 bytes for IPv4, 16 for IPv6; Exact is true when the prefix covers
// the whole address.
type AddrMatch struct {
	IP        net.IP
	PrefixLen int
	V6        bool
	Negate    bool
}

// Exact reports a host match (no mask needed).
func (a *AddrMatch) Exact() bool {
	if a.V6 {
		return a.PrefixLen == 128
	}
	return a.PrefixLen == 32
}

// SetMatch matches against a named set in the same table.
type SetMatch struct {
	Name   string
	Negate bool
}

// PortMatch matches a port or an inclusive range.
type PortMatch struct {
	Lo, Hi uint16
	Negate bool
}

// Single reports a one-port match.
func (p *PortMatch) Single() bool { return p.Lo == p.Hi }

// MarkMatch matches the packet mark under a mask.
type MarkMatch struct {
	Value  uint32
	Mask   uint32 // 0 means whole mark
	Negate bool
}

// LimitAction is a parsed LimitStmt.
type LimitAction struct {
	Rate  uint64
	Unit  LimitUnit
	Burst uint32
}

// LimitUnit is the limit time base.
type LimitUnit string

const (
	LimitPerSecond LimitUnit = "second"
	LimitPerMinute LimitUnit = "minute"
	LimitPerHour   LimitUnit = "hour"
)

// MasqAction is a parsed MasqStmt; ProtoMin/ProtoMax are zero when the
// kernel should pick source ports.
type MasqAction struct {
	ProtoMin, ProtoMax uint16
}

// NATAction is a parsed NATStmt.
type NATAction struct {
	IP   net.IP
	V6   bool
	Port uint16
}

// negate strips a leading "!=" and reports whether it was present.
func negate(s string) (string, bool) {
	if rest, ok := strings.CutPrefix(s, "!="); ok {
		return strings.TrimSpace(rest), true
	}
	return s, false
}

// ParseRule checks every field of r against the table family and returns
// the parsed form. The error carries no position; Validate wraps it with
// the rule's path in the manifest.
func ParseRule(family Family, r *Rule) (*ParsedRule, error) {
	p := &ParsedRule{
		Comment:  r.Comment,
		FibCheck: r.FibCheck,
		Counter:  r.Counter,
		Log:      r.Log,
		Trace:    r.Trace,
	}

	if err := parseIface(r.IIF, &p.IIF); err != nil {
		return nil, fmt.Errorf("iif: %w", err)
	}
	if err := parseIface(r.OIF, &p.OIF); err != nil {
		return nil, fmt.Errorf("oif: %w", err)
	}

	if r.EtherSaddr != "" {
		s, neg := negate(r.EtherSaddr)
		hw, err := net.ParseMAC(s)
		if err != nil {
			return nil, fmt.Errorf("ether-saddr: %w", err)
		}
		if len(hw) != 6 {
			return nil, fmt.Errorf("ether-saddr: %q is not a 48-bit address", s)
		}
		if family != FamilyBridge && family != FamilyNetdev {
			return nil, fmt.Errorf("ether-saddr: link-layer matches need the bridge or netdev family, not %s", family)
		}
		p.EtherSaddr = &MACMatch{Addr: hw, Negate: neg}
	}

	if r.Proto != "" {
		s, neg := negate(r.Proto)
		num, ok := protoNames[s]
		if !ok {
			n, err := strconv.ParseUint(s, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("proto: unknown protocol %q", s)
			}
			num = uint8(n)
		}
		p.Proto = &ProtoMatch{Num: num, Negate: neg}
	}

	var err error
	if p.Saddr, err = parseAddr(family, r.Saddr); err != nil {
		return nil, fmt.Errorf("saddr: %w", err)
	}
	if p.Daddr, err = parseAddr(family, r.Daddr); err != nil {
		return nil, fmt.Errorf("daddr: %w", err)
	}

	if r.SaddrSet != "" {
		s, neg := negate(r.SaddrSet)
		p.SaddrSet = &SetMatch{Name: strings.TrimPrefix(s, "@"), Negate: neg}
	}
	if r.DaddrSet != "" {
		s, neg := negate(r.DaddrSet)
		p.DaddrSet = &SetMatch{Name: strings.TrimPrefix(s, "@"), Negate: neg}
	}

	if p.Sport, err = parsePortMatch(r.Sport); err != nil {
		return nil, fmt.Errorf("sport: %w", err)
	}
	if p.Dport, err = parsePortMatch(r.Dport); err != nil {
		return nil, fmt.Errorf("dport: %w", err)
	}
	if (p.Sport != nil || p.Dport != nil) && !protoIn(p.Proto, 6, 17, 132) {
		return nil, fmt.Errorf("port matches require proto tcp, udp or sctp")
	}

	if p.ICMPType, err = parseByte(r.ICMPType); err != nil {
		return nil, fmt.Errorf("icmp-type: %w", err)
	}
	if p.ICMPType != nil && !protoIn(p.Proto, 1) {
		return nil, fmt.Errorf("icmp-type requires proto icmp")
	}
	if p.ICMPv6Type, err = parseByte(r.ICMPv6Type); err != nil {
		return nil, fmt.Errorf("icmpv6-type: %w", err)
	}
	if p.ICMPv6Type != nil && !protoIn(p.Proto, 58) {
		return nil, fmt.Errorf("icmpv6-type requires proto icmpv6")
	}

	for _, name := range r.CtState {
		bit, ok := ctStateNames[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("ct-state: unknown state %q", name)
		}
		p.CtStateMask |= bit
	}

	if r.Mark != "" {
		m, err := parseMark(r.Mark)
		if err != nil {
			return nil, fmt.Errorf("mark: %w", err)
		}
		p.Mark = m
	}

	if r.Limit != nil {
		la, err := parseLimit(r.Limit)
		if err != nil {
			return nil, fmt.Errorf("limit: %w", err)
		}
		p.Limit = la
	}

	if r.SetMark != "" {
		v, err := strconv.ParseUint(r.SetMark, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("set-mark: %w", err)
		}
		mark := uint32(v)
		p.SetMark = &mark
	}

	if r.Masquerade != nil {
		ma, err := parseMasq(r.Masquerade)
		if err != nil {
			return nil, fmt.Errorf("masquerade: %w", err)
		}
		p.Masquerade = ma
	}
	if r.SNAT != nil {
		if p.SNAT, err = parseNAT(family, r.SNAT); err != nil {
			return nil, fmt.Errorf("snat: %w", err)
		}
	}
	if r.DNAT != nil {
		if p.DNAT, err = parseNAT(family, r.DNAT); err != nil {
			return nil, fmt.Errorf("dnat: %w", err)
		}
	}

	if err := parseVerdict(r, p); err != nil {
		return nil, err
	}
	if err := checkFamilyCaps(family, p); err != nil {
		return nil, err
	}
	return p, nil
}

// checkFamilyCaps rejects fields the table family cannot express. The arp
// family sees ARP packets, not IP; the netdev ingress hook runs before
// connection tracking.
func checkFamilyCaps(family Family, p *ParsedRule) error {
	switch family {
	case FamilyARP:
		switch {
		case p.Proto != nil:
			return fmt.Errorf("proto: arp packets carry no transport header")
		case p.Saddr != nil || p.Daddr != nil:
			return fmt.Errorf("address matches are not available in the arp family")
		case p.SaddrSet != nil || p.DaddrSet != nil:
			return fmt.Errorf("set matches are not available in the arp family")
		case p.CtStateMask != 0:
			return fmt.Errorf("ct-state: arp traffic is not connection tracked")
		case p.Verdict == VerdictReject:
			return fmt.Errorf("reject is not available in the arp family")
		}
	case FamilyNetdev:
		switch {
		case p.CtStateMask != 0:
			return fmt.Errorf("ct-state: the ingress hook runs before connection tracking")
		case p.Verdict == VerdictReject:
			return fmt.Errorf("reject is not available in the netdev family")
		}
	}
	if p.FibCheck && family != FamilyIPv4 && family != FamilyIPv6 && family != FamilyINet {
		return fmt.Errorf("fib-check needs an ip, ip6 or inet table, not %s", family)
	}
	if p.Masquerade != nil && family != FamilyIPv4 && family != FamilyIPv6 && family != FamilyINet {
		return fmt.Errorf("masquerade needs an ip, ip6 or inet table, not %s", family)
	}
	return nil
}

func protoIn(m *ProtoMatch, nums ...uint8) bool {
	if m == nil || m.Negate {
		return false
	}
	for _, n := range nums {
		if m.Num == n {
			return true
		}
	}
	return false
}

func parseIface(s string, out **IfaceMatch) error {
	if s == "" {
		return nil
	}
	name, neg := negate(s)
	if name == "" || len(name) >= 16 || strings.ContainsAny(name, " \t") {
		return fmt.Errorf("%q is not an interface name", name)
	}
	*out = &IfaceMatch{Name: name, Negate: neg}
	return nil
}

func parseAddr(family Family, s string) (*AddrMatch, error) {
	if s == "" {
		return nil, nil
	}
	s, neg := negate(s)

	var ip net.IP
	var prefixLen int
	if strings.Contains(s, "/") {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		ip = ipnet.IP
		prefixLen, _ = ipnet.Mask.Size()
	} else {
		ip = net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("%q is not an IP address", s)
		}
		prefixLen = -1 // host
	}

	if v4 := ip.To4(); v4 != nil {
		if family.IPv6Only() {
			return nil, fmt.Errorf("IPv4 address %q in an %s table", s, family)
		}
		if prefixLen < 0 {
			prefixLen = 32
		}
		return &AddrMatch{IP: v4, PrefixLen: prefixLen, Negate: neg}, nil
	}
	if family.IPv4Only() {
		return nil, fmt.Errorf("IPv6 address %q in an %s table", s, family)
	}
	if prefixLen < 0 {
		prefixLen = 128
	}
	return &AddrMatch{IP: ip.To16(), PrefixLen: prefixLen, V6: true, Negate: neg}, nil
}

func parsePortMatch(s string) (*PortMatch, error) {
	if s == "" {
		return nil, nil
	}
	s, neg := negate(s)
	lo, hi, err := parsePortRange(s)
	if err != nil {
		return nil, err
	}
	return &PortMatch{Lo: lo, Hi: hi, Negate: neg}, nil
}

func parsePortRange(s string) (uint16, uint16, error) {
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		l, err := parsePort(lo)
		if err != nil {
			return 0, 0, err
		}
		h, err := parsePort(hi)
		if err != nil {
			return 0, 0, err
		}
		if h < l {
			return 0, 0, fmt.Errorf("range %q is inverted", s)
		}
		return l, h, nil
	}
	p, err := parsePort(s)
	return p, p, err
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%q is not a port", s)
	}
	if v == 0 {
		return 0, fmt.Errorf("port 0 is not usable")
	}
	return uint16(v), nil
}

func parseByte(s string) (*uint8, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return nil, err
	}
	b := uint8(v)
	return &b, nil
}

func parseMark(s string) (*MarkMatch, error) {
	s, neg := negate(s)
	valStr, maskStr, hasMask := strings.Cut(s, "/")
	v, err := strconv.ParseUint(valStr, 0, 32)
	if err != nil {
		return nil, err
	}
	m := &MarkMatch{Value: uint32(v), Negate: neg}
	if hasMask {
		mv, err := strconv.ParseUint(maskStr, 0, 32)
		if err != nil {
			return nil, err
		}
		if mv == 0 {
			return nil, fmt.Errorf("mask 0 matches nothing")
		}
		m.Mask = uint32(mv)
	}
	return m, nil
}

func parseLimit(l *LimitStmt) (*LimitAction, error) {
	if l.Rate == 0 {
		return nil, fmt.Errorf("rate must be positive")
	}
	unit := LimitUnit(l.Unit)
	switch unit {
	case "":
		unit = LimitPerSecond
	case LimitPerSecond, LimitPerMinute, LimitPerHour:
	default:
		return nil, fmt.Errorf("unknown unit %q", l.Unit)
	}
	return &LimitAction{Rate: l.Rate, Unit: unit, Burst: l.Burst}, nil
}

func parseMasq(m *MasqStmt) (*MasqAction, error) {
	if m.ToPorts == "" {
		return &MasqAction{}, nil
	}
	lo, hi, err := parsePortRange(m.ToPorts)
	if err != nil {
		return nil, err
	}
	return &MasqAction{ProtoMin: lo, ProtoMax: hi}, nil
}

func parseNAT(family Family, n *NATStmt) (*NATAction, error) {
	if family != FamilyIPv4 && family != FamilyIPv6 {
		return nil, fmt.Errorf("snat/dnat needs an ip or ip6 table, not %s", family)
	}
	host, portStr := n.To, ""
	if strings.HasPrefix(n.To, "[") {
		var err error
		host, portStr, err = net.SplitHostPort(n.To)
		if err != nil {
			return nil, err
		}
	} else if strings.Count(n.To, ":") == 1 {
		host, portStr, _ = strings.Cut(n.To, ":")
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("%q is not an IP address", host)
	}
	act := &NATAction{}
	if v4 := ip.To4(); v4 != nil {
		if family == FamilyIPv6 {
			return nil, fmt.Errorf("IPv4 NAT address in an ip6 table")
		}
		act.IP = v4
	} else {
		if family == FamilyIPv4 {
			return nil, fmt.Errorf("IPv6 NAT address in an ip table")
		}
		act.IP = ip.To16()
		act.V6 = true
	}
	if portStr != "" {
		p, err := parsePort(portStr)
		if err != nil {
			return nil, err
		}
		act.Port = p
	}
	return act, nil
}

func parseVerdict(r *Rule, p *ParsedRule) error {
	set := 0
	if r.Verdict != "" {
		set++
	}
	if r.Jump != "" {
		set++
		p.Verdict, p.Target = VerdictJump, r.Jump
	}
	if r.Goto != "" {
		set++
		p.Verdict, p.Target = VerdictGoto, r.Goto
	}
	if r.Queue != nil {
		set++
		p.Verdict, p.QueueNum = VerdictQueue, *r.Queue
	}
	if r.Reject != "" {
		set++
		p.Verdict = VerdictReject
		switch RejectKind(r.Reject) {
		case RejectPortUnreachable, RejectHostUnreachable, RejectTCPReset:
			p.RejectWith = RejectKind(r.Reject)
		default:
			return fmt.Errorf("reject: unknown reason %q", r.Reject)
		}
	}
	if set > 1 {
		return fmt.Errorf("more than one of verdict/jump/goto/queue/reject is set")
	}

	hasNAT := p.Masquerade != nil || p.SNAT != nil || p.DNAT != nil
	if hasNAT {
		if set != 0 {
			return fmt.Errorf("NAT statements terminate the rule, drop the verdict")
		}
		if n := boolCount(p.Masquerade != nil, p.SNAT != nil, p.DNAT != nil); n > 1 {
			return fmt.Errorf("only one NAT statement per rule")
		}
		return nil
	}

	if r.Verdict != "" {
		switch VerdictKind(r.Verdict) {
		case VerdictAccept, VerdictDrop, VerdictReturn, VerdictContinue:
			p.Verdict = VerdictKind(r.Verdict)
		default:
			return fmt.Errorf("unknown verdict %q", r.Verdict)
		}
	}
	if set == 0 {
		return fmt.Errorf("rule has no verdict and no NAT statement")
	}
	if p.RejectWith == RejectTCPReset && !protoIn(p.Proto, 6) {
		return fmt.Errorf("reject with tcp-reset requires proto tcp")
	}
	return nil
}

func boolCount(bs ...bool) int {
	n := 0
	for _, b := range bs {
		if b {
			n++
		}
	}
	return n
}

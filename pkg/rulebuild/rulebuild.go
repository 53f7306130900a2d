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

// Package rulebuild lowers parsed manifest rules into nftables expressions.
//
// The kernel evaluates a rule as a sequence of expressions over a register
// file. Matches load a value into register 1 and compare it; a failed
// comparison ends the rule. Statements and the final verdict come after all
// matches, in the order documented on ruleset.Rule.
package rulebuild

import (
	"fmt"
	"net"

	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"github.com/netfilterworks/nftkit/pkg/ruleset"
)

// Compile parses r against the table's family and lowers it. The table is
// needed to resolve set references to their key types.
func Compile(t *ruleset.Table, r *ruleset.Rule) ([]expr.Any, error) {
	p, err := ruleset.ParseRule(t.Family, r)
	if err != nil {
		return nil, err
	}
	return CompileParsed(t, p)
}

// CompileParsed lowers a rule that ParseRule already checked.
func CompileParsed(t *ruleset.Table, p *ruleset.ParsedRule) ([]expr.Any, error) {
	b := &builder{family: t.Family, table: t}

	ipv, err := b.ruleIPVersion(p)
	if err != nil {
		return nil, err
	}
	b.guard(ipv)

	b.ifaceMatch(expr.MetaKeyIIFNAME, p.IIF)
	b.ifaceMatch(expr.MetaKeyOIFNAME, p.OIF)
	b.etherMatch(p.EtherSaddr)
	b.protoMatch(p.Proto)
	b.addrMatch(p.Saddr, fieldSaddr)
	b.addrMatch(p.Daddr, fieldDaddr)
	if err := b.setMatch(p.SaddrSet, fieldSaddr); err != nil {
		return nil, err
	}
	if err := b.setMatch(p.DaddrSet, fieldDaddr); err != nil {
		return nil, err
	}
	b.portMatch(p.Sport, sportOffset)
	b.portMatch(p.Dport, dportOffset)
	b.icmpTypeMatch(p.ICMPType)
	b.icmpTypeMatch(p.ICMPv6Type)
	b.ctStateMatch(p.CtStateMask)
	b.markMatch(p.Mark)
	b.fibCheck(p.FibCheck)

	b.statements(p)
	if err := b.action(p); err != nil {
		return nil, err
	}
	return b.exprs, nil
}

// Transport header offsets shared by tcp, udp and sctp.
const (
	sportOffset uint32 = 0
	dportOffset uint32 = 2
)

type builder struct {
	family ruleset.Family
	table  *ruleset.Table
	exprs  []expr.Any
}

func (b *builder) emit(es ...expr.Any) {
	b.exprs = append(b.exprs, es...)
}

// ipVersion is the network protocol a rule commits to, if any.
type ipVersion int

const (
	ipAny ipVersion = iota
	ipV4
	ipV6
)

// ruleIPVersion inspects every match for an IPv4 or IPv6 commitment. A rule
// may commit to at most one version; dual-stack tables need two rules.
func (b *builder) ruleIPVersion(p *ruleset.ParsedRule) (ipVersion, error) {
	var v4, v6 bool
	mark := func(isV6 bool) {
		if isV6 {
			v6 = true
		} else {
			v4 = true
		}
	}
	if p.Saddr != nil {
		mark(p.Saddr.V6)
	}
	if p.Daddr != nil {
		mark(p.Daddr.V6)
	}
	for _, m := range []*ruleset.SetMatch{p.SaddrSet, p.DaddrSet} {
		if m == nil {
			continue
		}
		isV6, err := b.setIsV6(m.Name)
		if err != nil {
			return ipAny, err
		}
		mark(isV6)
	}
	if p.ICMPType != nil {
		mark(false)
	}
	if p.ICMPv6Type != nil {
		mark(true)
	}
	switch {
	case v4 && v6:
		return ipAny, fmt.Errorf("rule mixes IPv4 and IPv6 matches")
	case v4:
		return ipV4, nil
	case v6:
		return ipV6, nil
	}
	return ipAny, nil
}

func (b *builder) setIsV6(name string) (bool, error) {
	s := b.table.Set(name)
	if s == nil {
		return false, fmt.Errorf("set %q is not declared in table %s", name, b.table.Name)
	}
	switch s.KeyType {
	case ruleset.KeyIPv4Addr:
		return false, nil
	case ruleset.KeyIPv6Addr:
		return true, nil
	}
	return false, fmt.Errorf("set %q holds %s keys, address matches need an address set", name, s.KeyType)
}

// guard pins the network protocol in families that see more than one.
// The ip and ip6 families already pin it at the hook; inet compares the
// netfilter protocol, netdev the skb ethertype, bridge the frame ethertype.
func (b *builder) guard(v ipVersion) {
	if v == ipAny {
		return
	}
	switch b.family {
	case ruleset.FamilyINet:
		nfproto := byte(unix.NFPROTO_IPV4)
		if v == ipV6 {
			nfproto = unix.NFPROTO_IPV6
		}
		b.emit(
			&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{nfproto}},
		)
	case ruleset.FamilyNetdev:
		b.emit(
			&expr.Meta{Key: expr.MetaKeyPROTOCOL, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: etherType(v)},
		)
	case ruleset.FamilyBridge:
		b.emit(
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseLLHeader, Offset: 12, Len: 2},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: etherType(v)},
		)
	}
}

func etherType(v ipVersion) []byte {
	if v == ipV6 {
		return binaryutil.BigEndian.PutUint16(unix.ETH_P_IPV6)
	}
	return binaryutil.BigEndian.PutUint16(unix.ETH_P_IP)
}

func (b *builder) ifaceMatch(key expr.MetaKey, m *ruleset.IfaceMatch) {
	if m == nil {
		return
	}
	b.emit(
		&expr.Meta{Key: key, Register: 1},
		&expr.Cmp{Op: cmpOp(m.Negate), Register: 1, Data: ifname(m.Name)},
	)
}

func (b *builder) etherMatch(m *ruleset.MACMatch) {
	if m == nil {
		return
	}
	b.emit(
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseLLHeader, Offset: 6, Len: 6},
		&expr.Cmp{Op: cmpOp(m.Negate), Register: 1, Data: m.Addr},
	)
}

// protoMatch compares meta l4proto rather than the protocol field of the
// network header so that IPv6 extension headers are skipped.
func (b *builder) protoMatch(m *ruleset.ProtoMatch) {
	if m == nil {
		return
	}
	b.emit(
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: cmpOp(m.Negate), Register: 1, Data: []byte{m.Num}},
	)
}

type addrField int

const (
	fieldSaddr addrField = iota
	fieldDaddr
)

func (b *builder) addrMatch(m *ruleset.AddrMatch, field addrField) {
	if m == nil {
		return
	}
	b.payloadAddr(m.V6, field)
	if m.Exact() {
		b.emit(&expr.Cmp{Op: cmpOp(m.Negate), Register: 1, Data: m.IP})
		return
	}
	alen := net.IPv4len
	if m.V6 {
		alen = net.IPv6len
	}
	b.emit(
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            uint32(alen),
			Mask:           net.CIDRMask(m.PrefixLen, alen*8),
			Xor:            make([]byte, alen),
		},
		&expr.Cmp{Op: cmpOp(m.Negate), Register: 1, Data: m.IP},
	)
}

func (b *builder) payloadAddr(v6 bool, field addrField) {
	var offset, length uint32
	switch {
	case v6 && field == fieldSaddr:
		offset, length = 8, net.IPv6len
	case v6:
		offset, length = 24, net.IPv6len
	case field == fieldSaddr:
		offset, length = 12, net.IPv4len
	default:
		offset, length = 16, net.IPv4len
	}
	b.emit(&expr.Payload{
		DestRegister: 1,
		Base:         expr.PayloadBaseNetworkHeader,
		Offset:       offset,
		Len:          length,
	})
}

func (b *builder) setMatch(m *ruleset.SetMatch, field addrField) error {
	if m == nil {
		return nil
	}
	v6, err := b.setIsV6(m.Name)
	if err != nil {
		return err
	}
	b.payloadAddr(v6, field)
	b.emit(&expr.Lookup{SourceRegister: 1, SetName: m.Name, Invert: m.Negate})
	return nil
}

func (b *builder) portMatch(m *ruleset.PortMatch, offset uint32) {
	if m == nil {
		return
	}
	b.emit(&expr.Payload{
		DestRegister: 1,
		Base:         expr.PayloadBaseTransportHeader,
		Offset:       offset,
		Len:          2,
	})
	switch {
	case m.Single():
		b.emit(&expr.Cmp{Op: cmpOp(m.Negate), Register: 1, Data: binaryutil.BigEndian.PutUint16(m.Lo)})
	case m.Negate:
		b.emit(&expr.Range{
			Op:       expr.CmpOpNeq,
			Register: 1,
			FromData: binaryutil.BigEndian.PutUint16(m.Lo),
			ToData:   binaryutil.BigEndian.PutUint16(m.Hi),
		})
	default:
		b.emit(
			&expr.Cmp{Op: expr.CmpOpGte, Register: 1, Data: binaryutil.BigEndian.PutUint16(m.Lo)},
			&expr.Cmp{Op: expr.CmpOpLte, Register: 1, Data: binaryutil.BigEndian.PutUint16(m.Hi)},
		)
	}
}

// icmpTypeMatch serves both icmp and icmpv6; the type field sits at the
// start of the transport header in both.
func (b *builder) icmpTypeMatch(t *uint8) {
	if t == nil {
		return
	}
	b.emit(
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Len: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{*t}},
	)
}

// ctStateMatch matches any of the states in mask: load, mask, compare
// against zero with NEQ.
func (b *builder) ctStateMatch(mask uint32) {
	if mask == 0 {
		return
	}
	zero := make([]byte, 4)
	b.emit(
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(mask),
			Xor:            zero,
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: zero},
	)
}

func (b *builder) markMatch(m *ruleset.MarkMatch) {
	if m == nil {
		return
	}
	b.emit(&expr.Meta{Key: expr.MetaKeyMARK, Register: 1})
	if m.Mask != 0 {
		b.emit(&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(m.Mask),
			Xor:            make([]byte, 4),
		})
	}
	b.emit(&expr.Cmp{Op: cmpOp(m.Negate), Register: 1, Data: binaryutil.NativeEndian.PutUint32(m.Value)})
}

// fibCheck matches packets whose source address has no return route through
// the arrival interface. A zero result register means the lookup found no
// output interface.
func (b *builder) fibCheck(enabled bool) {
	if !enabled {
		return
	}
	b.emit(
		&expr.Fib{Register: 1, FlagSADDR: true, FlagIIF: true, ResultOIF: true},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: make([]byte, 4)},
	)
}

func cmpOp(negated bool) expr.CmpOp {
	if negated {
		return expr.CmpOpNeq
	}
	return expr.CmpOpEq
}

// ifname pads an interface name to the fixed width meta comparisons use.
func ifname(name string) []byte {
	b := make([]byte, 16)
	copy(b, name)
	return b
}

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

package rulebuild

import (
	"fmt"

	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"github.com/netfilterworks/nftkit/pkg/ruleset"
)

var limitUnits = map[ruleset.LimitUnit]expr.LimitTime{
	ruleset.LimitPerSecond: expr.LimitTimeSecond,
	ruleset.LimitPerMinute: expr.LimitTimeMinute,
	ruleset.LimitPerHour:   expr.LimitTimeHour,
}

// statements emits the non-terminal statements. The limit precedes the log
// so that a rate limit also caps log volume.
func (b *builder) statements(p *ruleset.ParsedRule) {
	if p.Counter {
		b.emit(&expr.Counter{})
	}
	if p.Limit != nil {
		b.emit(&expr.Limit{
			Type:  expr.LimitTypePkts,
			Rate:  p.Limit.Rate,
			Unit:  limitUnits[p.Limit.Unit],
			Burst: p.Limit.Burst,
		})
	}
	if p.Log != nil {
		b.emit(logExpr(p.Log))
	}
	if p.SetMark != nil {
		b.emit(
			&expr.Immediate{Register: 1, Data: binaryutil.NativeEndian.PutUint32(*p.SetMark)},
			&expr.Meta{Key: expr.MetaKeyMARK, SourceRegister: true, Register: 1},
		)
	}
	if p.Trace {
		// nftrace is a single byte in the kernel.
		b.emit(
			&expr.Immediate{Register: 1, Data: []byte{1}},
			&expr.Meta{Key: expr.MetaKeyNFTRACE, SourceRegister: true, Register: 1},
		)
	}
}

func logExpr(l *ruleset.LogStmt) *expr.Log {
	e := &expr.Log{}
	if l.Prefix != "" {
		e.Key |= 1 << unix.NFTA_LOG_PREFIX
		e.Data = []byte(l.Prefix)
	}
	if l.Group != nil {
		e.Key |= 1 << unix.NFTA_LOG_GROUP
		e.Group = *l.Group
	}
	return e
}

// action emits the statement that ends evaluation: a NAT statement or the
// verdict. ParseRule guarantees exactly one is present.
func (b *builder) action(p *ruleset.ParsedRule) error {
	switch {
	case p.Masquerade != nil:
		b.masq(p.Masquerade)
	case p.SNAT != nil:
		b.nat(expr.NATTypeSourceNAT, p.SNAT)
	case p.DNAT != nil:
		b.nat(expr.NATTypeDestNAT, p.DNAT)
	case p.Verdict == ruleset.VerdictQueue:
		b.emit(&expr.Queue{Num: p.QueueNum})
	case p.Verdict == ruleset.VerdictReject:
		b.emit(rejectExpr(p.RejectWith))
	case p.Verdict == ruleset.VerdictNone:
		return fmt.Errorf("rule has no terminal statement")
	default:
		v, err := verdictExpr(p.Verdict, p.Target)
		if err != nil {
			return err
		}
		b.emit(v)
	}
	return nil
}

func (b *builder) masq(m *ruleset.MasqAction) {
	if m.ProtoMin == 0 {
		b.emit(&expr.Masq{})
		return
	}
	e := &expr.Masq{ToPorts: true, RegProtoMin: 1}
	b.emit(&expr.Immediate{Register: 1, Data: binaryutil.BigEndian.PutUint16(m.ProtoMin)})
	if m.ProtoMax != m.ProtoMin {
		e.RegProtoMax = 2
		b.emit(&expr.Immediate{Register: 2, Data: binaryutil.BigEndian.PutUint16(m.ProtoMax)})
	}
	b.emit(e)
}

func (b *builder) nat(typ expr.NATType, act *ruleset.NATAction) {
	fam := uint32(unix.NFPROTO_IPV4)
	if act.V6 {
		fam = unix.NFPROTO_IPV6
	}
	e := &expr.NAT{Type: typ, Family: fam, RegAddrMin: 1}
	b.emit(&expr.Immediate{Register: 1, Data: act.IP})
	if act.Port != 0 {
		e.RegProtoMin = 2
		b.emit(&expr.Immediate{Register: 2, Data: binaryutil.BigEndian.PutUint16(act.Port)})
	}
	b.emit(e)
}

// rejectExpr uses the family-neutral icmpx codes, which the kernel
// translates for ip and ip6 hooks.
func rejectExpr(kind ruleset.RejectKind) *expr.Reject {
	switch kind {
	case ruleset.RejectTCPReset:
		return &expr.Reject{Type: unix.NFT_REJECT_TCP_RST}
	case ruleset.RejectHostUnreachable:
		return &expr.Reject{
			Type: unix.NFT_REJECT_ICMPX_UNREACH,
			Code: unix.NFT_REJECT_ICMPX_HOST_UNREACH,
		}
	default:
		return &expr.Reject{
			Type: unix.NFT_REJECT_ICMPX_UNREACH,
			Code: unix.NFT_REJECT_ICMPX_PORT_UNREACH,
		}
	}
}

func verdictExpr(kind ruleset.VerdictKind, target string) (*expr.Verdict, error) {
	switch kind {
	case ruleset.VerdictAccept:
		return &expr.Verdict{Kind: expr.VerdictAccept}, nil
	case ruleset.VerdictDrop:
		return &expr.Verdict{Kind: expr.VerdictDrop}, nil
	case ruleset.VerdictReturn:
		return &expr.Verdict{Kind: expr.VerdictReturn}, nil
	case ruleset.VerdictContinue:
		return &expr.Verdict{Kind: expr.VerdictContinue}, nil
	case ruleset.VerdictJump:
		return &expr.Verdict{Kind: expr.VerdictJump, Chain: target}, nil
	case ruleset.VerdictGoto:
		return &expr.Verdict{Kind: expr.VerdictGoto, Chain: target}, nil
	}
	return nil, fmt.Errorf("unhandled verdict %q", kind)
}

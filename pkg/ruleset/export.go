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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/networkplumbing/go-nft/nft"
	"github.com/networkplumbing/go-nft/nft/schema"
)

// ErrNotExportable marks configuration the nft JSON schema build in use
// cannot express: sets, named objects, flowtables, netdev devices, and the
// statements beyond match/counter/verdict/NAT.
var ErrNotExportable = errors.New("not expressible in nft JSON")

// NotExportableError locates what stopped an export.
type NotExportableError struct {
	Path string
	What string
}

func (e *NotExportableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Path, e.What, ErrNotExportable)
}

func (e *NotExportableError) Unwrap() error { return ErrNotExportable }

func notExportable(path, what string) error {
	return &NotExportableError{Path: path, What: what}
}

// Export renders the configuration as an nft JSON document equivalent to
// what `nft -j list ruleset` would show for it. Only tables, chains and the
// match/counter/verdict/NAT rule subset are expressible; anything else
// fails with ErrNotExportable.
func Export(c *Config) (*nft.Config, error) {
	out := nft.NewConfig()

	for _, t := range c.Tables {
		path := fmt.Sprintf("table %s/%s", t.Family, t.Name)
		if len(t.Sets) > 0 {
			return nil, notExportable(path, "sets")
		}
		if len(t.Counters) > 0 || len(t.Quotas) > 0 {
			return nil, notExportable(path, "named objects")
		}
		if len(t.Flowtables) > 0 {
			return nil, notExportable(path, "flowtables")
		}

		st := schema.Table{Family: string(t.Family), Name: t.Name}
		out.AddTable(&st)

		for _, ch := range t.Chains {
			cpath := fmt.Sprintf("%s: chain %q", path, ch.Name)
			sc, err := exportChain(t, ch, cpath)
			if err != nil {
				return nil, err
			}
			out.AddChain(sc)

			for i, r := range ch.Rules {
				rpath := fmt.Sprintf("%s: rule %d", cpath, i+1)
				sr, err := exportRule(t, ch, r, rpath)
				if err != nil {
					return nil, err
				}
				out.AddRule(sr)
			}
		}
	}
	return out, nil
}

func exportChain(t *Table, ch *Chain, path string) (*schema.Chain, error) {
	sc := &schema.Chain{
		Family: string(t.Family),
		Table:  t.Name,
		Name:   ch.Name,
	}
	if ch.Base == nil {
		return sc, nil
	}
	if ch.Base.Device != "" {
		return nil, notExportable(path, "ingress device binding")
	}
	prio, err := ch.Base.Priority.Resolve(t.Family, ch.Base.Hook)
	if err != nil {
		return nil, fmt.Errorf("%s: priority: %w", path, err)
	}
	p := int(prio)
	sc.Type = string(ch.Base.Type)
	sc.Hook = string(ch.Base.Hook)
	sc.Prio = &p
	sc.Policy = string(ch.Base.Policy)
	return sc, nil
}

func exportRule(t *Table, ch *Chain, r *Rule, path string) (*schema.Rule, error) {
	p, err := ParseRule(t.Family, r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, blocked := range []struct {
		set  bool
		what string
	}{
		{p.Log != nil, "log"},
		{p.Limit != nil, "limit"},
		{p.SetMark != nil, "set-mark"},
		{p.Trace, "trace"},
		{p.SaddrSet != nil || p.DaddrSet != nil, "set reference"},
		{p.Verdict == VerdictQueue, "queue"},
		{p.Verdict == VerdictReject, "reject"},
	} {
		if blocked.set {
			return nil, notExportable(path, blocked.what+" statement")
		}
	}

	var stmts []schema.Statement
	stmts = appendIfaceMatch(stmts, "iifname", p.IIF)
	stmts = appendIfaceMatch(stmts, "oifname", p.OIF)

	if m := p.EtherSaddr; m != nil {
		mac := m.Addr.String()
		stmts = append(stmts, matchStmt(m.Negate, schema.Expression{
			Payload: &schema.Payload{Protocol: schema.PayloadProtocolEther, Field: schema.PayloadFieldEtherSAddr},
		}, schema.Expression{String: &mac}))
	}
	if m := p.Proto; m != nil {
		stmts = append(stmts, matchStmt(m.Negate, metaExpr("l4proto"), protoExpr(m.Num)))
	}
	if m := p.Saddr; m != nil {
		stmts = append(stmts, addrMatchStmt(m, "saddr"))
	}
	if m := p.Daddr; m != nil {
		stmts = append(stmts, addrMatchStmt(m, "daddr"))
	}
	if m := p.Sport; m != nil {
		stmts = append(stmts, portMatchStmt(p, m, "sport"))
	}
	if m := p.Dport; m != nil {
		stmts = append(stmts, portMatchStmt(p, m, "dport"))
	}
	if m := p.ICMPType; m != nil {
		stmts = append(stmts, matchStmt(false, schema.Expression{
			Payload: &schema.Payload{Protocol: "icmp", Field: "type"},
		}, f64Expr(float64(*m))))
	}
	if m := p.ICMPv6Type; m != nil {
		stmts = append(stmts, matchStmt(false, schema.Expression{
			Payload: &schema.Payload{Protocol: "icmpv6", Field: "type"},
		}, f64Expr(float64(*m))))
	}
	if p.CtStateMask != 0 {
		stmts = append(stmts, schema.Statement{Match: &schema.Match{
			Op:    schema.OperIN,
			Left:  rawExpr(`{"ct":{"key":"state"}}`),
			Right: ctStateListExpr(p.CtStateMask),
		}})
	}
	if m := p.Mark; m != nil {
		left := metaExpr("mark")
		if m.Mask != 0 {
			left = rawExpr(fmt.Sprintf(`{"&":[{"meta":{"key":"mark"}},%d]}`, m.Mask))
		}
		stmts = append(stmts, matchStmt(m.Negate, left, f64Expr(float64(m.Value))))
	}
	if p.FibCheck {
		missing := false
		stmts = append(stmts, matchStmt(false,
			rawExpr(`{"fib":{"result":"oif","flags":["saddr","iif"]}}`),
			schema.Expression{Bool: &missing}))
	}

	if p.Counter {
		stmts = append(stmts, schema.Statement{Counter: &schema.Counter{}})
	}

	switch {
	case p.Masquerade != nil:
		masq := &schema.Masquerade{Enabled: true}
		if p.Masquerade.ProtoMin != 0 {
			masq.Port = portRangeExpr(p.Masquerade.ProtoMin, p.Masquerade.ProtoMax)
		}
		stmts = append(stmts, schema.Statement{Nat: schema.Nat{Masquerade: masq}})
	case p.SNAT != nil:
		stmts = append(stmts, schema.Statement{Nat: schema.Nat{Snat: natTarget(p.SNAT)}})
	case p.DNAT != nil:
		stmts = append(stmts, schema.Statement{Nat: schema.Nat{Dnat: (*schema.Dnat)(natTarget(p.DNAT))}})
	default:
		stmts = append(stmts, verdictStmt(p))
	}

	return &schema.Rule{
		Family:  string(t.Family),
		Table:   t.Name,
		Chain:   ch.Name,
		Expr:    stmts,
		Comment: r.Comment,
	}, nil
}

func appendIfaceMatch(stmts []schema.Statement, key string, m *IfaceMatch) []schema.Statement {
	if m == nil {
		return stmts
	}
	name := m.Name
	return append(stmts, matchStmt(m.Negate, metaExpr(key), schema.Expression{String: &name}))
}

func matchStmt(neg bool, left, right schema.Expression) schema.Statement {
	op := schema.OperEQ
	if neg {
		op = schema.OperNEQ
	}
	return schema.Statement{Match: &schema.Match{Op: op, Left: left, Right: right}}
}

func addrMatchStmt(m *AddrMatch, field string) schema.Statement {
	left := payloadAddrExpr(m.V6, field)
	if m.Exact() {
		ip := m.IP.String()
		return matchStmt(m.Negate, left, schema.Expression{String: &ip})
	}
	right := rawExpr(fmt.Sprintf(`{"prefix":{"addr":%q,"len":%d}}`, m.IP.String(), m.PrefixLen))
	return matchStmt(m.Negate, left, right)
}

func payloadAddrExpr(v6 bool, field string) schema.Expression {
	proto := schema.PayloadProtocolIP4
	if v6 {
		proto = schema.PayloadProtocolIP6
	}
	return schema.Expression{Payload: &schema.Payload{Protocol: proto, Field: field}}
}

func portMatchStmt(p *ParsedRule, m *PortMatch, field string) schema.Statement {
	proto := "tcp"
	if p.Proto != nil {
		switch p.Proto.Num {
		case 17:
			proto = "udp"
		case 132:
			proto = "sctp"
		}
	}
	left := schema.Expression{Payload: &schema.Payload{Protocol: proto, Field: field}}
	if m.Single() {
		return matchStmt(m.Negate, left, f64Expr(float64(m.Lo)))
	}
	return matchStmt(m.Negate, left, *portRangeExpr(m.Lo, m.Hi))
}

func verdictStmt(p *ParsedRule) schema.Statement {
	switch p.Verdict {
	case VerdictAccept:
		return schema.Statement{Verdict: schema.Accept()}
	case VerdictDrop:
		return schema.Statement{Verdict: schema.Drop()}
	case VerdictReturn:
		return schema.Statement{Verdict: schema.Return()}
	case VerdictContinue:
		return schema.Statement{Verdict: schema.Continue()}
	case VerdictJump:
		return schema.Statement{Verdict: schema.Verdict{Jump: &schema.ToTarget{Target: p.Target}}}
	case VerdictGoto:
		return schema.Statement{Verdict: schema.Verdict{Goto: &schema.ToTarget{Target: p.Target}}}
	}
	return schema.Statement{}
}

func natTarget(n *NATAction) *schema.Snat {
	addr := n.IP.String()
	t := &schema.Snat{Addr: &schema.Expression{String: &addr}}
	if n.Port != 0 {
		t.Port = f64ExprPtr(float64(n.Port))
	}
	return t
}

var ctStateBitNames = []struct {
	bit  uint32
	name string
}{
	{CtStateInvalid, "invalid"},
	{CtStateEstablished, "established"},
	{CtStateRelated, "related"},
	{CtStateNew, "new"},
	{CtStateUntracked, "untracked"},
}

func ctStateListExpr(mask uint32) schema.Expression {
	var names []string
	for _, e := range ctStateBitNames {
		if mask&e.bit != 0 {
			names = append(names, e.name)
		}
	}
	if len(names) == 1 {
		return schema.Expression{String: &names[0]}
	}
	b, _ := json.Marshal(names)
	return schema.Expression{RowData: b}
}

var protoNumToName = map[uint8]string{1: "icmp", 6: "tcp", 17: "udp", 58: "icmpv6", 132: "sctp"}

func protoExpr(num uint8) schema.Expression {
	if name, ok := protoNumToName[num]; ok {
		return schema.Expression{String: &name}
	}
	return f64Expr(float64(num))
}

func metaExpr(key string) schema.Expression {
	return rawExpr(fmt.Sprintf(`{"meta":{"key":%q}}`, key))
}

func rawExpr(s string) schema.Expression {
	return schema.Expression{RowData: json.RawMessage(s)}
}

func f64Expr(v float64) schema.Expression {
	return schema.Expression{Float64: &v}
}

func f64ExprPtr(v float64) *schema.Expression {
	e := f64Expr(v)
	return &e
}

func portRangeExpr(lo, hi uint16) *schema.Expression {
	e := rawExpr(fmt.Sprintf(`{"range":[%d,%d]}`, lo, hi))
	return &e
}

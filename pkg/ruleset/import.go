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
	"math"
	"strconv"

	"github.com/networkplumbing/go-nft/nft"
	"github.com/networkplumbing/go-nft/nft/schema"
)

// ErrNotImportable marks nft JSON content outside the subset Export
// produces: imperative commands, unknown match expressions, statements
// beyond match/counter/verdict/NAT.
var ErrNotImportable = errors.New("not importable")

func notImportable(what string, args ...interface{}) error {
	return fmt.Errorf(fmt.Sprintf(what, args...)+": %w", ErrNotImportable)
}

// Import builds a configuration from an nft JSON document, inverting
// Export. It accepts exactly the exportable subset; `nft -j list ruleset`
// output using features beyond it is rejected. The result is not
// validated; callers run Validate before applying.
func Import(doc *nft.Config) (*Config, error) {
	c := &Config{}

	for i := range doc.Nftables {
		n := &doc.Nftables[i]
		switch {
		case n.Metainfo != nil:
			// Version banner from `nft -j list`, nothing to keep.
		case n.Table != nil:
			if _, err := importTable(c, n.Table); err != nil {
				return nil, err
			}
		case n.Chain != nil:
			if err := importChain(c, n.Chain); err != nil {
				return nil, err
			}
		case n.Rule != nil:
			if err := importRule(c, n.Rule); err != nil {
				return nil, err
			}
		case n.Add != nil:
			if err := importAdd(c, n.Add); err != nil {
				return nil, err
			}
		case n.Delete != nil || n.Flush != nil:
			return nil, notImportable("imperative delete/flush command")
		default:
			return nil, notImportable("unrecognized document entry %d", i)
		}
	}
	return c, nil
}

func importAdd(c *Config, o *schema.Objects) error {
	switch {
	case o.Ruleset:
		return notImportable("add ruleset")
	case o.Table != nil:
		_, err := importTable(c, o.Table)
		return err
	case o.Chain != nil:
		return importChain(c, o.Chain)
	case o.Rule != nil:
		return importRule(c, o.Rule)
	}
	return notImportable("empty add command")
}

func importTable(c *Config, st *schema.Table) (*Table, error) {
	family := Family(st.Family)
	if !family.Valid() {
		return nil, fmt.Errorf("table %q: unknown family %q", st.Name, st.Family)
	}
	for _, t := range c.Tables {
		if t.Name == st.Name && t.Family == family {
			return t, nil
		}
	}
	t := &Table{Name: st.Name, Family: family}
	c.Tables = append(c.Tables, t)
	return t, nil
}

func importChain(c *Config, sc *schema.Chain) error {
	t, err := importTable(c, &schema.Table{Family: sc.Family, Name: sc.Table})
	if err != nil {
		return err
	}
	if t.Chain(sc.Name) != nil {
		return fmt.Errorf("chain %q declared twice in table %q", sc.Name, sc.Table)
	}

	ch := &Chain{Name: sc.Name}
	if sc.Type != "" || sc.Hook != "" || sc.Prio != nil {
		if sc.Prio == nil {
			return fmt.Errorf("chain %q: base chain without a priority", sc.Name)
		}
		if *sc.Prio < math.MinInt32 || *sc.Prio > math.MaxInt32 {
			return fmt.Errorf("chain %q: priority %d out of range", sc.Name, *sc.Prio)
		}
		ch.Base = &BaseChain{
			Type:     ChainType(sc.Type),
			Hook:     Hook(sc.Hook),
			Priority: PriorityValue(int32(*sc.Prio)),
			Policy:   Policy(sc.Policy),
		}
	}
	t.Chains = append(t.Chains, ch)
	return nil
}

func importRule(c *Config, sr *schema.Rule) error {
	t, err := importTable(c, &schema.Table{Family: sr.Family, Name: sr.Table})
	if err != nil {
		return err
	}
	ch := t.Chain(sr.Chain)
	if ch == nil {
		return fmt.Errorf("rule references undeclared chain %q in table %q", sr.Chain, sr.Table)
	}

	r := &Rule{Comment: sr.Comment}
	for i := range sr.Expr {
		if err := importStatement(r, &sr.Expr[i]); err != nil {
			return fmt.Errorf("chain %q rule %d: %w", sr.Chain, len(ch.Rules)+1, err)
		}
	}
	ch.Rules = append(ch.Rules, r)
	return nil
}

func importStatement(r *Rule, s *schema.Statement) error {
	switch {
	case s.Counter != nil:
		r.Counter = true
		return nil
	case s.Match != nil:
		return importMatch(r, s.Match)
	case s.Nat.Snat != nil:
		to, err := natToString(s.Nat.Snat.Addr, s.Nat.Snat.Port)
		if err != nil {
			return fmt.Errorf("snat: %w", err)
		}
		r.SNAT = &NATStmt{To: to}
		return nil
	case s.Nat.Dnat != nil:
		to, err := natToString(s.Nat.Dnat.Addr, s.Nat.Dnat.Port)
		if err != nil {
			return fmt.Errorf("dnat: %w", err)
		}
		r.DNAT = &NATStmt{To: to}
		return nil
	case s.Nat.Masquerade != nil:
		m := &MasqStmt{}
		if s.Nat.Masquerade.Port != nil {
			ports, err := portString(*s.Nat.Masquerade.Port)
			if err != nil {
				return fmt.Errorf("masquerade: %w", err)
			}
			m.ToPorts = ports
		}
		r.Masquerade = m
		return nil
	case s.Nat.Redirect != nil:
		return notImportable("redirect statement")
	}
	return importVerdict(r, &s.Verdict)
}

func importVerdict(r *Rule, v *schema.Verdict) error {
	switch {
	case v.Accept:
		r.Verdict = string(VerdictAccept)
	case v.Drop:
		r.Verdict = string(VerdictDrop)
	case v.Return:
		r.Verdict = string(VerdictReturn)
	case v.Continue:
		r.Verdict = string(VerdictContinue)
	case v.Jump != nil:
		r.Jump = v.Jump.Target
	case v.Goto != nil:
		r.Goto = v.Goto.Target
	default:
		return notImportable("unrecognized statement")
	}
	return nil
}

func importMatch(r *Rule, m *schema.Match) error {
	neg := ""
	switch m.Op {
	case schema.OperEQ, schema.OperIN, "":
	case schema.OperNEQ:
		neg = "!="
	default:
		return notImportable("match operator %q", m.Op)
	}

	if m.Left.Payload != nil {
		return importPayloadMatch(r, m, neg)
	}
	if len(m.Left.RowData) == 0 {
		return notImportable("match with empty left side")
	}

	var left struct {
		Meta *struct {
			Key string `json:"key"`
		} `json:"meta"`
		Ct *struct {
			Key string `json:"key"`
		} `json:"ct"`
		Fib  json.RawMessage   `json:"fib"`
		Mask []json.RawMessage `json:"&"`
	}
	if err := json.Unmarshal(m.Left.RowData, &left); err != nil {
		return fmt.Errorf("match left side: %w", err)
	}

	switch {
	case left.Meta != nil:
		return importMetaMatch(r, left.Meta.Key, m, neg)
	case left.Ct != nil:
		if left.Ct.Key != "state" {
			return notImportable("ct key %q", left.Ct.Key)
		}
		if neg != "" {
			return notImportable("negated ct state")
		}
		states, err := stringList(m.Right)
		if err != nil {
			return fmt.Errorf("ct state: %w", err)
		}
		r.CtState = states
		return nil
	case left.Fib != nil:
		if neg != "" {
			return notImportable("negated fib check")
		}
		r.FibCheck = true
		return nil
	case len(left.Mask) == 2:
		return importMaskedMark(r, left.Mask, m, neg)
	}
	return notImportable("match left side %s", string(m.Left.RowData))
}

func importMetaMatch(r *Rule, key string, m *schema.Match, neg string) error {
	switch key {
	case "iifname":
		s, err := stringValue(m.Right)
		if err != nil {
			return fmt.Errorf("iifname: %w", err)
		}
		r.IIF = neg + s
	case "oifname":
		s, err := stringValue(m.Right)
		if err != nil {
			return fmt.Errorf("oifname: %w", err)
		}
		r.OIF = neg + s
	case "l4proto":
		s, err := protoString(m.Right)
		if err != nil {
			return fmt.Errorf("l4proto: %w", err)
		}
		r.Proto = neg + s
	case "mark":
		v, err := uintValue(m.Right, 32)
		if err != nil {
			return fmt.Errorf("mark: %w", err)
		}
		r.Mark = neg + strconv.FormatUint(v, 10)
	default:
		return notImportable("meta key %q", key)
	}
	return nil
}

func importMaskedMark(r *Rule, operands []json.RawMessage, m *schema.Match, neg string) error {
	var meta struct {
		Meta *struct {
			Key string `json:"key"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(operands[0], &meta); err != nil || meta.Meta == nil || meta.Meta.Key != "mark" {
		return notImportable("masked expression %s", string(operands[0]))
	}
	var mask uint32
	if err := json.Unmarshal(operands[1], &mask); err != nil {
		return fmt.Errorf("mark mask: %w", err)
	}
	v, err := uintValue(m.Right, 32)
	if err != nil {
		return fmt.Errorf("mark: %w", err)
	}
	r.Mark = fmt.Sprintf("%s%d/%d", neg, v, mask)
	return nil
}

func importPayloadMatch(r *Rule, m *schema.Match, neg string) error {
	p := m.Left.Payload
	switch p.Protocol {
	case schema.PayloadProtocolEther:
		if p.Field != schema.PayloadFieldEtherSAddr {
			return notImportable("ether field %q", p.Field)
		}
		s, err := stringValue(m.Right)
		if err != nil {
			return fmt.Errorf("ether saddr: %w", err)
		}
		r.EtherSaddr = neg + s
		return nil

	case schema.PayloadProtocolIP4, schema.PayloadProtocolIP6:
		addr, err := addrString(m.Right)
		if err != nil {
			return fmt.Errorf("%s %s: %w", p.Protocol, p.Field, err)
		}
		switch p.Field {
		case "saddr":
			r.Saddr = neg + addr
		case "daddr":
			r.Daddr = neg + addr
		default:
			return notImportable("%s field %q", p.Protocol, p.Field)
		}
		return nil

	case "tcp", "udp", "sctp":
		ports, err := portString(m.Right)
		if err != nil {
			return fmt.Errorf("%s %s: %w", p.Protocol, p.Field, err)
		}
		switch p.Field {
		case "sport":
			r.Sport = neg + ports
		case "dport":
			r.Dport = neg + ports
		default:
			return notImportable("%s field %q", p.Protocol, p.Field)
		}
		if r.Proto == "" {
			r.Proto = p.Protocol
		}
		return nil

	case "icmp", "icmpv6":
		if p.Field != "type" {
			return notImportable("%s field %q", p.Protocol, p.Field)
		}
		v, err := uintValue(m.Right, 8)
		if err != nil {
			return fmt.Errorf("%s type: %w", p.Protocol, err)
		}
		if p.Protocol == "icmp" {
			r.ICMPType = strconv.FormatUint(v, 10)
		} else {
			r.ICMPv6Type = strconv.FormatUint(v, 10)
		}
		if r.Proto == "" {
			r.Proto = p.Protocol
		}
		return nil
	}
	return notImportable("payload protocol %q", p.Protocol)
}

// natToString rebuilds the to address grammar, bracketing IPv6 hosts when a
// port rides along.
func natToString(addr, port *schema.Expression) (string, error) {
	if addr == nil || addr.String == nil {
		return "", notImportable("nat without a literal address")
	}
	host := *addr.String
	if port == nil {
		return host, nil
	}
	v, err := uintValue(*port, 16)
	if err != nil {
		return "", err
	}
	ps := strconv.FormatUint(v, 10)
	for _, c := range host {
		if c == ':' {
			return "[" + host + "]:" + ps, nil
		}
	}
	return host + ":" + ps, nil
}

func stringValue(e schema.Expression) (string, error) {
	if e.String == nil {
		return "", notImportable("expected a string value")
	}
	return *e.String, nil
}

func uintValue(e schema.Expression, bits int) (uint64, error) {
	if e.Float64 == nil {
		return 0, notImportable("expected a numeric value")
	}
	v := *e.Float64
	if v != math.Trunc(v) || v < 0 || v >= math.Pow(2, float64(bits)) {
		return 0, fmt.Errorf("%v does not fit in %d bits", v, bits)
	}
	return uint64(v), nil
}

// stringList reads the right side of a ct state match: a bare string or a
// JSON array of strings.
func stringList(e schema.Expression) ([]string, error) {
	if e.String != nil {
		return []string{*e.String}, nil
	}
	if len(e.RowData) > 0 {
		var list []string
		if err := json.Unmarshal(e.RowData, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	return nil, notImportable("expected a state list")
}

func protoString(e schema.Expression) (string, error) {
	if e.String != nil {
		return *e.String, nil
	}
	v, err := uintValue(e, 8)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(v, 10), nil
}

// addrString reads a host address or a prefix object.
func addrString(e schema.Expression) (string, error) {
	if e.String != nil {
		return *e.String, nil
	}
	if len(e.RowData) > 0 {
		var obj struct {
			Prefix *struct {
				Addr string `json:"addr"`
				Len  int    `json:"len"`
			} `json:"prefix"`
		}
		if err := json.Unmarshal(e.RowData, &obj); err != nil {
			return "", err
		}
		if obj.Prefix != nil {
			return fmt.Sprintf("%s/%d", obj.Prefix.Addr, obj.Prefix.Len), nil
		}
	}
	return "", notImportable("expected an address or prefix")
}

// portString reads a single port or a range object.
func portString(e schema.Expression) (string, error) {
	if e.Float64 != nil {
		v, err := uintValue(e, 16)
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(v, 10), nil
	}
	if len(e.RowData) > 0 {
		var obj struct {
			Range []uint16 `json:"range"`
		}
		if err := json.Unmarshal(e.RowData, &obj); err != nil {
			return "", err
		}
		if len(obj.Range) == 2 {
			return fmt.Sprintf("%d-%d", obj.Range[0], obj.Range[1]), nil
		}
	}
	return "", notImportable("expected a port or range")
}

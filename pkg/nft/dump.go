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

package nft

import (
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"github.com/netfilterworks/nftkit/pkg/udata"
)

// Dump renders the committed state as nft-like text. The output is
// deterministic and meant for golden comparisons in tests and for
// dry runs, not for feeding back into nft. Expression rendering covers
// what this module's rule compiler emits; anything else shows up as its
// Go type in angle brackets.
func (f *Fake) Dump() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	tables := append([]*fakeTable(nil), f.tables...)
	sort.Slice(tables, func(i, j int) bool {
		a, b := tables[i].table, tables[j].table
		if a.Family != b.Family {
			return a.Family < b.Family
		}
		return a.Name < b.Name
	})

	var b strings.Builder
	for _, t := range tables {
		fmt.Fprintf(&b, "table %s %s {\n", familyName(t.table.Family), t.table.Name)
		dumpObjects(&b, t)
		dumpSets(&b, t)
		dumpFlowtables(&b, t)
		dumpChains(&b, t)
		b.WriteString("}\n")
	}
	return b.String()
}

var familyNames = map[nftables.TableFamily]string{
	nftables.TableFamilyINet:   "inet",
	nftables.TableFamilyIPv4:   "ip",
	nftables.TableFamilyIPv6:   "ip6",
	nftables.TableFamilyARP:    "arp",
	nftables.TableFamilyBridge: "bridge",
	nftables.TableFamilyNetdev: "netdev",
}

func familyName(f nftables.TableFamily) string {
	if name, ok := familyNames[f]; ok {
		return name
	}
	return fmt.Sprintf("family-%d", f)
}

func dumpObjects(b *strings.Builder, t *fakeTable) {
	counters := append([]*nftables.CounterObj(nil), t.counters...)
	sort.Slice(counters, func(i, j int) bool { return counters[i].Name < counters[j].Name })
	for _, c := range counters {
		fmt.Fprintf(b, "\tcounter %s {\n\t\tpackets %d bytes %d\n\t}\n", c.Name, c.Packets, c.Bytes)
	}
	quotas := append([]*nftables.QuotaObj(nil), t.quotas...)
	sort.Slice(quotas, func(i, j int) bool { return quotas[i].Name < quotas[j].Name })
	for _, q := range quotas {
		mode := ""
		if q.Over {
			mode = "over "
		}
		fmt.Fprintf(b, "\tquota %s {\n\t\t%s%d bytes used %d bytes\n\t}\n", q.Name, mode, q.Bytes, q.Consumed)
	}
}

func dumpSets(b *strings.Builder, t *fakeTable) {
	sets := append([]*fakeSet(nil), t.sets...)
	sort.Slice(sets, func(i, j int) bool { return sets[i].set.Name < sets[j].set.Name })
	for _, s := range sets {
		fmt.Fprintf(b, "\tset %s {\n\t\ttype %s\n", s.set.Name, s.set.KeyType.Name)
		var flags []string
		if s.set.Constant {
			flags = append(flags, "constant")
		}
		if s.set.Interval {
			flags = append(flags, "interval")
		}
		if len(flags) > 0 {
			fmt.Fprintf(b, "\t\tflags %s\n", strings.Join(flags, ","))
		}
		if elems := renderElements(s.set, s.elements); len(elems) > 0 {
			fmt.Fprintf(b, "\t\telements = { %s }\n", strings.Join(elems, ", "))
		}
		b.WriteString("\t}\n")
	}
}

func dumpFlowtables(b *strings.Builder, t *fakeTable) {
	fts := append([]*nftables.Flowtable(nil), t.flowtables...)
	sort.Slice(fts, func(i, j int) bool { return fts[i].Name < fts[j].Name })
	for _, ft := range fts {
		prio := 0
		if ft.Priority != nil {
			prio = int(int32(*ft.Priority))
		}
		fmt.Fprintf(b, "\tflowtable %s {\n\t\thook ingress priority %d\n", ft.Name, prio)
		if len(ft.Devices) > 0 {
			fmt.Fprintf(b, "\t\tdevices = { %s }\n", strings.Join(ft.Devices, ", "))
		}
		b.WriteString("\t}\n")
	}
}

func dumpChains(b *strings.Builder, t *fakeTable) {
	chains := append([]*fakeChain(nil), t.chains...)
	sort.Slice(chains, func(i, j int) bool { return chains[i].chain.Name < chains[j].chain.Name })
	for _, c := range chains {
		fmt.Fprintf(b, "\tchain %s {\n", c.chain.Name)
		if c.chain.Hooknum != nil {
			fmt.Fprintf(b, "\t\ttype %s hook %s priority %d;",
				c.chain.Type,
				chainHookName(t.table.Family, *c.chain.Hooknum),
				chainPriority(c.chain.Priority))
			if c.chain.Policy != nil {
				fmt.Fprintf(b, " policy %s;", policyName(*c.chain.Policy))
			}
			b.WriteString("\n")
		}
		for _, r := range c.rules {
			fmt.Fprintf(b, "\t\t%s\n", renderRule(r))
		}
		b.WriteString("\t}\n")
	}
}

func chainPriority(p *nftables.ChainPriority) int32 {
	if p == nil {
		return 0
	}
	return int32(*p)
}

func policyName(p nftables.ChainPolicy) string {
	if p == nftables.ChainPolicyDrop {
		return "drop"
	}
	return "accept"
}

// renderElements prints set elements; interval boundary pairs collapse to
// inclusive ranges the way nft prints them.
func renderElements(s *nftables.Set, elems []nftables.SetElement) []string {
	var out []string
	for i := 0; i < len(elems); i++ {
		e := elems[i]
		if e.IntervalEnd {
			continue
		}
		start := renderKey(s.KeyType.Name, e.Key)
		if s.Interval {
			if i+1 < len(elems) && elems[i+1].IntervalEnd {
				end := renderKey(s.KeyType.Name, decKey(elems[i+1].Key))
				if end != start {
					start = start + "-" + end
				}
				i++
			}
			// A start with no end boundary runs to the type's maximum.
		}
		out = append(out, start)
	}
	return out
}

func renderKey(keyType string, key []byte) string {
	switch keyType {
	case "ipv4_addr", "ipv6_addr":
		return net.IP(key).String()
	case "ether_addr":
		return net.HardwareAddr(key).String()
	case "inet_service":
		if len(key) == 2 {
			return fmt.Sprintf("%d", binary.BigEndian.Uint16(key))
		}
	case "inet_proto":
		if len(key) == 1 {
			return protoName(key[0])
		}
	case "mark":
		if len(key) == 4 {
			return fmt.Sprintf("0x%08x", nativeUint32(key))
		}
	case "ifname":
		return strings.TrimRight(string(key), "\x00")
	}
	return fmt.Sprintf("0x%x", key)
}

// decKey steps an exclusive interval end back to the inclusive maximum.
func decKey(key []byte) []byte {
	out := append([]byte(nil), key...)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]--
		if out[i] != 0xff {
			break
		}
	}
	return out
}

// renderRule decompiles the expression sequence the rule compiler emits.
// It walks the expressions tracking what register 1 was last loaded with
// so that the following comparison knows how to print its operand.
func renderRule(r *nftables.Rule) string {
	d := &decompiler{immediates: make(map[uint32][]byte)}
	for i := 0; i < len(r.Exprs); i++ {
		i = d.step(r.Exprs, i)
	}
	parts := d.parts
	if comment, ok := udata.ParseComment(r.UserData); ok {
		parts = append(parts, fmt.Sprintf("comment %q", comment))
	}
	return strings.Join(parts, " ")
}

type decompiler struct {
	parts      []string
	lhs        string
	lhsKind    lhsKind
	maskBits   int
	maskRaw    uint32
	immediates map[uint32][]byte
}

type lhsKind int

const (
	lhsNone lhsKind = iota
	lhsAddr
	lhsPort
	lhsIface
	lhsProto
	lhsNFProto
	lhsEtherType
	lhsEtherAddr
	lhsCtState
	lhsMark
	lhsByte
	lhsFib
)

func (d *decompiler) emit(s string) {
	d.parts = append(d.parts, s)
}

func (d *decompiler) load(lhs string, kind lhsKind) {
	d.lhs = lhs
	d.lhsKind = kind
	d.maskBits = -1
	d.maskRaw = 0
}

// step renders exprs[i] and returns the index of the last expression it
// consumed.
func (d *decompiler) step(exprs []expr.Any, i int) int {
	switch e := exprs[i].(type) {
	case *expr.Meta:
		if e.SourceRegister {
			d.renderMetaSet(e)
			return i
		}
		d.loadMeta(e)
	case *expr.Payload:
		d.loadPayload(e)
	case *expr.Ct:
		d.load("ct state", lhsCtState)
	case *expr.Fib:
		d.load("fib saddr . iif oif", lhsFib)
	case *expr.Bitwise:
		d.applyMask(e)
	case *expr.Cmp:
		return d.renderCmp(exprs, i)
	case *expr.Range:
		d.emit(fmt.Sprintf("%s != %s-%s", d.lhs, d.value(e.FromData), d.value(e.ToData)))
	case *expr.Lookup:
		neg := ""
		if e.Invert {
			neg = "!= "
		}
		d.emit(fmt.Sprintf("%s %s@%s", d.lhs, neg, e.SetName))
	case *expr.Immediate:
		d.immediates[e.Register] = e.Data
	case *expr.Counter:
		d.emit("counter")
	case *expr.Limit:
		d.renderLimit(e)
	case *expr.Log:
		d.renderLog(e)
	case *expr.Queue:
		d.emit(fmt.Sprintf("queue num %d", e.Num))
	case *expr.Reject:
		d.renderReject(e)
	case *expr.Masq:
		d.renderMasq(e)
	case *expr.NAT:
		d.renderNAT(e)
	case *expr.Verdict:
		d.renderVerdict(e)
	default:
		d.emit(fmt.Sprintf("<%T>", e))
	}
	return i
}

func (d *decompiler) loadMeta(e *expr.Meta) {
	switch e.Key {
	case expr.MetaKeyIIFNAME:
		d.load("iifname", lhsIface)
	case expr.MetaKeyOIFNAME:
		d.load("oifname", lhsIface)
	case expr.MetaKeyL4PROTO:
		d.load("meta l4proto", lhsProto)
	case expr.MetaKeyNFPROTO:
		d.load("meta nfproto", lhsNFProto)
	case expr.MetaKeyPROTOCOL:
		d.load("meta protocol", lhsEtherType)
	case expr.MetaKeyMARK:
		d.load("meta mark", lhsMark)
	default:
		d.load(fmt.Sprintf("meta %d", e.Key), lhsNone)
	}
}

func (d *decompiler) loadPayload(e *expr.Payload) {
	switch e.Base {
	case expr.PayloadBaseLLHeader:
		switch {
		case e.Offset == 6 && e.Len == 6:
			d.load("ether saddr", lhsEtherAddr)
		case e.Offset == 12 && e.Len == 2:
			d.load("ether type", lhsEtherType)
		default:
			d.load(fmt.Sprintf("@ll,%d,%d", e.Offset*8, e.Len*8), lhsNone)
		}
	case expr.PayloadBaseNetworkHeader:
		switch {
		case e.Offset == 12 && e.Len == 4:
			d.load("ip saddr", lhsAddr)
		case e.Offset == 16 && e.Len == 4:
			d.load("ip daddr", lhsAddr)
		case e.Offset == 8 && e.Len == 16:
			d.load("ip6 saddr", lhsAddr)
		case e.Offset == 24 && e.Len == 16:
			d.load("ip6 daddr", lhsAddr)
		default:
			d.load(fmt.Sprintf("@nh,%d,%d", e.Offset*8, e.Len*8), lhsNone)
		}
	case expr.PayloadBaseTransportHeader:
		switch {
		case e.Offset == 0 && e.Len == 2:
			d.load("th sport", lhsPort)
		case e.Offset == 2 && e.Len == 2:
			d.load("th dport", lhsPort)
		case e.Offset == 0 && e.Len == 1:
			d.load("icmp type", lhsByte)
		default:
			d.load(fmt.Sprintf("@th,%d,%d", e.Offset*8, e.Len*8), lhsNone)
		}
	}
}

// applyMask folds a bitwise mask into the pending load. Address masks
// print as prefix length, others as an explicit and.
func (d *decompiler) applyMask(e *expr.Bitwise) {
	switch d.lhsKind {
	case lhsAddr:
		ones, bits := net.IPMask(e.Mask).Size()
		if bits != 0 {
			d.maskBits = ones
			return
		}
	case lhsMark, lhsCtState:
		if len(e.Mask) == 4 {
			d.maskRaw = nativeUint32(e.Mask)
			return
		}
	}
	d.lhs = fmt.Sprintf("%s & 0x%x", d.lhs, []byte(e.Mask))
}

func (d *decompiler) renderCmp(exprs []expr.Any, i int) int {
	e := exprs[i].(*expr.Cmp)

	// A gte/lte pair on the same load is an inclusive range.
	if e.Op == expr.CmpOpGte && i+1 < len(exprs) {
		if hi, ok := exprs[i+1].(*expr.Cmp); ok && hi.Op == expr.CmpOpLte {
			d.emit(fmt.Sprintf("%s %s-%s", d.lhs, d.value(e.Data), d.value(hi.Data)))
			return i + 1
		}
	}

	op := ""
	switch e.Op {
	case expr.CmpOpNeq:
		op = "!= "
	case expr.CmpOpGt:
		op = "> "
	case expr.CmpOpGte:
		op = ">= "
	case expr.CmpOpLt:
		op = "< "
	case expr.CmpOpLte:
		op = "<= "
	}

	if d.lhsKind == lhsCtState {
		d.emit(fmt.Sprintf("ct state %s", ctStateNames(d.maskRaw)))
		return i
	}
	if d.lhsKind == lhsFib {
		d.emit("fib saddr . iif oif 0")
		return i
	}
	if d.lhsKind == lhsMark && d.maskRaw != 0 {
		d.emit(fmt.Sprintf("meta mark & 0x%08x %s0x%08x", d.maskRaw, op, nativeUint32(e.Data)))
		return i
	}
	d.emit(fmt.Sprintf("%s %s%s", d.lhs, op, d.value(e.Data)))
	return i
}

func (d *decompiler) value(data []byte) string {
	switch d.lhsKind {
	case lhsAddr:
		s := net.IP(data).String()
		if d.maskBits >= 0 {
			s = fmt.Sprintf("%s/%d", s, d.maskBits)
		}
		return s
	case lhsPort:
		if len(data) == 2 {
			return fmt.Sprintf("%d", binary.BigEndian.Uint16(data))
		}
	case lhsIface:
		return strings.TrimRight(string(data), "\x00")
	case lhsProto:
		if len(data) == 1 {
			return protoName(data[0])
		}
	case lhsNFProto:
		if len(data) == 1 {
			switch data[0] {
			case unix.NFPROTO_IPV4:
				return "ipv4"
			case unix.NFPROTO_IPV6:
				return "ipv6"
			}
		}
	case lhsEtherType:
		if len(data) == 2 {
			switch binary.BigEndian.Uint16(data) {
			case unix.ETH_P_IP:
				return "ip"
			case unix.ETH_P_IPV6:
				return "ip6"
			}
		}
	case lhsEtherAddr:
		return net.HardwareAddr(data).String()
	case lhsMark:
		if len(data) == 4 {
			return fmt.Sprintf("0x%08x", nativeUint32(data))
		}
	case lhsByte:
		if len(data) == 1 {
			return fmt.Sprintf("%d", data[0])
		}
	}
	return fmt.Sprintf("0x%x", data)
}

func (d *decompiler) renderMetaSet(e *expr.Meta) {
	data := d.immediates[e.Register]
	switch e.Key {
	case expr.MetaKeyMARK:
		if len(data) == 4 {
			d.emit(fmt.Sprintf("meta mark set 0x%08x", nativeUint32(data)))
			return
		}
	case expr.MetaKeyNFTRACE:
		d.emit("meta nftrace set 1")
		return
	}
	d.emit(fmt.Sprintf("meta %d set 0x%x", e.Key, data))
}

var limitUnitNames = map[expr.LimitTime]string{
	expr.LimitTimeSecond: "second",
	expr.LimitTimeMinute: "minute",
	expr.LimitTimeHour:   "hour",
}

func (d *decompiler) renderLimit(e *expr.Limit) {
	unit, ok := limitUnitNames[e.Unit]
	if !ok {
		unit = fmt.Sprintf("unit-%d", e.Unit)
	}
	s := fmt.Sprintf("limit rate %d/%s", e.Rate, unit)
	if e.Burst > 0 {
		s += fmt.Sprintf(" burst %d packets", e.Burst)
	}
	d.emit(s)
}

func (d *decompiler) renderLog(e *expr.Log) {
	s := "log"
	if e.Key&(1<<unix.NFTA_LOG_PREFIX) != 0 {
		s += fmt.Sprintf(" prefix %q", string(e.Data))
	}
	if e.Key&(1<<unix.NFTA_LOG_GROUP) != 0 {
		s += fmt.Sprintf(" group %d", e.Group)
	}
	d.emit(s)
}

func (d *decompiler) renderReject(e *expr.Reject) {
	switch {
	case e.Type == unix.NFT_REJECT_TCP_RST:
		d.emit("reject with tcp reset")
	case e.Type == unix.NFT_REJECT_ICMPX_UNREACH && e.Code == unix.NFT_REJECT_ICMPX_HOST_UNREACH:
		d.emit("reject with icmpx type host-unreachable")
	default:
		d.emit("reject")
	}
}

func (d *decompiler) renderMasq(e *expr.Masq) {
	if !e.ToPorts {
		d.emit("masquerade")
		return
	}
	lo := d.immediates[e.RegProtoMin]
	s := fmt.Sprintf("masquerade to :%d", binary.BigEndian.Uint16(lo))
	if e.RegProtoMax != 0 {
		hi := d.immediates[e.RegProtoMax]
		s = fmt.Sprintf("masquerade to :%d-%d", binary.BigEndian.Uint16(lo), binary.BigEndian.Uint16(hi))
	}
	d.emit(s)
}

func (d *decompiler) renderNAT(e *expr.NAT) {
	verb := "snat"
	if e.Type == expr.NATTypeDestNAT {
		verb = "dnat"
	}
	addr := net.IP(d.immediates[e.RegAddrMin]).String()
	if e.RegProtoMin != 0 {
		port := binary.BigEndian.Uint16(d.immediates[e.RegProtoMin])
		if e.Family == unix.NFPROTO_IPV6 {
			d.emit(fmt.Sprintf("%s to [%s]:%d", verb, addr, port))
		} else {
			d.emit(fmt.Sprintf("%s to %s:%d", verb, addr, port))
		}
		return
	}
	d.emit(fmt.Sprintf("%s to %s", verb, addr))
}

func (d *decompiler) renderVerdict(e *expr.Verdict) {
	switch e.Kind {
	case expr.VerdictAccept:
		d.emit("accept")
	case expr.VerdictDrop:
		d.emit("drop")
	case expr.VerdictReturn:
		d.emit("return")
	case expr.VerdictContinue:
		d.emit("continue")
	case expr.VerdictJump:
		d.emit(fmt.Sprintf("jump %s", e.Chain))
	case expr.VerdictGoto:
		d.emit(fmt.Sprintf("goto %s", e.Chain))
	default:
		d.emit(fmt.Sprintf("verdict-%d", e.Kind))
	}
}

var protoNumbers = map[byte]string{
	unix.IPPROTO_ICMP:   "icmp",
	unix.IPPROTO_TCP:    "tcp",
	unix.IPPROTO_UDP:    "udp",
	unix.IPPROTO_ICMPV6: "ipv6-icmp",
	unix.IPPROTO_SCTP:   "sctp",
}

func protoName(n byte) string {
	if name, ok := protoNumbers[n]; ok {
		return name
	}
	return fmt.Sprintf("%d", n)
}

var ctStates = []struct {
	bit  uint32
	name string
}{
	{0x01, "invalid"},
	{0x02, "established"},
	{0x04, "related"},
	{0x08, "new"},
	{0x40, "untracked"},
}

func ctStateNames(mask uint32) string {
	var names []string
	for _, s := range ctStates {
		if mask&s.bit != 0 {
			names = append(names, s.name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("0x%x", mask)
	}
	return strings.Join(names, ",")
}

func nativeUint32(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return binary.NativeEndian.Uint32(b)
}

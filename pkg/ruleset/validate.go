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
	"strings"

	"go.uber.org/multierr"
)

// ValidationError is one finding from Validate, located by a human-readable
// manifest path.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

func fail(path, format string, args ...interface{}) error {
	return &ValidationError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// MaxCommentLen bounds rule comments; they ride in a single udata TLV and
// nft itself caps them well below the TLV limit.
const MaxCommentLen = 127

// Validate checks the whole configuration against the kernel's base-chain
// matrices and the vocabulary rules, returning every finding at once
// (unwrappable into individual *ValidationError values).
func (c *Config) Validate() error {
	var errs error
	seenTables := make(map[string]bool)

	for _, t := range c.Tables {
		path := fmt.Sprintf("table %s/%s", t.Family, t.Name)
		if err := checkName(t.Name); err != nil {
			errs = multierr.Append(errs, fail(path, "table name: %v", err))
		}
		if !t.Family.Valid() {
			errs = multierr.Append(errs, fail(path, "unknown family %q", t.Family))
			continue
		}
		key := string(t.Family) + "/" + t.Name
		if seenTables[key] {
			errs = multierr.Append(errs, fail(path, "declared twice"))
		}
		seenTables[key] = true

		errs = multierr.Append(errs, t.validate(path))
	}
	return errs
}

func (t *Table) validate(path string) error {
	var errs error

	seenChains := make(map[string]bool)
	for _, ch := range t.Chains {
		cpath := fmt.Sprintf("%s: chain %q", path, ch.Name)
		if err := checkName(ch.Name); err != nil {
			errs = multierr.Append(errs, fail(cpath, "chain name: %v", err))
			continue
		}
		if seenChains[ch.Name] {
			errs = multierr.Append(errs, fail(cpath, "declared twice"))
		}
		seenChains[ch.Name] = true
		errs = multierr.Append(errs, ch.validate(t, cpath))
	}

	seenSets := make(map[string]bool)
	for _, s := range t.Sets {
		spath := fmt.Sprintf("%s: set %q", path, s.Name)
		if err := checkName(s.Name); err != nil {
			errs = multierr.Append(errs, fail(spath, "set name: %v", err))
			continue
		}
		if seenSets[s.Name] {
			errs = multierr.Append(errs, fail(spath, "declared twice"))
		}
		seenSets[s.Name] = true
		if _, err := s.KeyType.Datatype(); err != nil {
			errs = multierr.Append(errs, fail(spath, "%v", err))
			continue
		}
		if err := checkSetFamily(t.Family, s.KeyType); err != nil {
			errs = multierr.Append(errs, fail(spath, "%v", err))
		}
		if _, err := s.ParseElements(); err != nil {
			errs = multierr.Append(errs, fail(spath, "%v", err))
		}
	}

	seenObjs := make(map[string]bool)
	for _, cnt := range t.Counters {
		opath := fmt.Sprintf("%s: counter %q", path, cnt.Name)
		if err := checkName(cnt.Name); err != nil {
			errs = multierr.Append(errs, fail(opath, "counter name: %v", err))
		}
		if seenObjs[cnt.Name] {
			errs = multierr.Append(errs, fail(opath, "declared twice"))
		}
		seenObjs[cnt.Name] = true
	}
	for _, q := range t.Quotas {
		qpath := fmt.Sprintf("%s: quota %q", path, q.Name)
		if err := checkName(q.Name); err != nil {
			errs = multierr.Append(errs, fail(qpath, "quota name: %v", err))
		}
		if seenObjs[q.Name] {
			errs = multierr.Append(errs, fail(qpath, "declared twice"))
		}
		seenObjs[q.Name] = true
		if q.Bytes == 0 {
			errs = multierr.Append(errs, fail(qpath, "quota of zero bytes"))
		}
	}

	seenFT := make(map[string]bool)
	for _, ft := range t.Flowtables {
		fpath := fmt.Sprintf("%s: flowtable %q", path, ft.Name)
		if err := checkName(ft.Name); err != nil {
			errs = multierr.Append(errs, fail(fpath, "flowtable name: %v", err))
		}
		if seenFT[ft.Name] {
			errs = multierr.Append(errs, fail(fpath, "declared twice"))
		}
		seenFT[ft.Name] = true
		switch t.Family {
		case FamilyIPv4, FamilyIPv6, FamilyINet:
		default:
			errs = multierr.Append(errs, fail(fpath, "flowtables need an ip, ip6 or inet table, not %s", t.Family))
		}
		if len(ft.Devices) == 0 {
			errs = multierr.Append(errs, fail(fpath, "no devices listed"))
		}
		seenDev := make(map[string]bool)
		for _, d := range ft.Devices {
			if err := checkName(d); err != nil {
				errs = multierr.Append(errs, fail(fpath, "device name: %v", err))
			}
			if seenDev[d] {
				errs = multierr.Append(errs, fail(fpath, "device %q listed twice", d))
			}
			seenDev[d] = true
		}
	}

	errs = multierr.Append(errs, t.checkJumpGraph(path))
	return errs
}

func (ch *Chain) validate(t *Table, path string) error {
	var errs error

	if ch.Base != nil {
		errs = multierr.Append(errs, ch.Base.validate(t.Family, path))
	}

	for i, r := range ch.Rules {
		rpath := fmt.Sprintf("%s: rule %d", path, i+1)
		if len(r.Comment) > MaxCommentLen {
			errs = multierr.Append(errs, fail(rpath, "comment longer than %d bytes", MaxCommentLen))
		}
		p, err := ParseRule(t.Family, r)
		if err != nil {
			errs = multierr.Append(errs, fail(rpath, "%v", err))
			continue
		}
		errs = multierr.Append(errs, checkRuleRefs(t, ch, p, rpath))
	}
	return errs
}

func (b *BaseChain) validate(family Family, path string) error {
	var errs error

	if b.Type == "" || b.Hook == "" || b.Priority.IsZero() {
		return fail(path, "base chains need type, hook and priority")
	}
	switch b.Type {
	case ChainTypeFilter, ChainTypeNAT, ChainTypeRoute:
	default:
		return fail(path, "unknown chain type %q", b.Type)
	}
	switch b.Policy {
	case "", PolicyAccept, PolicyDrop:
	default:
		errs = multierr.Append(errs, fail(path, "unknown policy %q", b.Policy))
	}

	if !hookAllowed(family, b.Type, b.Hook) {
		errs = multierr.Append(errs, fail(path, "%s %s chains cannot hook %s", family, b.Type, b.Hook))
		return errs
	}

	prio, err := b.Priority.Resolve(family, b.Hook)
	if err != nil {
		errs = multierr.Append(errs, fail(path, "priority: %v", err))
		return errs
	}
	if b.Type == ChainTypeNAT && family != FamilyBridge && prio <= conntrackPriority {
		errs = multierr.Append(errs, fail(path, "nat chains need priority above %d (conntrack), got %d", conntrackPriority, prio))
	}

	if b.Hook == HookIngress {
		if family != FamilyNetdev {
			errs = multierr.Append(errs, fail(path, "the ingress hook needs the netdev family"))
		}
		if b.Device == "" {
			errs = multierr.Append(errs, fail(path, "ingress chains need a device"))
		}
	} else if b.Device != "" {
		errs = multierr.Append(errs, fail(path, "device is only valid on ingress chains"))
	}
	return errs
}

// checkRuleRefs verifies jump/goto targets and set references.
func checkRuleRefs(t *Table, ch *Chain, p *ParsedRule, path string) error {
	var errs error

	if p.Verdict == VerdictJump || p.Verdict == VerdictGoto {
		target := t.Chain(p.Target)
		switch {
		case target == nil:
			errs = multierr.Append(errs, fail(path, "%s target %q does not exist in the table", p.Verdict, p.Target))
		case target.Base != nil:
			errs = multierr.Append(errs, fail(path, "%s target %q is a base chain", p.Verdict, p.Target))
		case target.Name == ch.Name:
			errs = multierr.Append(errs, fail(path, "%s to the chain itself", p.Verdict))
		}
	}

	for _, ref := range []struct {
		m    *SetMatch
		what string
	}{{p.SaddrSet, "saddr-set"}, {p.DaddrSet, "daddr-set"}} {
		if ref.m == nil {
			continue
		}
		s := t.Set(ref.m.Name)
		if s == nil {
			errs = multierr.Append(errs, fail(path, "%s: set %q does not exist in the table", ref.what, ref.m.Name))
			continue
		}
		if err := checkAddrSetKey(t.Family, s.KeyType); err != nil {
			errs = multierr.Append(errs, fail(path, "%s: %v", ref.what, err))
		}
	}
	return errs
}

// checkJumpGraph rejects jump/goto cycles among regular chains.
func (t *Table) checkJumpGraph(path string) error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int)

	var visit func(ch *Chain) bool
	visit = func(ch *Chain) bool {
		color[ch.Name] = grey
		for _, r := range ch.Rules {
			target := r.Jump
			if target == "" {
				target = r.Goto
			}
			if target == "" {
				continue
			}
			next := t.Chain(target)
			if next == nil {
				continue // missing target reported elsewhere
			}
			switch color[next.Name] {
			case grey:
				return false
			case white:
				if !visit(next) {
					return false
				}
			}
		}
		color[ch.Name] = black
		return true
	}

	for _, ch := range t.Chains {
		if color[ch.Name] == white && !visit(ch) {
			return fail(path, "jump/goto cycle through chain %q", ch.Name)
		}
	}
	return nil
}

func checkSetFamily(family Family, kt KeyType) error {
	switch kt {
	case KeyIPv4Addr:
		if family.IPv6Only() {
			return fmt.Errorf("ipv4_addr set in an %s table", family)
		}
	case KeyIPv6Addr:
		if family.IPv4Only() {
			return fmt.Errorf("ipv6_addr set in an %s table", family)
		}
	case KeyEtherAddr:
		if family != FamilyBridge && family != FamilyNetdev {
			return fmt.Errorf("ether_addr sets need the bridge or netdev family")
		}
	}
	return nil
}

func checkAddrSetKey(family Family, kt KeyType) error {
	switch kt {
	case KeyIPv4Addr:
		if family.IPv6Only() {
			return fmt.Errorf("ipv4_addr set cannot match addresses in an %s table", family)
		}
	case KeyIPv6Addr:
		if family.IPv4Only() {
			return fmt.Errorf("ipv6_addr set cannot match addresses in an %s table", family)
		}
	default:
		return fmt.Errorf("address matches need an ipv4_addr or ipv6_addr set, not %s", kt)
	}
	return nil
}

func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("empty")
	}
	if strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("%q contains whitespace", name)
	}
	if len(name) > 255 {
		return fmt.Errorf("longer than 255 bytes")
	}
	return nil
}

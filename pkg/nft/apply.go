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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/nftables"
	"gopkg.in/yaml.v3"

	"github.com/netfilterworks/nftkit/pkg/compat"
	"github.com/netfilterworks/nftkit/pkg/rulebuild"
	"github.com/netfilterworks/nftkit/pkg/ruleset"
	"github.com/netfilterworks/nftkit/pkg/udata"
)

// DefaultOwnerPrefix tags rules written by an Applier that was not given
// its own prefix.
const DefaultOwnerPrefix = "nftkit"

// Applier programs a ruleset.Config into the kernel.
//
// Every rule it writes carries a comment of the form <prefix>:<hash>,
// where the hash covers the rule's manifest content. The hash makes owned
// rules recognizable across runs, so re-applies, Verify and Prune can tell
// nftkit's rules from anyone else's in a shared table.
type Applier struct {
	// OwnerPrefix is the comment tag; empty means DefaultOwnerPrefix.
	OwnerPrefix string
	// Gate, when set, is consulted before features that old kernels
	// lack are enqueued. Wire compat.Probe here in binaries; leave nil
	// to skip gating (tests, offline rendering).
	Gate func(compat.Feature) error
}

func (a *Applier) prefix() string {
	if a.OwnerPrefix == "" {
		return DefaultOwnerPrefix
	}
	return a.OwnerPrefix
}

func (a *Applier) gate(f compat.Feature) error {
	if a.Gate == nil {
		return nil
	}
	return a.Gate(f)
}

// Apply brings the kernel to the manifest state in two transactions.
//
// The first declares tables, chains, sets, objects and flowtables; it has
// to commit on its own because a chain cannot be flushed in the same batch
// that creates it. The second flushes every manifest chain and rewrites its
// rules and the set contents, atomically: a failure anywhere in the batch
// leaves the previous generation in place.
func (a *Applier) Apply(ctx context.Context, conn Conn, cfg *ruleset.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := a.gateConfig(cfg); err != nil {
		return err
	}

	compiled, err := compile(a.prefix(), cfg)
	if err != nil {
		return err
	}

	live, err := conn.ListTables()
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}

	if err := a.declare(conn, cfg, compiled, live); err != nil {
		return err
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("declaring structure: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := a.fill(conn, cfg, compiled); err != nil {
		return err
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("writing rules: %w", err)
	}
	return nil
}

// gateConfig fails early on manifest features the kernel or the netlink
// backend cannot take.
func (a *Applier) gateConfig(cfg *ruleset.Config) error {
	for _, t := range cfg.Tables {
		if len(t.Counters) > 0 || len(t.Quotas) > 0 {
			if err := a.gate(compat.FeatureNamedObjects); err != nil {
				return fmt.Errorf("table %s/%s: %w", t.Family, t.Name, err)
			}
		}
		if len(t.Flowtables) > 0 {
			if err := a.gate(compat.FeatureFlowtables); err != nil {
				return fmt.Errorf("table %s/%s: %w", t.Family, t.Name, err)
			}
		}
		for _, ch := range t.Chains {
			if ch.Base != nil && ch.Base.Device != "" {
				return fmt.Errorf("table %s/%s: chain %q: the netlink backend cannot bind an ingress chain to a device; use a flowtable for ingress offload", t.Family, t.Name, ch.Name)
			}
		}
	}
	return nil
}

// compiledTable carries everything Apply needs per table, built up front
// so that compile errors surface before the kernel sees the first byte.
type compiledTable struct {
	table    *nftables.Table
	chains   map[string]*nftables.Chain
	rules    map[string][]*nftables.Rule // chain name -> rules in order
	elements map[string][]nftables.SetElement
}

func compile(prefix string, cfg *ruleset.Config) (map[*ruleset.Table]*compiledTable, error) {
	out := make(map[*ruleset.Table]*compiledTable, len(cfg.Tables))
	for _, t := range cfg.Tables {
		ct, err := compileTable(prefix, t)
		if err != nil {
			return nil, err
		}
		out[t] = ct
	}
	return out, nil
}

func compileTable(prefix string, t *ruleset.Table) (*compiledTable, error) {
	family, err := t.Family.TableFamily()
	if err != nil {
		return nil, err
	}
	ct := &compiledTable{
		table:    &nftables.Table{Name: t.Name, Family: family},
		chains:   make(map[string]*nftables.Chain, len(t.Chains)),
		rules:    make(map[string][]*nftables.Rule, len(t.Chains)),
		elements: make(map[string][]nftables.SetElement, len(t.Sets)),
	}

	for _, ch := range t.Chains {
		nc, err := buildChain(ct.table, t.Family, ch)
		if err != nil {
			return nil, fmt.Errorf("table %s/%s: chain %q: %w", t.Family, t.Name, ch.Name, err)
		}
		ct.chains[ch.Name] = nc

		for i, r := range ch.Rules {
			exprs, err := rulebuild.Compile(t, r)
			if err != nil {
				return nil, fmt.Errorf("table %s/%s: chain %q: rule %d: %w", t.Family, t.Name, ch.Name, i+1, err)
			}
			ud, err := udata.Comment(ownerComment(prefix, ch.Name, r))
			if err != nil {
				return nil, fmt.Errorf("table %s/%s: chain %q: rule %d: %w", t.Family, t.Name, ch.Name, i+1, err)
			}
			ct.rules[ch.Name] = append(ct.rules[ch.Name], &nftables.Rule{
				Table:    ct.table,
				Chain:    nc,
				Exprs:    exprs,
				UserData: ud,
			})
		}
	}

	for _, s := range t.Sets {
		elems, err := s.ParseElements()
		if err != nil {
			return nil, fmt.Errorf("table %s/%s: set %q: %w", t.Family, t.Name, s.Name, err)
		}
		ct.elements[s.Name] = elems
	}
	return ct, nil
}

func buildChain(nt *nftables.Table, family ruleset.Family, ch *ruleset.Chain) (*nftables.Chain, error) {
	nc := &nftables.Chain{Name: ch.Name, Table: nt}
	if ch.Base == nil {
		return nc, nil
	}

	prio, err := ch.Base.Priority.Resolve(family, ch.Base.Hook)
	if err != nil {
		return nil, err
	}
	nc.Type = chainTypes[ch.Base.Type]
	nc.Hooknum = chainHooks[ch.Base.Hook]
	nc.Priority = nftables.ChainPriorityRef(nftables.ChainPriority(prio))

	policy := nftables.ChainPolicyAccept
	if ch.Base.Policy == ruleset.PolicyDrop {
		policy = nftables.ChainPolicyDrop
	}
	nc.Policy = &policy
	return nc, nil
}

var chainTypes = map[ruleset.ChainType]nftables.ChainType{
	ruleset.ChainTypeFilter: nftables.ChainTypeFilter,
	ruleset.ChainTypeNAT:    nftables.ChainTypeNAT,
	ruleset.ChainTypeRoute:  nftables.ChainTypeRoute,
}

var chainHooks = map[ruleset.Hook]*nftables.ChainHook{
	ruleset.HookPrerouting:  nftables.ChainHookPrerouting,
	ruleset.HookInput:       nftables.ChainHookInput,
	ruleset.HookForward:     nftables.ChainHookForward,
	ruleset.HookOutput:      nftables.ChainHookOutput,
	ruleset.HookPostrouting: nftables.ChainHookPostrouting,
	ruleset.HookIngress:     nftables.ChainHookIngress,
}

func buildSet(nt *nftables.Table, s *ruleset.Set) (*nftables.Set, error) {
	dt, err := s.KeyType.Datatype()
	if err != nil {
		return nil, err
	}
	return &nftables.Set{
		Table:    nt,
		Name:     s.Name,
		KeyType:  dt,
		Constant: s.Constant,
		Interval: s.Interval,
	}, nil
}

func buildFlowtable(nt *nftables.Table, ft *ruleset.Flowtable) *nftables.Flowtable {
	prio := nftables.FlowtablePriority(ft.Priority)
	return &nftables.Flowtable{
		Table:    nt,
		Name:     ft.Name,
		Hooknum:  nftables.FlowtableHookIngress,
		Priority: &prio,
		Devices:  ft.Devices,
	}
}

// declare queues transaction one: tables, chains, missing sets, missing
// objects and missing flowtables. Existing sets and objects are left
// untouched here; their contents are transaction two's business.
func (a *Applier) declare(conn Conn, cfg *ruleset.Config, compiled map[*ruleset.Table]*compiledTable, live []*nftables.Table) error {
	for _, t := range cfg.Tables {
		ct := compiled[t]
		exists := findTable(live, ct.table) != nil

		conn.AddTable(ct.table)
		for _, ch := range t.Chains {
			conn.AddChain(ct.chains[ch.Name])
		}

		liveSets := map[string]bool{}
		liveObjs := map[string]bool{}
		liveFts := map[string]bool{}
		if exists {
			sets, err := conn.GetSets(ct.table)
			if err != nil {
				return fmt.Errorf("listing sets of %s/%s: %w", t.Family, t.Name, err)
			}
			for _, s := range sets {
				liveSets[s.Name] = true
			}
			if len(t.Counters) > 0 || len(t.Quotas) > 0 {
				objs, err := listObjects(conn, ct.table)
				if err != nil {
					return fmt.Errorf("listing objects of %s/%s: %w", t.Family, t.Name, err)
				}
				for name := range objs.counters {
					liveObjs[name] = true
				}
				for name := range objs.quotas {
					liveObjs[name] = true
				}
			}
			if len(t.Flowtables) > 0 {
				fts, err := conn.ListFlowtables(ct.table)
				if err != nil {
					return fmt.Errorf("listing flowtables of %s/%s: %w", t.Family, t.Name, err)
				}
				for _, ft := range fts {
					liveFts[ft.Name] = true
				}
			}
		}

		for _, s := range t.Sets {
			if liveSets[s.Name] {
				continue
			}
			ns, err := buildSet(ct.table, s)
			if err != nil {
				return fmt.Errorf("table %s/%s: set %q: %w", t.Family, t.Name, s.Name, err)
			}
			// Constant sets are immutable once bound to a rule, so
			// they get their elements at creation; everything else is
			// refilled each apply in transaction two.
			var elems []nftables.SetElement
			if s.Constant {
				elems = ct.elements[s.Name]
			}
			if err := conn.AddSet(ns, elems); err != nil {
				return fmt.Errorf("table %s/%s: set %q: %w", t.Family, t.Name, s.Name, err)
			}
		}

		for _, c := range t.Counters {
			if !liveObjs[c.Name] {
				conn.AddObj(&nftables.CounterObj{Table: ct.table, Name: c.Name})
			}
		}
		for _, q := range t.Quotas {
			if !liveObjs[q.Name] {
				conn.AddObj(&nftables.QuotaObj{Table: ct.table, Name: q.Name, Bytes: q.Bytes, Over: q.Over})
			}
		}
		for _, ft := range t.Flowtables {
			if !liveFts[ft.Name] {
				conn.AddFlowtable(buildFlowtable(ct.table, ft))
			}
		}
	}
	return nil
}

// fill queues transaction two: flush owned chains and refill rules, flush
// mutable sets and refill elements.
func (a *Applier) fill(conn Conn, cfg *ruleset.Config, compiled map[*ruleset.Table]*compiledTable) error {
	for _, t := range cfg.Tables {
		ct := compiled[t]
		for _, ch := range t.Chains {
			conn.FlushChain(ct.chains[ch.Name])
			for _, r := range ct.rules[ch.Name] {
				conn.AddRule(r)
			}
		}
		for _, s := range t.Sets {
			if s.Constant {
				continue
			}
			ns, err := buildSet(ct.table, s)
			if err != nil {
				return fmt.Errorf("table %s/%s: set %q: %w", t.Family, t.Name, s.Name, err)
			}
			conn.FlushSet(ns)
			if elems := ct.elements[s.Name]; len(elems) > 0 {
				if err := conn.SetAddElements(ns, elems); err != nil {
					return fmt.Errorf("table %s/%s: set %q: %w", t.Family, t.Name, s.Name, err)
				}
			}
		}
	}
	return nil
}

func findTable(live []*nftables.Table, want *nftables.Table) *nftables.Table {
	for _, t := range live {
		if t.Name == want.Name && t.Family == want.Family {
			return t
		}
	}
	return nil
}

// ruleHash digests a rule's manifest form. YAML marshaling of the fixed
// struct gives a stable canonical text; the chain name keeps identical
// rules in different chains distinct.
func ruleHash(chain string, r *ruleset.Rule) string {
	text, err := yaml.Marshal(r)
	if err != nil {
		// Rule is a plain struct of strings and scalars; Marshal
		// cannot fail on it.
		panic(err)
	}
	sum := sha256.Sum256(append([]byte(chain+"\n"), text...))
	return hex.EncodeToString(sum[:])[:10]
}

// ownerComment is "<prefix>:<hash>", with the manifest comment appended
// for human readers.
func ownerComment(prefix, chain string, r *ruleset.Rule) string {
	c := prefix + ":" + ruleHash(chain, r)
	if r.Comment != "" {
		c += " " + r.Comment
	}
	return c
}

// ownedHash extracts the hash from an owner comment, or "" for rules
// written by someone else.
func ownedHash(prefix, comment string) string {
	rest, ok := strings.CutPrefix(comment, prefix+":")
	if !ok {
		return ""
	}
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

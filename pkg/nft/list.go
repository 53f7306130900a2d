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
	"errors"
	"fmt"
	"sort"

	"github.com/google/nftables"

	"github.com/netfilterworks/nftkit/pkg/ruleset"
	"github.com/netfilterworks/nftkit/pkg/udata"
)

// ErrNotFound reports an entity that is not present in the kernel.
var ErrNotFound = errors.New("not found")

// Snapshot is a structural view of live state. Rule bodies are not
// decompiled; a rule shows its handle, its comment and how many
// expressions it carries, which is what Verify and the CLI need.
type Snapshot struct {
	Tables []SnapshotTable
}

// SnapshotTable is one live table.
type SnapshotTable struct {
	Name       string
	Family     ruleset.Family
	Chains     []SnapshotChain
	Sets       []SnapshotSet
	Counters   []CounterState
	Quotas     []QuotaState
	Flowtables []SnapshotFlowtable
}

// SnapshotChain is one live chain. Hook is empty for regular chains.
type SnapshotChain struct {
	Name     string
	Type     string
	Hook     string
	Priority int32
	Rules    []SnapshotRule
}

// Base reports whether the chain is attached to a hook.
func (c *SnapshotChain) Base() bool { return c.Hook != "" }

// SnapshotRule is one live rule.
type SnapshotRule struct {
	Handle  uint64
	Comment string
	Exprs   int
}

// SnapshotSet is one live set.
type SnapshotSet struct {
	Name     string
	KeyType  string
	Interval bool
	Elements int
}

// CounterState is a named counter's live value.
type CounterState struct {
	Name    string
	Bytes   uint64
	Packets uint64
}

// QuotaState is a named quota's live value.
type QuotaState struct {
	Name     string
	Bytes    uint64
	Consumed uint64
	Over     bool
}

// SnapshotFlowtable is one live flowtable.
type SnapshotFlowtable struct {
	Name    string
	Devices []string
}

var chainHookNames = map[nftables.ChainHook]string{
	*nftables.ChainHookPrerouting:  string(ruleset.HookPrerouting),
	*nftables.ChainHookInput:       string(ruleset.HookInput),
	*nftables.ChainHookForward:     string(ruleset.HookForward),
	*nftables.ChainHookOutput:      string(ruleset.HookOutput),
	*nftables.ChainHookPostrouting: string(ruleset.HookPostrouting),
}

// List reads the live state of every table of the given family, or of all
// families when family is empty. Output order is deterministic: tables by
// family then name, sets and objects by name, chains and rules in kernel
// order.
func List(ctx context.Context, conn Conn, family ruleset.Family) (*Snapshot, error) {
	if family != "" && !family.Valid() {
		return nil, fmt.Errorf("unknown address family %q", family)
	}
	tables, err := conn.ListTables()
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	chains, err := conn.ListChains()
	if err != nil {
		return nil, fmt.Errorf("listing chains: %w", err)
	}

	snap := &Snapshot{}
	for _, t := range tables {
		fam, ok := ruleset.FamilyFromTableFamily(t.Family)
		if !ok || (family != "" && fam != family) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st, err := listTable(conn, t, fam, chains)
		if err != nil {
			return nil, err
		}
		snap.Tables = append(snap.Tables, *st)
	}

	sort.Slice(snap.Tables, func(i, j int) bool {
		a, b := snap.Tables[i], snap.Tables[j]
		if a.Family != b.Family {
			return a.Family < b.Family
		}
		return a.Name < b.Name
	})
	return snap, nil
}

func listTable(conn Conn, t *nftables.Table, fam ruleset.Family, chains []*nftables.Chain) (*SnapshotTable, error) {
	st := &SnapshotTable{Name: t.Name, Family: fam}

	for _, c := range chains {
		if c.Table == nil || c.Table.Name != t.Name || c.Table.Family != t.Family {
			continue
		}
		sc := SnapshotChain{Name: c.Name, Type: string(c.Type)}
		if c.Hooknum != nil {
			sc.Hook = chainHookName(t.Family, *c.Hooknum)
		}
		if c.Priority != nil {
			sc.Priority = int32(*c.Priority)
		}
		rules, err := conn.GetRules(t, c)
		if err != nil {
			return nil, fmt.Errorf("listing rules of %s/%s/%s: %w", fam, t.Name, c.Name, err)
		}
		for _, r := range rules {
			comment, _ := udata.ParseComment(r.UserData)
			sc.Rules = append(sc.Rules, SnapshotRule{
				Handle:  r.Handle,
				Comment: comment,
				Exprs:   len(r.Exprs),
			})
		}
		st.Chains = append(st.Chains, sc)
	}
	sort.Slice(st.Chains, func(i, j int) bool { return st.Chains[i].Name < st.Chains[j].Name })

	sets, err := conn.GetSets(t)
	if err != nil {
		return nil, fmt.Errorf("listing sets of %s/%s: %w", fam, t.Name, err)
	}
	for _, s := range sets {
		if s.Anonymous {
			continue
		}
		elems, err := conn.GetSetElements(s)
		if err != nil {
			return nil, fmt.Errorf("listing elements of %s/%s/@%s: %w", fam, t.Name, s.Name, err)
		}
		n := len(elems)
		if s.Interval {
			// Boundary pairs; count ranges, not boundaries.
			n = 0
			for _, e := range elems {
				if !e.IntervalEnd {
					n++
				}
			}
		}
		st.Sets = append(st.Sets, SnapshotSet{
			Name:     s.Name,
			KeyType:  s.KeyType.Name,
			Interval: s.Interval,
			Elements: n,
		})
	}
	sort.Slice(st.Sets, func(i, j int) bool { return st.Sets[i].Name < st.Sets[j].Name })

	objs, err := listObjects(conn, t)
	if err != nil {
		return nil, fmt.Errorf("listing objects of %s/%s: %w", fam, t.Name, err)
	}
	for _, name := range sortedKeys(objs.counters) {
		c := objs.counters[name]
		st.Counters = append(st.Counters, CounterState{Name: name, Bytes: c.Bytes, Packets: c.Packets})
	}
	for _, name := range sortedKeys(objs.quotas) {
		q := objs.quotas[name]
		st.Quotas = append(st.Quotas, QuotaState{Name: name, Bytes: q.Bytes, Consumed: q.Consumed, Over: q.Over})
	}

	fts, err := conn.ListFlowtables(t)
	if err != nil {
		return nil, fmt.Errorf("listing flowtables of %s/%s: %w", fam, t.Name, err)
	}
	for _, ft := range fts {
		st.Flowtables = append(st.Flowtables, SnapshotFlowtable{Name: ft.Name, Devices: ft.Devices})
	}
	sort.Slice(st.Flowtables, func(i, j int) bool { return st.Flowtables[i].Name < st.Flowtables[j].Name })

	return st, nil
}

// chainHookName resolves a hook number in its family context: the netdev
// ingress hook shares its number with prerouting.
func chainHookName(family nftables.TableFamily, hook nftables.ChainHook) string {
	if family == nftables.TableFamilyNetdev {
		return string(ruleset.HookIngress)
	}
	if name, ok := chainHookNames[hook]; ok {
		return name
	}
	return fmt.Sprintf("hook-%d", uint32(hook))
}

// tableObjects indexes a table's named objects.
type tableObjects struct {
	counters map[string]*nftables.CounterObj
	quotas   map[string]*nftables.QuotaObj
}

func listObjects(conn Conn, t *nftables.Table) (*tableObjects, error) {
	out := &tableObjects{
		counters: make(map[string]*nftables.CounterObj),
		quotas:   make(map[string]*nftables.QuotaObj),
	}
	counters, err := conn.GetObj(&nftables.CounterObj{Table: t})
	if err != nil {
		return nil, err
	}
	for _, o := range counters {
		if c, ok := o.(*nftables.CounterObj); ok {
			out.counters[c.Name] = c
		}
	}
	quotas, err := conn.GetObj(&nftables.QuotaObj{Table: t})
	if err != nil {
		return nil, err
	}
	for _, o := range quotas {
		if q, ok := o.(*nftables.QuotaObj); ok {
			out.quotas[q.Name] = q
		}
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

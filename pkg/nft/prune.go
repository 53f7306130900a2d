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
	"fmt"

	"github.com/google/nftables"

	"github.com/netfilterworks/nftkit/pkg/ruleset"
)

// Prune removes leftovers inside manifest tables: chains the manifest no
// longer declares whose rules are all ours, and undeclared sets, objects
// and flowtables. Chains holding any foreign rule are left alone, as are
// tables the manifest does not name. One atomic batch.
func (a *Applier) Prune(ctx context.Context, conn Conn, cfg *ruleset.Config) error {
	live, err := conn.ListTables()
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}
	liveChains, err := conn.ListChains()
	if err != nil {
		return fmt.Errorf("listing chains: %w", err)
	}

	queued := false
	for _, t := range cfg.Tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		family, err := t.Family.TableFamily()
		if err != nil {
			return err
		}
		nt := findTable(live, &nftables.Table{Name: t.Name, Family: family})
		if nt == nil {
			continue
		}

		for _, lc := range liveChains {
			if lc.Table == nil || lc.Table.Name != nt.Name || lc.Table.Family != nt.Family {
				continue
			}
			if t.Chain(lc.Name) != nil {
				continue
			}
			owned, err := a.chainFullyOwned(conn, nt, lc)
			if err != nil {
				return fmt.Errorf("table %s/%s: chain %q: %w", t.Family, t.Name, lc.Name, err)
			}
			if !owned {
				continue
			}
			lc.Table = nt
			conn.FlushChain(lc)
			conn.DelChain(lc)
			queued = true
		}

		liveSets, err := conn.GetSets(nt)
		if err != nil {
			return fmt.Errorf("listing sets of %s/%s: %w", t.Family, t.Name, err)
		}
		for _, s := range liveSets {
			if s.Anonymous || t.Set(s.Name) != nil {
				continue
			}
			conn.DelSet(s)
			queued = true
		}

		objs, err := listObjects(conn, nt)
		if err != nil {
			return fmt.Errorf("listing objects of %s/%s: %w", t.Family, t.Name, err)
		}
		declared := make(map[string]bool)
		for _, c := range t.Counters {
			declared[c.Name] = true
		}
		for _, q := range t.Quotas {
			declared[q.Name] = true
		}
		for name := range objs.counters {
			if !declared[name] {
				conn.DeleteObject(&nftables.CounterObj{Table: nt, Name: name})
				queued = true
			}
		}
		for name := range objs.quotas {
			if !declared[name] {
				conn.DeleteObject(&nftables.QuotaObj{Table: nt, Name: name})
				queued = true
			}
		}

		fts, err := conn.ListFlowtables(nt)
		if err != nil {
			return fmt.Errorf("listing flowtables of %s/%s: %w", t.Family, t.Name, err)
		}
		for _, ft := range fts {
			if flowtableDeclared(t, ft.Name) {
				continue
			}
			ft.Table = nt
			conn.DelFlowtable(ft)
			queued = true
		}
	}

	if !queued {
		return nil
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("pruning: %w", err)
	}
	return nil
}

// Destroy deletes every manifest table outright, rules of other tools
// within them included. Missing tables are skipped.
func Destroy(ctx context.Context, conn Conn, cfg *ruleset.Config) error {
	live, err := conn.ListTables()
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}
	queued := false
	for _, t := range cfg.Tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		family, err := t.Family.TableFamily()
		if err != nil {
			return err
		}
		nt := findTable(live, &nftables.Table{Name: t.Name, Family: family})
		if nt == nil {
			continue
		}
		conn.DelTable(nt)
		queued = true
	}
	if !queued {
		return nil
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("destroying tables: %w", err)
	}
	return nil
}

func flowtableDeclared(t *ruleset.Table, name string) bool {
	for _, ft := range t.Flowtables {
		if ft.Name == name {
			return true
		}
	}
	return false
}

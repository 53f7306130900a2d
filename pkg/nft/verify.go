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
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/nftables"

	"github.com/netfilterworks/nftkit/pkg/ruleset"
	"github.com/netfilterworks/nftkit/pkg/udata"
)

// Diff is the structural distance between a manifest and live state.
// Entries are human-readable paths; an empty Diff means in sync.
type Diff struct {
	// Missing lists manifest entities absent from the kernel.
	Missing []string
	// Extra lists owned live entities the manifest no longer declares.
	Extra []string
	// Drifted lists entities whose live content differs from the
	// manifest: chains with a different owned-rule sequence, sets with
	// different elements.
	Drifted []string
}

// InSync reports an empty diff.
func (d *Diff) InSync() bool {
	return len(d.Missing) == 0 && len(d.Extra) == 0 && len(d.Drifted) == 0
}

func (d *Diff) String() string {
	if d.InSync() {
		return "in sync"
	}
	var b strings.Builder
	writeSection := func(header string, entries []string) {
		for _, e := range entries {
			fmt.Fprintf(&b, "%s %s\n", header, e)
		}
	}
	writeSection("missing:", d.Missing)
	writeSection("extra:", d.Extra)
	writeSection("drifted:", d.Drifted)
	return strings.TrimSuffix(b.String(), "\n")
}

// Verify compares the manifest against live state without changing
// anything. Rule comparison is by owned-comment hash sequence: rules
// written by other tools in the same chains are ignored, matching what
// Prune would preserve.
func (a *Applier) Verify(ctx context.Context, conn Conn, cfg *ruleset.Config) (*Diff, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	live, err := conn.ListTables()
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	liveChains, err := conn.ListChains()
	if err != nil {
		return nil, fmt.Errorf("listing chains: %w", err)
	}

	diff := &Diff{}
	for _, t := range cfg.Tables {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := fmt.Sprintf("table %s/%s", t.Family, t.Name)
		family, err := t.Family.TableFamily()
		if err != nil {
			return nil, err
		}
		nt := findTable(live, &nftables.Table{Name: t.Name, Family: family})
		if nt == nil {
			diff.Missing = append(diff.Missing, path)
			continue
		}
		if err := a.verifyChains(conn, diff, t, nt, liveChains, path); err != nil {
			return nil, err
		}
		if err := a.verifySets(conn, diff, t, nt, path); err != nil {
			return nil, err
		}
		if err := a.verifyObjects(conn, diff, t, nt, path); err != nil {
			return nil, err
		}
		if err := a.verifyFlowtables(conn, diff, t, nt, path); err != nil {
			return nil, err
		}
	}
	return diff, nil
}

func (a *Applier) verifyChains(conn Conn, diff *Diff, t *ruleset.Table, nt *nftables.Table, liveChains []*nftables.Chain, path string) error {
	byName := make(map[string]*nftables.Chain)
	for _, c := range liveChains {
		if c.Table != nil && c.Table.Name == nt.Name && c.Table.Family == nt.Family {
			byName[c.Name] = c
		}
	}

	for _, ch := range t.Chains {
		cpath := fmt.Sprintf("%s: chain %q", path, ch.Name)
		lc, ok := byName[ch.Name]
		if !ok {
			diff.Missing = append(diff.Missing, cpath)
			continue
		}
		want := make([]string, 0, len(ch.Rules))
		for _, r := range ch.Rules {
			want = append(want, ruleHash(ch.Name, r))
		}
		got, err := a.ownedHashes(conn, nt, lc)
		if err != nil {
			return fmt.Errorf("%s: %w", cpath, err)
		}
		if !equalStrings(want, got) {
			diff.Drifted = append(diff.Drifted, fmt.Sprintf("%s: %d owned rules live, %d in manifest or order differs", cpath, len(got), len(want)))
		}
	}

	for name, lc := range byName {
		if t.Chain(name) != nil {
			continue
		}
		owned, err := a.chainFullyOwned(conn, nt, lc)
		if err != nil {
			return err
		}
		if owned {
			diff.Extra = append(diff.Extra, fmt.Sprintf("%s: chain %q", path, name))
		}
	}
	return nil
}

func (a *Applier) verifySets(conn Conn, diff *Diff, t *ruleset.Table, nt *nftables.Table, path string) error {
	liveSets, err := conn.GetSets(nt)
	if err != nil {
		return fmt.Errorf("listing sets of %s: %w", path, err)
	}
	byName := make(map[string]*nftables.Set, len(liveSets))
	for _, s := range liveSets {
		if !s.Anonymous {
			byName[s.Name] = s
		}
	}

	for _, s := range t.Sets {
		spath := fmt.Sprintf("%s: set %q", path, s.Name)
		ls, ok := byName[s.Name]
		if !ok {
			diff.Missing = append(diff.Missing, spath)
			continue
		}
		want, err := s.ParseElements()
		if err != nil {
			return fmt.Errorf("%s: %w", spath, err)
		}
		got, err := conn.GetSetElements(ls)
		if err != nil {
			return fmt.Errorf("%s: %w", spath, err)
		}
		if !equalElements(want, got) {
			diff.Drifted = append(diff.Drifted, spath)
		}
	}
	for name := range byName {
		if t.Set(name) == nil {
			diff.Extra = append(diff.Extra, fmt.Sprintf("%s: set %q", path, name))
		}
	}
	return nil
}

func (a *Applier) verifyObjects(conn Conn, diff *Diff, t *ruleset.Table, nt *nftables.Table, path string) error {
	objs, err := listObjects(conn, nt)
	if err != nil {
		return fmt.Errorf("listing objects of %s: %w", path, err)
	}
	for _, c := range t.Counters {
		if _, ok := objs.counters[c.Name]; !ok {
			diff.Missing = append(diff.Missing, fmt.Sprintf("%s: counter %q", path, c.Name))
		}
	}
	for _, q := range t.Quotas {
		if _, ok := objs.quotas[q.Name]; !ok {
			diff.Missing = append(diff.Missing, fmt.Sprintf("%s: quota %q", path, q.Name))
		}
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
			diff.Extra = append(diff.Extra, fmt.Sprintf("%s: counter %q", path, name))
		}
	}
	for name := range objs.quotas {
		if !declared[name] {
			diff.Extra = append(diff.Extra, fmt.Sprintf("%s: quota %q", path, name))
		}
	}
	return nil
}

func (a *Applier) verifyFlowtables(conn Conn, diff *Diff, t *ruleset.Table, nt *nftables.Table, path string) error {
	fts, err := conn.ListFlowtables(nt)
	if err != nil {
		return fmt.Errorf("listing flowtables of %s: %w", path, err)
	}
	byName := make(map[string]*nftables.Flowtable, len(fts))
	for _, ft := range fts {
		byName[ft.Name] = ft
	}
	for _, ft := range t.Flowtables {
		fpath := fmt.Sprintf("%s: flowtable %q", path, ft.Name)
		lf, ok := byName[ft.Name]
		if !ok {
			diff.Missing = append(diff.Missing, fpath)
			continue
		}
		want := append([]string(nil), ft.Devices...)
		got := append([]string(nil), lf.Devices...)
		sort.Strings(want)
		sort.Strings(got)
		if !equalStrings(want, got) {
			diff.Drifted = append(diff.Drifted, fpath)
		}
	}
	for name := range byName {
		found := false
		for _, ft := range t.Flowtables {
			if ft.Name == name {
				found = true
				break
			}
		}
		if !found {
			diff.Extra = append(diff.Extra, fmt.Sprintf("%s: flowtable %q", path, name))
		}
	}
	return nil
}

// ownedHashes reads the chain's rules and keeps the hash sequence of the
// ones this applier owns.
func (a *Applier) ownedHashes(conn Conn, nt *nftables.Table, lc *nftables.Chain) ([]string, error) {
	rules, err := conn.GetRules(nt, lc)
	if err != nil {
		return nil, err
	}
	var hashes []string
	for _, r := range rules {
		comment, ok := udata.ParseComment(r.UserData)
		if !ok {
			continue
		}
		if h := ownedHash(a.prefix(), comment); h != "" {
			hashes = append(hashes, h)
		}
	}
	return hashes, nil
}

// chainFullyOwned reports whether every rule in the chain carries our
// owner tag. Empty chains count as owned only when they are regular
// chains; an empty foreign base chain is not ours to claim.
func (a *Applier) chainFullyOwned(conn Conn, nt *nftables.Table, lc *nftables.Chain) (bool, error) {
	rules, err := conn.GetRules(nt, lc)
	if err != nil {
		return false, err
	}
	if len(rules) == 0 {
		return lc.Hooknum == nil, nil
	}
	for _, r := range rules {
		comment, ok := udata.ParseComment(r.UserData)
		if !ok || ownedHash(a.prefix(), comment) == "" {
			return false, nil
		}
	}
	return true, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// equalElements compares element sets ignoring order.
func equalElements(want, got []nftables.SetElement) bool {
	if len(want) != len(got) {
		return false
	}
	key := func(e nftables.SetElement) string {
		k := string(e.Key)
		if e.IntervalEnd {
			k += "/end"
		}
		return k
	}
	wantKeys := make([]string, len(want))
	gotKeys := make([]string, len(got))
	for i := range want {
		wantKeys[i] = key(want[i])
	}
	for i := range got {
		gotKeys[i] = key(got[i])
	}
	sort.Strings(wantKeys)
	sort.Strings(gotKeys)
	for i := range wantKeys {
		if !bytes.Equal([]byte(wantKeys[i]), []byte(gotKeys[i])) {
			return false
		}
	}
	return true
}

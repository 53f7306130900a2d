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
	"errors"
	"fmt"
	"sync"

	"github.com/google/nftables"
)

// Fake is an in-memory Conn with the kernel's queue-then-Flush shape:
// mutations buffer until Flush commits them in order, reads see committed
// state only. Dump renders that state as text for golden comparisons, and
// FailAfter injects a Flush failure to exercise transaction error paths.
type Fake struct {
	mu         sync.Mutex
	pending    []func() error
	flushes    int
	failAt     int
	nextHandle uint64
	tables     []*fakeTable
}

type fakeTable struct {
	table      *nftables.Table
	chains     []*fakeChain
	sets       []*fakeSet
	counters   []*nftables.CounterObj
	quotas     []*nftables.QuotaObj
	flowtables []*nftables.Flowtable
}

type fakeChain struct {
	chain *nftables.Chain
	rules []*nftables.Rule
}

type fakeSet struct {
	set      *nftables.Set
	elements []nftables.SetElement
}

// NewFake returns an empty fake kernel.
func NewFake() *Fake {
	return &Fake{}
}

// FailAfter makes the n-th Flush (counting from 1) fail and discard its
// batch, like a kernel rejection would.
func (f *Fake) FailAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAt = n
}

// Flush commits the queued batch. On failure nothing in the batch is kept:
// the kernel applies a batch transactionally, so a failing op rolls the
// state back to the previous generation.
func (f *Fake) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := f.pending
	f.pending = nil
	f.flushes++
	if f.failAt != 0 && f.flushes == f.failAt {
		return errors.New("injected batch failure")
	}
	saved := f.snapshot()
	savedHandle := f.nextHandle
	for _, op := range batch {
		if err := op(); err != nil {
			f.tables = saved
			f.nextHandle = savedHandle
			return err
		}
	}
	return nil
}

// snapshot copies the committed state deeply enough that batch ops cannot
// reach it: every slice gets its own backing array, since deletes splice
// in place. The leaf objects themselves are never mutated by batch ops.
func (f *Fake) snapshot() []*fakeTable {
	out := make([]*fakeTable, len(f.tables))
	for i, t := range f.tables {
		ct := &fakeTable{
			table:      t.table,
			counters:   append([]*nftables.CounterObj(nil), t.counters...),
			quotas:     append([]*nftables.QuotaObj(nil), t.quotas...),
			flowtables: append([]*nftables.Flowtable(nil), t.flowtables...),
		}
		for _, c := range t.chains {
			ct.chains = append(ct.chains, &fakeChain{
				chain: c.chain,
				rules: append([]*nftables.Rule(nil), c.rules...),
			})
		}
		for _, s := range t.sets {
			ct.sets = append(ct.sets, &fakeSet{
				set:      s.set,
				elements: append([]nftables.SetElement(nil), s.elements...),
			})
		}
		out[i] = ct
	}
	return out
}

func (f *Fake) queue(op func() error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, op)
}

func (f *Fake) findTable(name string, family nftables.TableFamily) *fakeTable {
	for _, t := range f.tables {
		if t.table.Name == name && t.table.Family == family {
			return t
		}
	}
	return nil
}

func (f *Fake) findChain(t *nftables.Table, name string) (*fakeTable, *fakeChain) {
	ft := f.findTable(t.Name, t.Family)
	if ft == nil {
		return nil, nil
	}
	for _, c := range ft.chains {
		if c.chain.Name == name {
			return ft, c
		}
	}
	return ft, nil
}

func (f *Fake) findSet(t *nftables.Table, name string) *fakeSet {
	ft := f.findTable(t.Name, t.Family)
	if ft == nil {
		return nil
	}
	for _, s := range ft.sets {
		if s.set.Name == name {
			return s
		}
	}
	return nil
}

// ListTables returns the committed tables.
func (f *Fake) ListTables() ([]*nftables.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*nftables.Table, 0, len(f.tables))
	for _, t := range f.tables {
		out = append(out, t.table)
	}
	return out, nil
}

// AddTable queues a table add; existing tables are untouched.
func (f *Fake) AddTable(t *nftables.Table) *nftables.Table {
	f.queue(func() error {
		if f.findTable(t.Name, t.Family) == nil {
			f.tables = append(f.tables, &fakeTable{table: &nftables.Table{Name: t.Name, Family: t.Family}})
		}
		return nil
	})
	return t
}

// DelTable queues a table delete with everything in it.
func (f *Fake) DelTable(t *nftables.Table) {
	f.queue(func() error {
		for i, ft := range f.tables {
			if ft.table.Name == t.Name && ft.table.Family == t.Family {
				f.tables = append(f.tables[:i], f.tables[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("table %s: %w", t.Name, ErrNotFound)
	})
}

// ListChains returns the committed chains of all tables.
func (f *Fake) ListChains() ([]*nftables.Chain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*nftables.Chain
	for _, t := range f.tables {
		for _, c := range t.chains {
			out = append(out, c.chain)
		}
	}
	return out, nil
}

// AddChain queues a chain add. Re-adding updates the base attributes, as
// the kernel does.
func (f *Fake) AddChain(c *nftables.Chain) *nftables.Chain {
	f.queue(func() error {
		ft, fc := f.findChain(c.Table, c.Name)
		if ft == nil {
			return fmt.Errorf("table %s: %w", c.Table.Name, ErrNotFound)
		}
		stored := &nftables.Chain{
			Name:     c.Name,
			Table:    ft.table,
			Hooknum:  c.Hooknum,
			Priority: c.Priority,
			Type:     c.Type,
			Policy:   c.Policy,
		}
		if fc == nil {
			ft.chains = append(ft.chains, &fakeChain{chain: stored})
		} else {
			fc.chain = stored
		}
		return nil
	})
	return c
}

// DelChain queues a chain delete; chains still holding rules refuse, as
// the kernel does.
func (f *Fake) DelChain(c *nftables.Chain) {
	f.queue(func() error {
		ft, fc := f.findChain(c.Table, c.Name)
		if fc == nil {
			return fmt.Errorf("chain %s: %w", c.Name, ErrNotFound)
		}
		if len(fc.rules) > 0 {
			return fmt.Errorf("chain %s still has rules", c.Name)
		}
		for i, cc := range ft.chains {
			if cc == fc {
				ft.chains = append(ft.chains[:i], ft.chains[i+1:]...)
				break
			}
		}
		return nil
	})
}

// FlushChain queues dropping every rule in the chain.
func (f *Fake) FlushChain(c *nftables.Chain) {
	f.queue(func() error {
		_, fc := f.findChain(c.Table, c.Name)
		if fc == nil {
			return fmt.Errorf("chain %s: %w", c.Name, ErrNotFound)
		}
		fc.rules = nil
		return nil
	})
}

// GetRules returns the committed rules of a chain.
func (f *Fake) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, fc := f.findChain(t, c.Name)
	if fc == nil {
		return nil, fmt.Errorf("chain %s: %w", c.Name, ErrNotFound)
	}
	return append([]*nftables.Rule(nil), fc.rules...), nil
}

// AddRule queues an append; the handle is assigned at commit.
func (f *Fake) AddRule(r *nftables.Rule) *nftables.Rule {
	f.queue(func() error {
		_, fc := f.findChain(r.Table, r.Chain.Name)
		if fc == nil {
			return fmt.Errorf("chain %s: %w", r.Chain.Name, ErrNotFound)
		}
		f.nextHandle++
		r.Handle = f.nextHandle
		fc.rules = append(fc.rules, r)
		return nil
	})
	return r
}

// DelRule queues a delete by handle.
func (f *Fake) DelRule(r *nftables.Rule) error {
	if r.Handle == 0 {
		return errors.New("rule has no handle")
	}
	f.queue(func() error {
		_, fc := f.findChain(r.Table, r.Chain.Name)
		if fc == nil {
			return fmt.Errorf("chain %s: %w", r.Chain.Name, ErrNotFound)
		}
		for i, rr := range fc.rules {
			if rr.Handle == r.Handle {
				fc.rules = append(fc.rules[:i], fc.rules[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("rule handle %d: %w", r.Handle, ErrNotFound)
	})
	return nil
}

// GetSets returns the committed named sets of a table.
func (f *Fake) GetSets(t *nftables.Table) ([]*nftables.Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := f.findTable(t.Name, t.Family)
	if ft == nil {
		return nil, fmt.Errorf("table %s: %w", t.Name, ErrNotFound)
	}
	out := make([]*nftables.Set, 0, len(ft.sets))
	for _, s := range ft.sets {
		out = append(out, s.set)
	}
	return out, nil
}

// GetSetElements returns the committed elements of a set.
func (f *Fake) GetSetElements(s *nftables.Set) ([]nftables.SetElement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fs := f.findSet(s.Table, s.Name)
	if fs == nil {
		return nil, fmt.Errorf("set %s: %w", s.Name, ErrNotFound)
	}
	return append([]nftables.SetElement(nil), fs.elements...), nil
}

// AddSet queues a set add with optional initial elements.
func (f *Fake) AddSet(s *nftables.Set, elements []nftables.SetElement) error {
	f.queue(func() error {
		ft := f.findTable(s.Table.Name, s.Table.Family)
		if ft == nil {
			return fmt.Errorf("table %s: %w", s.Table.Name, ErrNotFound)
		}
		fs := f.findSet(s.Table, s.Name)
		if fs == nil {
			fs = &fakeSet{set: &nftables.Set{
				Table:    ft.table,
				Name:     s.Name,
				KeyType:  s.KeyType,
				Constant: s.Constant,
				Interval: s.Interval,
			}}
			ft.sets = append(ft.sets, fs)
		}
		fs.elements = append(fs.elements, elements...)
		return nil
	})
	return nil
}

// DelSet queues a set delete.
func (f *Fake) DelSet(s *nftables.Set) {
	f.queue(func() error {
		ft := f.findTable(s.Table.Name, s.Table.Family)
		if ft == nil {
			return fmt.Errorf("table %s: %w", s.Table.Name, ErrNotFound)
		}
		for i, fs := range ft.sets {
			if fs.set.Name == s.Name {
				ft.sets = append(ft.sets[:i], ft.sets[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("set %s: %w", s.Name, ErrNotFound)
	})
}

// FlushSet queues dropping every element.
func (f *Fake) FlushSet(s *nftables.Set) {
	f.queue(func() error {
		fs := f.findSet(s.Table, s.Name)
		if fs == nil {
			return fmt.Errorf("set %s: %w", s.Name, ErrNotFound)
		}
		fs.elements = nil
		return nil
	})
}

// SetAddElements queues adding elements to an existing set.
func (f *Fake) SetAddElements(s *nftables.Set, elements []nftables.SetElement) error {
	f.queue(func() error {
		fs := f.findSet(s.Table, s.Name)
		if fs == nil {
			return fmt.Errorf("set %s: %w", s.Name, ErrNotFound)
		}
		fs.elements = append(fs.elements, elements...)
		return nil
	})
	return nil
}

// GetObj returns the committed objects of the probe's type and table.
func (f *Fake) GetObj(o nftables.Obj) ([]nftables.Obj, error) {
	return f.getObj(o, false)
}

// GetObjReset returns the objects and zeroes their counters.
func (f *Fake) GetObjReset(o nftables.Obj) ([]nftables.Obj, error) {
	return f.getObj(o, true)
}

func (f *Fake) getObj(o nftables.Obj, reset bool) ([]nftables.Obj, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var table *nftables.Table
	switch probe := o.(type) {
	case *nftables.CounterObj:
		table = probe.Table
	case *nftables.QuotaObj:
		table = probe.Table
	default:
		return nil, fmt.Errorf("unsupported object type %T", o)
	}
	ft := f.findTable(table.Name, table.Family)
	if ft == nil {
		return nil, fmt.Errorf("table %s: %w", table.Name, ErrNotFound)
	}

	var out []nftables.Obj
	switch o.(type) {
	case *nftables.CounterObj:
		for _, c := range ft.counters {
			copy := *c
			out = append(out, &copy)
			if reset {
				c.Bytes, c.Packets = 0, 0
			}
		}
	case *nftables.QuotaObj:
		for _, q := range ft.quotas {
			copy := *q
			out = append(out, &copy)
			if reset {
				q.Consumed = 0
			}
		}
	}
	return out, nil
}

// AddObj queues a named object add.
func (f *Fake) AddObj(o nftables.Obj) nftables.Obj {
	f.queue(func() error {
		switch obj := o.(type) {
		case *nftables.CounterObj:
			ft := f.findTable(obj.Table.Name, obj.Table.Family)
			if ft == nil {
				return fmt.Errorf("table %s: %w", obj.Table.Name, ErrNotFound)
			}
			for _, c := range ft.counters {
				if c.Name == obj.Name {
					return nil
				}
			}
			ft.counters = append(ft.counters, &nftables.CounterObj{Table: ft.table, Name: obj.Name, Bytes: obj.Bytes, Packets: obj.Packets})
		case *nftables.QuotaObj:
			ft := f.findTable(obj.Table.Name, obj.Table.Family)
			if ft == nil {
				return fmt.Errorf("table %s: %w", obj.Table.Name, ErrNotFound)
			}
			for _, q := range ft.quotas {
				if q.Name == obj.Name {
					return nil
				}
			}
			ft.quotas = append(ft.quotas, &nftables.QuotaObj{Table: ft.table, Name: obj.Name, Bytes: obj.Bytes, Consumed: obj.Consumed, Over: obj.Over})
		default:
			return fmt.Errorf("unsupported object type %T", o)
		}
		return nil
	})
	return o
}

// DeleteObject queues a named object delete.
func (f *Fake) DeleteObject(o nftables.Obj) {
	f.queue(func() error {
		switch obj := o.(type) {
		case *nftables.CounterObj:
			ft := f.findTable(obj.Table.Name, obj.Table.Family)
			if ft == nil {
				return fmt.Errorf("table %s: %w", obj.Table.Name, ErrNotFound)
			}
			for i, c := range ft.counters {
				if c.Name == obj.Name {
					ft.counters = append(ft.counters[:i], ft.counters[i+1:]...)
					return nil
				}
			}
			return fmt.Errorf("counter %s: %w", obj.Name, ErrNotFound)
		case *nftables.QuotaObj:
			ft := f.findTable(obj.Table.Name, obj.Table.Family)
			if ft == nil {
				return fmt.Errorf("table %s: %w", obj.Table.Name, ErrNotFound)
			}
			for i, q := range ft.quotas {
				if q.Name == obj.Name {
					ft.quotas = append(ft.quotas[:i], ft.quotas[i+1:]...)
					return nil
				}
			}
			return fmt.Errorf("quota %s: %w", obj.Name, ErrNotFound)
		default:
			return fmt.Errorf("unsupported object type %T", o)
		}
	})
}

// ListFlowtables returns the committed flowtables of a table.
func (f *Fake) ListFlowtables(t *nftables.Table) ([]*nftables.Flowtable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := f.findTable(t.Name, t.Family)
	if ft == nil {
		return nil, fmt.Errorf("table %s: %w", t.Name, ErrNotFound)
	}
	return append([]*nftables.Flowtable(nil), ft.flowtables...), nil
}

// AddFlowtable queues a flowtable add.
func (f *Fake) AddFlowtable(fl *nftables.Flowtable) *nftables.Flowtable {
	f.queue(func() error {
		ft := f.findTable(fl.Table.Name, fl.Table.Family)
		if ft == nil {
			return fmt.Errorf("table %s: %w", fl.Table.Name, ErrNotFound)
		}
		for _, existing := range ft.flowtables {
			if existing.Name == fl.Name {
				return nil
			}
		}
		stored := *fl
		stored.Table = ft.table
		ft.flowtables = append(ft.flowtables, &stored)
		return nil
	})
	return fl
}

// DelFlowtable queues a flowtable delete.
func (f *Fake) DelFlowtable(fl *nftables.Flowtable) {
	f.queue(func() error {
		ft := f.findTable(fl.Table.Name, fl.Table.Family)
		if ft == nil {
			return fmt.Errorf("table %s: %w", fl.Table.Name, ErrNotFound)
		}
		for i, existing := range ft.flowtables {
			if existing.Name == fl.Name {
				ft.flowtables = append(ft.flowtables[:i], ft.flowtables[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("flowtable %s: %w", fl.Name, ErrNotFound)
	})
}

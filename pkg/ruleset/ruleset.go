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

// Package ruleset is the declarative model for nftables configuration: a
// Config holds tables, tables hold base and regular chains, sets, named
// counters and quotas, and flowtables. The model validates itself against
// the kernel's base-chain matrices before anything touches netlink, so a
// manifest that passes Validate will not be rejected with an opaque EINVAL
// at apply time.
package ruleset

// Config is a complete desired-state description, typically loaded from a
// YAML manifest. The zero value is an empty, valid configuration.
type Config struct {
	Tables []*Table `yaml:"tables"`
}

// Table is one nftables table and everything nftkit manages inside it.
type Table struct {
	Name       string       `yaml:"name"`
	Family     Family       `yaml:"family"`
	Chains     []*Chain     `yaml:"chains,omitempty"`
	Sets       []*Set       `yaml:"sets,omitempty"`
	Counters   []*Counter   `yaml:"counters,omitempty"`
	Quotas     []*Quota     `yaml:"quotas,omitempty"`
	Flowtables []*Flowtable `yaml:"flowtables,omitempty"`
}

// Chain lookup by name; nil when absent.
func (t *Table) Chain(name string) *Chain {
	for _, c := range t.Chains {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Set lookup by name; nil when absent.
func (t *Table) Set(name string) *Set {
	for _, s := range t.Sets {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Table lookup by family and name; nil when absent.
func (c *Config) Table(family Family, name string) *Table {
	for _, t := range c.Tables {
		if t.Family == family && t.Name == name {
			return t
		}
	}
	return nil
}

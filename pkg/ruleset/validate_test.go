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

package ruleset_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/netfilterworks/nftkit/pkg/ruleset"
)

// minimalTable returns a valid single-table config the specs then break in
// one spot each.
func minimalTable() *ruleset.Config {
	return &ruleset.Config{Tables: []*ruleset.Table{{
		Name:   "filter",
		Family: ruleset.FamilyINet,
		Chains: []*ruleset.Chain{{
			Name: "input",
			Base: &ruleset.BaseChain{
				Type:     ruleset.ChainTypeFilter,
				Hook:     ruleset.HookInput,
				Priority: ruleset.PriorityName("filter"),
				Policy:   ruleset.PolicyDrop,
			},
			Rules: []*ruleset.Rule{{CtState: []string{"established", "related"}, Verdict: "accept"}},
		}},
	}}}
}

var _ = Describe("manifest validation", func() {
	It("accepts a minimal filter table", func() {
		Expect(minimalTable().Validate()).To(Succeed())
	})

	Context("names", func() {
		It("rejects an empty table name", func() {
			c := minimalTable()
			c.Tables[0].Name = ""
			Expect(c.Validate()).To(MatchError(ContainSubstring("name")))
		})

		It("rejects names with whitespace", func() {
			c := minimalTable()
			c.Tables[0].Chains[0].Name = "in put"
			Expect(c.Validate()).NotTo(Succeed())
		})

		It("rejects duplicate tables of the same family", func() {
			c := minimalTable()
			c.Tables = append(c.Tables, &ruleset.Table{Name: "filter", Family: ruleset.FamilyINet})
			Expect(c.Validate()).To(MatchError(ContainSubstring("declared twice")))
		})

		It("allows the same table name in different families", func() {
			c := minimalTable()
			c.Tables = append(c.Tables, &ruleset.Table{Name: "filter", Family: ruleset.FamilyBridge})
			Expect(c.Validate()).To(Succeed())
		})

		It("rejects duplicate chains within a table", func() {
			c := minimalTable()
			t := c.Tables[0]
			t.Chains = append(t.Chains, &ruleset.Chain{Name: "input"})
			Expect(c.Validate()).To(MatchError(ContainSubstring("declared twice")))
		})
	})

	Context("base chains", func() {
		It("rejects a base chain without a priority", func() {
			c := minimalTable()
			c.Tables[0].Chains[0].Base.Priority = ruleset.Priority{}
			Expect(c.Validate()).NotTo(Succeed())
		})

		It("rejects a nat chain at the forward hook", func() {
			c := minimalTable()
			c.Tables[0].Chains[0].Base = &ruleset.BaseChain{
				Type:     ruleset.ChainTypeNAT,
				Hook:     ruleset.HookForward,
				Priority: ruleset.PriorityValue(100),
			}
			c.Tables[0].Chains[0].Rules = nil
			Expect(c.Validate()).To(MatchError(ContainSubstring("hook")))
		})

		It("rejects a route chain anywhere but output", func() {
			c := minimalTable()
			c.Tables[0].Chains[0].Base = &ruleset.BaseChain{
				Type:     ruleset.ChainTypeRoute,
				Hook:     ruleset.HookInput,
				Priority: ruleset.PriorityValue(0),
			}
			c.Tables[0].Chains[0].Rules = nil
			Expect(c.Validate()).NotTo(Succeed())
		})

		It("rejects an arp filter chain at prerouting", func() {
			c := &ruleset.Config{Tables: []*ruleset.Table{{
				Name:   "arpwatch",
				Family: ruleset.FamilyARP,
				Chains: []*ruleset.Chain{{
					Name: "pre",
					Base: &ruleset.BaseChain{
						Type:     ruleset.ChainTypeFilter,
						Hook:     ruleset.HookPrerouting,
						Priority: ruleset.PriorityValue(0),
					},
				}},
			}}}
			Expect(c.Validate()).NotTo(Succeed())
		})

		It("rejects a nat chain registered before conntrack", func() {
			c := minimalTable()
			c.Tables[0].Chains[0].Base = &ruleset.BaseChain{
				Type:     ruleset.ChainTypeNAT,
				Hook:     ruleset.HookPostrouting,
				Priority: ruleset.PriorityValue(-250),
			}
			c.Tables[0].Chains[0].Rules = nil
			Expect(c.Validate()).To(MatchError(ContainSubstring("conntrack")))
		})

		It("requires netdev family for ingress chains", func() {
			c := minimalTable()
			c.Tables[0].Chains[0].Base = &ruleset.BaseChain{
				Type:     ruleset.ChainTypeFilter,
				Hook:     ruleset.HookIngress,
				Priority: ruleset.PriorityValue(0),
				Device:   "eth0",
			}
			c.Tables[0].Chains[0].Rules = nil
			Expect(c.Validate()).NotTo(Succeed())
		})

		It("requires a device on netdev ingress chains", func() {
			c := &ruleset.Config{Tables: []*ruleset.Table{{
				Name:   "drops",
				Family: ruleset.FamilyNetdev,
				Chains: []*ruleset.Chain{{
					Name: "ingress",
					Base: &ruleset.BaseChain{
						Type:     ruleset.ChainTypeFilter,
						Hook:     ruleset.HookIngress,
						Priority: ruleset.PriorityValue(0),
					},
				}},
			}}}
			Expect(c.Validate()).To(MatchError(ContainSubstring("device")))
		})

		It("rejects a device on non-ingress chains", func() {
			c := minimalTable()
			c.Tables[0].Chains[0].Base.Device = "eth0"
			Expect(c.Validate()).To(MatchError(ContainSubstring("device")))
		})
	})

	Context("rules", func() {
		It("rejects a comment that cannot ride in a single attribute", func() {
			c := minimalTable()
			c.Tables[0].Chains[0].Rules[0].Comment = strings.Repeat("x", 128)
			Expect(c.Validate()).To(MatchError(ContainSubstring("comment")))
		})

		It("accepts a comment at the boundary", func() {
			c := minimalTable()
			c.Tables[0].Chains[0].Rules[0].Comment = strings.Repeat("x", 127)
			Expect(c.Validate()).To(Succeed())
		})

		It("reports the failing rule by position", func() {
			c := minimalTable()
			ch := c.Tables[0].Chains[0]
			ch.Rules = append(ch.Rules, &ruleset.Rule{Dport: "443", Verdict: "accept"})
			err := c.Validate()
			Expect(err).To(MatchError(ContainSubstring("rule 2")))
		})
	})

	Context("jump targets", func() {
		It("rejects a jump to a chain that does not exist", func() {
			c := minimalTable()
			c.Tables[0].Chains[0].Rules = []*ruleset.Rule{{Jump: "ghost"}}
			Expect(c.Validate()).To(MatchError(ContainSubstring("ghost")))
		})

		It("rejects a jump into a base chain", func() {
			c := minimalTable()
			t := c.Tables[0]
			t.Chains = append(t.Chains, &ruleset.Chain{
				Name:  "other",
				Rules: []*ruleset.Rule{{Jump: "input"}},
			})
			Expect(c.Validate()).To(MatchError(ContainSubstring("base chain")))
		})

		It("rejects a chain jumping to itself", func() {
			c := minimalTable()
			t := c.Tables[0]
			t.Chains = append(t.Chains, &ruleset.Chain{
				Name:  "loop",
				Rules: []*ruleset.Rule{{Jump: "loop"}},
			})
			Expect(c.Validate()).NotTo(Succeed())
		})

		It("rejects a jump cycle through intermediaries", func() {
			c := minimalTable()
			t := c.Tables[0]
			t.Chains = append(t.Chains,
				&ruleset.Chain{Name: "a", Rules: []*ruleset.Rule{{Jump: "b"}}},
				&ruleset.Chain{Name: "b", Rules: []*ruleset.Rule{{Goto: "a"}}},
			)
			Expect(c.Validate()).To(MatchError(ContainSubstring("cycle")))
		})

		It("accepts a diamond that shares a tail chain", func() {
			c := minimalTable()
			t := c.Tables[0]
			t.Chains[0].Rules = []*ruleset.Rule{{Jump: "a"}, {Jump: "b"}}
			t.Chains = append(t.Chains,
				&ruleset.Chain{Name: "a", Rules: []*ruleset.Rule{{Jump: "tail"}}},
				&ruleset.Chain{Name: "b", Rules: []*ruleset.Rule{{Jump: "tail"}}},
				&ruleset.Chain{Name: "tail", Rules: []*ruleset.Rule{{Verdict: "return"}}},
			)
			Expect(c.Validate()).To(Succeed())
		})
	})

	Context("sets", func() {
		It("rejects an ipv6 set in an ip table", func() {
			c := minimalTable()
			c.Tables[0].Family = ruleset.FamilyIPv4
			c.Tables[0].Sets = []*ruleset.Set{{Name: "v6hosts", KeyType: ruleset.KeyIPv6Addr}}
			Expect(c.Validate()).NotTo(Succeed())
		})

		It("rejects set rules referencing a missing set", func() {
			c := minimalTable()
			c.Tables[0].Chains[0].Rules = []*ruleset.Rule{{SaddrSet: "bogons", Verdict: "drop"}}
			Expect(c.Validate()).To(MatchError(ContainSubstring("bogons")))
		})

		It("rejects saddr-set against a non-address set", func() {
			c := minimalTable()
			c.Tables[0].Sets = []*ruleset.Set{{Name: "ports", KeyType: ruleset.KeyInetService}}
			c.Tables[0].Chains[0].Rules = []*ruleset.Rule{{SaddrSet: "ports", Verdict: "drop"}}
			Expect(c.Validate()).NotTo(Succeed())
		})

		It("surfaces bad elements with the set name", func() {
			c := minimalTable()
			c.Tables[0].Sets = []*ruleset.Set{{
				Name:     "bogons",
				KeyType:  ruleset.KeyIPv4Addr,
				Elements: []string{"256.1.1.1"},
			}}
			Expect(c.Validate()).To(MatchError(ContainSubstring("bogons")))
		})
	})

	Context("objects", func() {
		It("rejects a zero-byte quota", func() {
			c := minimalTable()
			c.Tables[0].Quotas = []*ruleset.Quota{{Name: "cap", Bytes: 0}}
			Expect(c.Validate()).To(MatchError(ContainSubstring("quota")))
		})

		It("rejects duplicate counters", func() {
			c := minimalTable()
			c.Tables[0].Counters = []*ruleset.Counter{{Name: "hits"}, {Name: "hits"}}
			Expect(c.Validate()).To(MatchError(ContainSubstring("declared twice")))
		})
	})

	Context("flowtables", func() {
		It("accepts a flowtable with devices", func() {
			c := minimalTable()
			c.Tables[0].Flowtables = []*ruleset.Flowtable{{Name: "ft", Devices: []string{"eth0", "eth1"}}}
			Expect(c.Validate()).To(Succeed())
		})

		It("rejects a flowtable without devices", func() {
			c := minimalTable()
			c.Tables[0].Flowtables = []*ruleset.Flowtable{{Name: "ft"}}
			Expect(c.Validate()).To(MatchError(ContainSubstring("device")))
		})

		It("rejects a flowtable in a bridge table", func() {
			c := minimalTable()
			c.Tables[0].Family = ruleset.FamilyBridge
			c.Tables[0].Flowtables = []*ruleset.Flowtable{{Name: "ft", Devices: []string{"eth0"}}}
			Expect(c.Validate()).NotTo(Succeed())
		})

		It("rejects duplicate devices", func() {
			c := minimalTable()
			c.Tables[0].Flowtables = []*ruleset.Flowtable{{Name: "ft", Devices: []string{"eth0", "eth0"}}}
			Expect(c.Validate()).NotTo(Succeed())
		})
	})

	It("aggregates every finding instead of stopping at the first", func() {
		c := minimalTable()
		c.Tables[0].Quotas = []*ruleset.Quota{{Name: "cap", Bytes: 0}}
		c.Tables[0].Chains[0].Rules = append(c.Tables[0].Chains[0].Rules, &ruleset.Rule{Jump: "ghost"})
		err := c.Validate()
		Expect(err).To(MatchError(ContainSubstring("quota")))
		Expect(err).To(MatchError(ContainSubstring("ghost")))
	})
})

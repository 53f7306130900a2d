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
	"errors"

	"github.com/networkplumbing/go-nft/nft"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/netfilterworks/nftkit/pkg/ruleset"
)

// exportableConfig exercises every construct the nft JSON schema can carry.
func exportableConfig() *ruleset.Config {
	return &ruleset.Config{Tables: []*ruleset.Table{
		{
			Name:   "filter",
			Family: ruleset.FamilyINet,
			Chains: []*ruleset.Chain{
				{
					Name: "input",
					Base: &ruleset.BaseChain{
						Type:     ruleset.ChainTypeFilter,
						Hook:     ruleset.HookInput,
						Priority: ruleset.PriorityName("filter"),
						Policy:   ruleset.PolicyDrop,
					},
					Rules: []*ruleset.Rule{
						{CtState: []string{"established", "related"}, Verdict: "accept"},
						{IIF: "lo", Verdict: "accept"},
						{IIF: "!=lo", Saddr: "127.0.0.0/8", Verdict: "drop", Comment: "no spoofed loopback"},
						{Proto: "tcp", Dport: "22", Saddr: "10.0.0.0/8", Counter: true, Jump: "ssh"},
						{Proto: "icmp", ICMPType: "8", Verdict: "accept"},
						{FibCheck: true, Verdict: "drop"},
					},
				},
				{
					Name: "ssh",
					Rules: []*ruleset.Rule{
						{Mark: "1/255", Verdict: "return"},
					},
				},
			},
		},
		{
			Name:   "nat",
			Family: ruleset.FamilyIPv4,
			Chains: []*ruleset.Chain{
				{
					Name: "post",
					Base: &ruleset.BaseChain{
						Type:     ruleset.ChainTypeNAT,
						Hook:     ruleset.HookPostrouting,
						Priority: ruleset.PriorityName("srcnat"),
						Policy:   ruleset.PolicyAccept,
					},
					Rules: []*ruleset.Rule{
						{OIF: "eth0", Masquerade: &ruleset.MasqStmt{ToPorts: "30000-40000"}},
						{Saddr: "192.168.10.5", SNAT: &ruleset.NATStmt{To: "203.0.113.9:1024"}},
					},
				},
				{
					Name: "pre",
					Base: &ruleset.BaseChain{
						Type:     ruleset.ChainTypeNAT,
						Hook:     ruleset.HookPrerouting,
						Priority: ruleset.PriorityName("dstnat"),
						Policy:   ruleset.PolicyAccept,
					},
					Rules: []*ruleset.Rule{
						{Proto: "tcp", Dport: "80", DNAT: &ruleset.NATStmt{To: "10.0.0.5"}},
					},
				},
			},
		},
	}}
}

const exportedConfigJSON = `
{"nftables": [
    {"table": {"family": "inet", "name": "filter"}},
    {"chain": {
        "family": "inet", "table": "filter", "name": "input",
        "type": "filter", "hook": "input", "prio": 0, "policy": "drop"
    }},
    {"rule": {"family": "inet", "table": "filter", "chain": "input",
        "expr": [
            {"match": {"op": "in", "left": {"ct": {"key": "state"}}, "right": ["established", "related"]}},
            {"accept": null}
        ]}},
    {"rule": {"family": "inet", "table": "filter", "chain": "input",
        "expr": [
            {"match": {"op": "==", "left": {"meta": {"key": "iifname"}}, "right": "lo"}},
            {"accept": null}
        ]}},
    {"rule": {"family": "inet", "table": "filter", "chain": "input",
        "expr": [
            {"match": {"op": "!=", "left": {"meta": {"key": "iifname"}}, "right": "lo"}},
            {"match": {"op": "==", "left": {"payload": {"protocol": "ip", "field": "saddr"}},
                       "right": {"prefix": {"addr": "127.0.0.0", "len": 8}}}},
            {"drop": null}
        ],
        "comment": "no spoofed loopback"}},
    {"rule": {"family": "inet", "table": "filter", "chain": "input",
        "expr": [
            {"match": {"op": "==", "left": {"meta": {"key": "l4proto"}}, "right": "tcp"}},
            {"match": {"op": "==", "left": {"payload": {"protocol": "ip", "field": "saddr"}},
                       "right": {"prefix": {"addr": "10.0.0.0", "len": 8}}}},
            {"match": {"op": "==", "left": {"payload": {"protocol": "tcp", "field": "dport"}}, "right": 22}},
            {"counter": {"packets": 0, "bytes": 0}},
            {"jump": {"target": "ssh"}}
        ]}},
    {"rule": {"family": "inet", "table": "filter", "chain": "input",
        "expr": [
            {"match": {"op": "==", "left": {"meta": {"key": "l4proto"}}, "right": "icmp"}},
            {"match": {"op": "==", "left": {"payload": {"protocol": "icmp", "field": "type"}}, "right": 8}},
            {"accept": null}
        ]}},
    {"rule": {"family": "inet", "table": "filter", "chain": "input",
        "expr": [
            {"match": {"op": "==",
                       "left": {"fib": {"result": "oif", "flags": ["saddr", "iif"]}},
                       "right": false}},
            {"drop": null}
        ]}},
    {"chain": {"family": "inet", "table": "filter", "name": "ssh"}},
    {"rule": {"family": "inet", "table": "filter", "chain": "ssh",
        "expr": [
            {"match": {"op": "==", "left": {"&": [{"meta": {"key": "mark"}}, 255]}, "right": 1}},
            {"return": null}
        ]}},
    {"table": {"family": "ip", "name": "nat"}},
    {"chain": {
        "family": "ip", "table": "nat", "name": "post",
        "type": "nat", "hook": "postrouting", "prio": 100, "policy": "accept"
    }},
    {"rule": {"family": "ip", "table": "nat", "chain": "post",
        "expr": [
            {"match": {"op": "==", "left": {"meta": {"key": "oifname"}}, "right": "eth0"}},
            {"masquerade": {"port": {"range": [30000, 40000]}}}
        ]}},
    {"rule": {"family": "ip", "table": "nat", "chain": "post",
        "expr": [
            {"match": {"op": "==", "left": {"payload": {"protocol": "ip", "field": "saddr"}}, "right": "192.168.10.5"}},
            {"snat": {"addr": "203.0.113.9", "port": 1024}}
        ]}},
    {"chain": {
        "family": "ip", "table": "nat", "name": "pre",
        "type": "nat", "hook": "prerouting", "prio": -100, "policy": "accept"
    }},
    {"rule": {"family": "ip", "table": "nat", "chain": "pre",
        "expr": [
            {"match": {"op": "==", "left": {"meta": {"key": "l4proto"}}, "right": "tcp"}},
            {"match": {"op": "==", "left": {"payload": {"protocol": "tcp", "field": "dport"}}, "right": 80}},
            {"dnat": {"addr": "10.0.0.5"}}
        ]}}
]}`

var _ = Describe("nft JSON interchange", func() {
	Context("export", func() {
		It("renders the document nft -j would show", func() {
			cfg := exportableConfig()
			Expect(cfg.Validate()).To(Succeed())

			doc, err := ruleset.Export(cfg)
			Expect(err).NotTo(HaveOccurred())

			out, err := doc.ToJSON()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(out)).To(MatchJSON(exportedConfigJSON))
		})

		It("exports link-layer matches in bridge tables", func() {
			cfg := &ruleset.Config{Tables: []*ruleset.Table{{
				Name:   "nat",
				Family: ruleset.FamilyBridge,
				Chains: []*ruleset.Chain{{
					Name: "prevent-spoof",
					Rules: []*ruleset.Rule{
						{EtherSaddr: "02:00:00:00:12:34", Verdict: "return"},
						{Verdict: "drop"},
					},
				}},
			}}}
			doc, err := ruleset.Export(cfg)
			Expect(err).NotTo(HaveOccurred())

			out, err := doc.ToJSON()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(out)).To(MatchJSON(`
                {"nftables": [
                    {"table": {"family": "bridge", "name": "nat"}},
                    {"chain": {"family": "bridge", "table": "nat", "name": "prevent-spoof"}},
                    {"rule": {"family": "bridge", "table": "nat", "chain": "prevent-spoof",
                        "expr": [
                            {"match": {"op": "==",
                                       "left": {"payload": {"protocol": "ether", "field": "saddr"}},
                                       "right": "02:00:00:00:12:34"}},
                            {"return": null}
                        ]}},
                    {"rule": {"family": "bridge", "table": "nat", "chain": "prevent-spoof",
                        "expr": [{"drop": null}]}}
                ]}`))
		})

		DescribeTable("refuses what the schema cannot carry",
			func(mutate func(*ruleset.Config), offender string) {
				cfg := exportableConfig()
				mutate(cfg)
				_, err := ruleset.Export(cfg)
				Expect(errors.Is(err, ruleset.ErrNotExportable)).To(BeTrue(), "expected ErrNotExportable, got: %v", err)
				Expect(err.Error()).To(ContainSubstring(offender))
			},
			Entry("sets", func(c *ruleset.Config) {
				c.Tables[0].Sets = []*ruleset.Set{{Name: "bogons", KeyType: ruleset.KeyIPv4Addr}}
			}, "sets"),
			Entry("named counters", func(c *ruleset.Config) {
				c.Tables[0].Counters = []*ruleset.Counter{{Name: "hits"}}
			}, "objects"),
			Entry("quotas", func(c *ruleset.Config) {
				c.Tables[0].Quotas = []*ruleset.Quota{{Name: "cap", Bytes: 1 << 20}}
			}, "objects"),
			Entry("flowtables", func(c *ruleset.Config) {
				c.Tables[0].Flowtables = []*ruleset.Flowtable{{Name: "ft", Devices: []string{"eth0"}}}
			}, "flowtables"),
			Entry("log statements", func(c *ruleset.Config) {
				c.Tables[0].Chains[0].Rules[0].Log = &ruleset.LogStmt{Prefix: "drop: "}
			}, "log"),
			Entry("limit statements", func(c *ruleset.Config) {
				c.Tables[0].Chains[0].Rules[0].Limit = &ruleset.LimitStmt{Rate: 10}
			}, "limit"),
			Entry("queue verdicts", func(c *ruleset.Config) {
				q := uint16(1)
				c.Tables[0].Chains[0].Rules[0] = &ruleset.Rule{Queue: &q}
			}, "queue"),
			Entry("reject verdicts", func(c *ruleset.Config) {
				c.Tables[0].Chains[0].Rules[0] = &ruleset.Rule{Reject: "port-unreachable"}
			}, "reject"),
			Entry("set references", func(c *ruleset.Config) {
				c.Tables[0].Chains[0].Rules[0] = &ruleset.Rule{SaddrSet: "bogons", Verdict: "drop"}
			}, "set"),
			Entry("trace statements", func(c *ruleset.Config) {
				c.Tables[0].Chains[0].Rules[0].Trace = true
			}, "trace"),
			Entry("ingress device bindings", func(c *ruleset.Config) {
				c.Tables[0] = &ruleset.Table{
					Name:   "drops",
					Family: ruleset.FamilyNetdev,
					Chains: []*ruleset.Chain{{
						Name: "ingress",
						Base: &ruleset.BaseChain{
							Type:     ruleset.ChainTypeFilter,
							Hook:     ruleset.HookIngress,
							Priority: ruleset.PriorityValue(0),
							Device:   "eth0",
						},
					}},
				}
			}, "device"),
		)

		It("names the failing rule", func() {
			cfg := exportableConfig()
			cfg.Tables[0].Chains[1].Rules[0].Trace = true
			_, err := ruleset.Export(cfg)
			Expect(err).To(MatchError(ContainSubstring(`chain "ssh": rule 1`)))
		})
	})

	Context("import", func() {
		It("inverts export exactly", func() {
			doc, err := ruleset.Export(exportableConfig())
			Expect(err).NotTo(HaveOccurred())

			imported, err := ruleset.Import(doc)
			Expect(err).NotTo(HaveOccurred())
			Expect(imported.Validate()).To(Succeed())

			again, err := ruleset.Export(imported)
			Expect(err).NotTo(HaveOccurred())
			out, err := again.ToJSON()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(out)).To(MatchJSON(exportedConfigJSON))
		})

		It("reads nft -j list ruleset output", func() {
			doc := nft.NewConfig()
			Expect(doc.FromJSON([]byte(`
                {"nftables": [
                    {"metainfo": {"version": "1.0.2", "release_name": "Lester Gooch", "json_schema_version": 1}},
                    {"table": {"family": "inet", "name": "filter"}},
                    {"chain": {"family": "inet", "table": "filter", "name": "input",
                               "type": "filter", "hook": "input", "prio": 0, "policy": "accept"}},
                    {"rule": {"family": "inet", "table": "filter", "chain": "input", "handle": 7,
                        "expr": [
                            {"match": {"op": "==", "left": {"meta": {"key": "l4proto"}}, "right": "udp"}},
                            {"match": {"op": "==", "left": {"payload": {"protocol": "udp", "field": "dport"}},
                                       "right": {"range": [33434, 33534]}}},
                            {"counter": {"packets": 112, "bytes": 9408}},
                            {"drop": null}
                        ]}}
                ]}`))).To(Succeed())

			cfg, err := ruleset.Import(doc)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Validate()).To(Succeed())

			table := cfg.Table(ruleset.FamilyINet, "filter")
			Expect(table).NotTo(BeNil())
			chain := table.Chain("input")
			Expect(chain).NotTo(BeNil())
			Expect(chain.Base.Hook).To(Equal(ruleset.HookInput))
			Expect(chain.Rules).To(HaveLen(1))
			Expect(chain.Rules[0].Proto).To(Equal("udp"))
			Expect(chain.Rules[0].Dport).To(Equal("33434-33534"))
			Expect(chain.Rules[0].Counter).To(BeTrue())
			Expect(chain.Rules[0].Verdict).To(Equal("drop"))
		})

		It("infers the transport protocol from a port match", func() {
			doc := nft.NewConfig()
			Expect(doc.FromJSON([]byte(`
                {"nftables": [
                    {"table": {"family": "inet", "name": "t"}},
                    {"chain": {"family": "inet", "table": "t", "name": "c"}},
                    {"rule": {"family": "inet", "table": "t", "chain": "c",
                        "expr": [
                            {"match": {"op": "==", "left": {"payload": {"protocol": "tcp", "field": "dport"}}, "right": 443}},
                            {"accept": null}
                        ]}}
                ]}`))).To(Succeed())

			cfg, err := ruleset.Import(doc)
			Expect(err).NotTo(HaveOccurred())
			r := cfg.Tables[0].Chains[0].Rules[0]
			Expect(r.Proto).To(Equal("tcp"))
			Expect(r.Dport).To(Equal("443"))
		})

		It("accepts add-wrapped objects", func() {
			doc := nft.NewConfig()
			Expect(doc.FromJSON([]byte(`
                {"nftables": [
                    {"add": {"table": {"family": "inet", "name": "t"}}},
                    {"add": {"chain": {"family": "inet", "table": "t", "name": "c"}}}
                ]}`))).To(Succeed())

			cfg, err := ruleset.Import(doc)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Table(ruleset.FamilyINet, "t").Chain("c")).NotTo(BeNil())
		})

		DescribeTable("rejects what export never writes",
			func(doc string) {
				parsed := nft.NewConfig()
				Expect(parsed.FromJSON([]byte(doc))).To(Succeed())
				_, err := ruleset.Import(parsed)
				Expect(errors.Is(err, ruleset.ErrNotImportable)).To(BeTrue(), "expected ErrNotImportable, got: %v", err)
			},
			Entry("delete commands", `
                {"nftables": [{"delete": {"table": {"family": "inet", "name": "t"}}}]}`),
			Entry("flush commands", `
                {"nftables": [{"flush": {"ruleset": null}}]}`),
			Entry("unknown meta keys", `
                {"nftables": [
                    {"table": {"family": "inet", "name": "t"}},
                    {"chain": {"family": "inet", "table": "t", "name": "c"}},
                    {"rule": {"family": "inet", "table": "t", "chain": "c",
                        "expr": [
                            {"match": {"op": "==", "left": {"meta": {"key": "skuid"}}, "right": "root"}},
                            {"accept": null}
                        ]}}
                ]}`),
			Entry("statements outside the vocabulary", `
                {"nftables": [
                    {"table": {"family": "inet", "name": "t"}},
                    {"chain": {"family": "inet", "table": "t", "name": "c"}},
                    {"rule": {"family": "inet", "table": "t", "chain": "c",
                        "expr": [{"limit": {"rate": 10, "per": "second"}}]}}
                ]}`),
		)

		It("rejects rules against undeclared chains", func() {
			doc := nft.NewConfig()
			Expect(doc.FromJSON([]byte(`
                {"nftables": [
                    {"table": {"family": "inet", "name": "t"}},
                    {"rule": {"family": "inet", "table": "t", "chain": "ghost",
                        "expr": [{"accept": null}]}}
                ]}`))).To(Succeed())

			_, err := ruleset.Import(doc)
			Expect(err).To(MatchError(ContainSubstring("ghost")))
		})
	})
})

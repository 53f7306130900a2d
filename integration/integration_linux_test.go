// Copyright 2024 nftkit authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package integration_test

import (
	"context"
	"fmt"
	"math/rand"
	"os/exec"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/netfilterworks/nftkit/pkg/compat"
	"github.com/netfilterworks/nftkit/pkg/gen"
	"github.com/netfilterworks/nftkit/pkg/nft"
	"github.com/netfilterworks/nftkit/pkg/ruleset"
)

// testManifest is a manifest exercising chains, sets and, on kernels that
// have them, named objects.
func testManifest(withObjects bool) *ruleset.Config {
	t := &ruleset.Table{
		Name:   "nftkit-integ",
		Family: ruleset.FamilyINet,
		Sets: []*ruleset.Set{{
			Name:     "blocked",
			KeyType:  ruleset.KeyIPv4Addr,
			Elements: []string{"192.0.2.1", "192.0.2.2"},
		}},
		Chains: []*ruleset.Chain{
			{
				Name: "input",
				Base: &ruleset.BaseChain{
					Type:     ruleset.ChainTypeFilter,
					Hook:     ruleset.HookInput,
					Priority: ruleset.PriorityName("filter"),
					Policy:   ruleset.PolicyAccept,
				},
				Rules: []*ruleset.Rule{
					{CtState: []string{"established", "related"}, Verdict: "accept"},
					{SaddrSet: "blocked", Verdict: "drop"},
					{Proto: "tcp", Dport: "22", Jump: "ssh"},
				},
			},
			{
				Name:  "ssh",
				Rules: []*ruleset.Rule{{Counter: true, Verdict: "accept"}},
			},
		},
	}
	if withObjects {
		t.Counters = []*ruleset.Counter{{Name: "hits"}}
		t.Quotas = []*ruleset.Quota{{Name: "monthly", Bytes: 500000000}}
	}
	return &ruleset.Config{Tables: []*ruleset.Table{t}}
}

var _ = Describe("kernel round trip", func() {
	var (
		ctx    context.Context
		nsName string
		nsPath string
		conn   *nft.SystemConn
	)

	BeforeEach(func() {
		ctx = context.Background()
		nsName = fmt.Sprintf("nftkit-test-%x", rand.Int31())
		nsPath = "/run/netns/" + nsName
		Expect(exec.Command("ip", "netns", "add", nsName).Run()).To(Succeed())

		var err error
		conn, err = nft.System(nft.WithNetNS(nsPath))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(conn.Close()).To(Succeed())
		Expect(exec.Command("ip", "netns", "del", nsName).Run()).To(Succeed())
	})

	It("applies, verifies, prunes and destroys a manifest", func() {
		withObjects := compat.Probe(compat.FeatureNamedObjects) == nil
		cfg := testManifest(withObjects)

		a := &nft.Applier{Gate: compat.Probe}
		Expect(a.Apply(ctx, conn, cfg)).To(Succeed())

		diff, err := a.Verify(ctx, conn, cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(diff.InSync()).To(BeTrue(), "fresh apply out of sync:\n%s", diff)

		By("re-applying without changes")
		Expect(a.Apply(ctx, conn, cfg)).To(Succeed())
		diff, err = a.Verify(ctx, conn, cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(diff.InSync()).To(BeTrue())

		By("retiring the regular chain and pruning it")
		table := cfg.Tables[0]
		base := table.Chains[0]
		base.Rules = base.Rules[:2]
		table.Chains = table.Chains[:1]
		Expect(a.Apply(ctx, conn, cfg)).To(Succeed())
		Expect(a.Prune(ctx, conn, cfg)).To(Succeed())

		snap, err := nft.List(ctx, conn, ruleset.FamilyINet)
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Tables).To(HaveLen(1))
		Expect(snap.Tables[0].Chains).To(HaveLen(1))

		By("destroying the manifest tables")
		Expect(nft.Destroy(ctx, conn, cfg)).To(Succeed())
		tables, err := conn.ListTables()
		Expect(err).NotTo(HaveOccurred())
		Expect(tables).To(BeEmpty())
	})

	It("keeps rules it does not own through apply and prune", func() {
		cfg := testManifest(false)
		a := &nft.Applier{}
		Expect(a.Apply(ctx, conn, cfg)).To(Succeed())

		By("adding a foreign chain to the managed table")
		foreign := testManifest(false)
		foreign.Tables[0].Chains = []*ruleset.Chain{{
			Name:  "foreign",
			Rules: []*ruleset.Rule{{Verdict: "accept"}},
		}}
		other := &nft.Applier{OwnerPrefix: "someone-else"}
		Expect(other.Apply(ctx, conn, foreign)).To(Succeed())

		Expect(a.Apply(ctx, conn, cfg)).To(Succeed())
		Expect(a.Prune(ctx, conn, cfg)).To(Succeed())

		snap, err := nft.List(ctx, conn, ruleset.FamilyINet)
		Expect(err).NotTo(HaveOccurred())
		names := []string{}
		for _, ch := range snap.Tables[0].Chains {
			names = append(names, ch.Name)
		}
		Expect(names).To(ContainElement("foreign"))
	})

	It("reports the ruleset generation", func() {
		if compat.Probe(compat.FeatureGenQuery) != nil {
			Skip("kernel predates the generation query")
		}
		g, err := gen.Query()
		Expect(err).NotTo(HaveOccurred())
		Expect(g.ProcName).NotTo(BeEmpty())
	})
})

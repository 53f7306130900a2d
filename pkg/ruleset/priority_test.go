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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gopkg.in/yaml.v3"

	"github.com/netfilterworks/nftkit/pkg/ruleset"
)

var _ = Describe("chain priorities", func() {
	resolve := func(spec string, family ruleset.Family, hook ruleset.Hook) (int32, error) {
		return ruleset.PriorityName(spec).Resolve(family, hook)
	}

	It("passes raw integers through", func() {
		Expect(ruleset.PriorityValue(-150).Resolve(ruleset.FamilyINet, ruleset.HookInput)).To(Equal(int32(-150)))
	})

	DescribeTable("resolves standard names",
		func(spec string, hook ruleset.Hook, want int32) {
			Expect(resolve(spec, ruleset.FamilyINet, hook)).To(Equal(want))
		},
		Entry("raw", "raw", ruleset.HookPrerouting, int32(-300)),
		Entry("mangle", "mangle", ruleset.HookInput, int32(-150)),
		Entry("dstnat", "dstnat", ruleset.HookPrerouting, int32(-100)),
		Entry("filter", "filter", ruleset.HookForward, int32(0)),
		Entry("security", "security", ruleset.HookInput, int32(50)),
		Entry("srcnat", "srcnat", ruleset.HookPostrouting, int32(100)),
	)

	DescribeTable("resolves bridge names on the bridge scale",
		func(spec string, hook ruleset.Hook, want int32) {
			Expect(resolve(spec, ruleset.FamilyBridge, hook)).To(Equal(want))
		},
		Entry("dstnat", "dstnat", ruleset.HookPrerouting, int32(-300)),
		Entry("filter", "filter", ruleset.HookForward, int32(-200)),
		Entry("out", "out", ruleset.HookOutput, int32(100)),
		Entry("srcnat", "srcnat", ruleset.HookPostrouting, int32(300)),
	)

	It("applies offsets", func() {
		Expect(resolve("filter+10", ruleset.FamilyINet, ruleset.HookInput)).To(Equal(int32(10)))
		Expect(resolve("mangle-5", ruleset.FamilyINet, ruleset.HookInput)).To(Equal(int32(-155)))
	})

	It("scopes srcnat to the postrouting hook", func() {
		_, err := resolve("srcnat", ruleset.FamilyINet, ruleset.HookPrerouting)
		Expect(err).To(MatchError(ContainSubstring("postrouting")))
	})

	It("scopes dstnat to the prerouting hook", func() {
		_, err := resolve("dstnat", ruleset.FamilyINet, ruleset.HookOutput)
		Expect(err).To(MatchError(ContainSubstring("prerouting")))
	})

	It("rejects out outside the bridge family", func() {
		_, err := resolve("out", ruleset.FamilyINet, ruleset.HookOutput)
		Expect(err).To(MatchError(ContainSubstring("out")))
	})

	It("rejects unknown names", func() {
		_, err := resolve("fastpath", ruleset.FamilyINet, ruleset.HookInput)
		Expect(err).To(MatchError(ContainSubstring("fastpath")))
	})

	It("rejects an unset priority", func() {
		var p ruleset.Priority
		Expect(p.IsZero()).To(BeTrue())
		_, err := p.Resolve(ruleset.FamilyINet, ruleset.HookInput)
		Expect(err).To(HaveOccurred())
	})

	Context("YAML round-trip", func() {
		type holder struct {
			Priority ruleset.Priority `yaml:"priority"`
		}

		It("reads integers and names alike", func() {
			var h holder
			Expect(yaml.Unmarshal([]byte("priority: -100"), &h)).To(Succeed())
			Expect(h.Priority.Resolve(ruleset.FamilyINet, ruleset.HookInput)).To(Equal(int32(-100)))

			Expect(yaml.Unmarshal([]byte("priority: srcnat+5"), &h)).To(Succeed())
			Expect(h.Priority.Resolve(ruleset.FamilyINet, ruleset.HookPostrouting)).To(Equal(int32(105)))
		})

		It("rejects structured values", func() {
			var h holder
			Expect(yaml.Unmarshal([]byte("priority: {a: 1}"), &h)).NotTo(Succeed())
		})

		It("writes integers back as integers", func() {
			h := holder{Priority: ruleset.PriorityValue(42)}
			out, err := yaml.Marshal(&h)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(out)).To(ContainSubstring("priority: 42"))
		})

		It("writes names back as written", func() {
			h := holder{Priority: ruleset.PriorityName("dstnat-10")}
			out, err := yaml.Marshal(&h)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(out)).To(ContainSubstring("priority: dstnat-10"))
		})
	})
})

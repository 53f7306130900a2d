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
	"net"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/netfilterworks/nftkit/pkg/ruleset"
)

var _ = Describe("rule parsing", func() {
	It("parses a full match set", func() {
		p, err := ruleset.ParseRule(ruleset.FamilyINet, &ruleset.Rule{
			IIF:     "eth0",
			Proto:   "tcp",
			Saddr:   "10.1.2.0/24",
			Dport:   "443",
			CtState: []string{"new"},
			Counter: true,
			Verdict: "accept",
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(p.IIF).To(Equal(&ruleset.IfaceMatch{Name: "eth0"}))
		Expect(p.Proto.Num).To(Equal(uint8(6)))
		Expect(p.Saddr.IP).To(Equal(net.IP{10, 1, 2, 0}))
		Expect(p.Saddr.PrefixLen).To(Equal(24))
		Expect(p.Saddr.Exact()).To(BeFalse())
		Expect(p.Dport.Single()).To(BeTrue())
		Expect(p.Dport.Lo).To(Equal(uint16(443)))
		Expect(p.CtStateMask).To(Equal(ruleset.CtStateNew))
		Expect(p.Counter).To(BeTrue())
		Expect(p.Verdict).To(Equal(ruleset.VerdictAccept))
	})

	It("strips the negation prefix into the match flag", func() {
		p, err := ruleset.ParseRule(ruleset.FamilyINet, &ruleset.Rule{
			IIF:     "!= lo",
			Saddr:   "!=192.168.0.0/16",
			Verdict: "drop",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.IIF).To(Equal(&ruleset.IfaceMatch{Name: "lo", Negate: true}))
		Expect(p.Saddr.Negate).To(BeTrue())
		Expect(p.Saddr.PrefixLen).To(Equal(16))
	})

	It("treats a bare address as a host match", func() {
		p, err := ruleset.ParseRule(ruleset.FamilyIPv6, &ruleset.Rule{
			Daddr:   "2001:db8::1",
			Verdict: "accept",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Daddr.V6).To(BeTrue())
		Expect(p.Daddr.PrefixLen).To(Equal(128))
		Expect(p.Daddr.Exact()).To(BeTrue())
	})

	It("parses port ranges", func() {
		p, err := ruleset.ParseRule(ruleset.FamilyINet, &ruleset.Rule{
			Proto:   "udp",
			Sport:   "3000-4000",
			Verdict: "accept",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Sport.Lo).To(Equal(uint16(3000)))
		Expect(p.Sport.Hi).To(Equal(uint16(4000)))
		Expect(p.Sport.Single()).To(BeFalse())
	})

	It("parses numeric protocols", func() {
		p, err := ruleset.ParseRule(ruleset.FamilyINet, &ruleset.Rule{Proto: "47", Verdict: "accept"})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Proto.Num).To(Equal(uint8(47)))
	})

	It("parses marks with masks", func() {
		p, err := ruleset.ParseRule(ruleset.FamilyINet, &ruleset.Rule{Mark: "0x10/0xf0", Verdict: "accept"})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Mark.Value).To(Equal(uint32(0x10)))
		Expect(p.Mark.Mask).To(Equal(uint32(0xf0)))
	})

	It("defaults the limit unit to seconds", func() {
		p, err := ruleset.ParseRule(ruleset.FamilyINet, &ruleset.Rule{
			Limit:   &ruleset.LimitStmt{Rate: 10},
			Verdict: "accept",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Limit.Unit).To(Equal(ruleset.LimitPerSecond))
	})

	It("accepts snat with a bracketed IPv6 address and port", func() {
		p, err := ruleset.ParseRule(ruleset.FamilyIPv6, &ruleset.Rule{
			SNAT: &ruleset.NATStmt{To: "[2001:db8::8]:2048"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.SNAT.V6).To(BeTrue())
		Expect(p.SNAT.Port).To(Equal(uint16(2048)))
		Expect(p.Verdict).To(Equal(ruleset.VerdictNone))
	})

	It("strips the @ prefix from set references", func() {
		p, err := ruleset.ParseRule(ruleset.FamilyINet, &ruleset.Rule{
			SaddrSet: "@bogons",
			Verdict:  "drop",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.SaddrSet.Name).To(Equal("bogons"))
	})

	DescribeTable("rejects contradictory rules",
		func(family ruleset.Family, r *ruleset.Rule, reason string) {
			_, err := ruleset.ParseRule(family, r)
			Expect(err).To(MatchError(ContainSubstring(reason)))
		},
		Entry("ports without a transport protocol",
			ruleset.FamilyINet, &ruleset.Rule{Dport: "80", Verdict: "accept"}, "proto"),
		Entry("ports with the wrong protocol",
			ruleset.FamilyINet, &ruleset.Rule{Proto: "icmp", Dport: "80", Verdict: "accept"}, "proto"),
		Entry("ports with a negated protocol",
			ruleset.FamilyINet, &ruleset.Rule{Proto: "!= tcp", Dport: "80", Verdict: "accept"}, "proto"),
		Entry("icmp type without proto icmp",
			ruleset.FamilyINet, &ruleset.Rule{ICMPType: "8", Verdict: "accept"}, "icmp"),
		Entry("icmpv6 type with proto icmp",
			ruleset.FamilyINet, &ruleset.Rule{Proto: "icmp", ICMPv6Type: "135", Verdict: "accept"}, "icmpv6"),
		Entry("link-layer match outside bridge and netdev",
			ruleset.FamilyINet, &ruleset.Rule{EtherSaddr: "02:00:00:00:00:01", Verdict: "drop"}, "bridge or netdev"),
		Entry("IPv6 address in an ip table",
			ruleset.FamilyIPv4, &ruleset.Rule{Saddr: "2001:db8::1", Verdict: "accept"}, "IPv6"),
		Entry("IPv4 address in an ip6 table",
			ruleset.FamilyIPv6, &ruleset.Rule{Saddr: "10.0.0.1", Verdict: "accept"}, "IPv4"),
		Entry("unknown ct state",
			ruleset.FamilyINet, &ruleset.Rule{CtState: []string{"flaky"}, Verdict: "accept"}, "flaky"),
		Entry("two verdicts",
			ruleset.FamilyINet, &ruleset.Rule{Verdict: "accept", Jump: "next"}, "more than one"),
		Entry("verdict next to a NAT statement",
			ruleset.FamilyIPv4, &ruleset.Rule{Masquerade: &ruleset.MasqStmt{}, Verdict: "accept"}, "NAT"),
		Entry("two NAT statements",
			ruleset.FamilyIPv4, &ruleset.Rule{
				SNAT: &ruleset.NATStmt{To: "10.0.0.1"},
				DNAT: &ruleset.NATStmt{To: "10.0.0.2"},
			}, "one NAT"),
		Entry("snat outside ip and ip6",
			ruleset.FamilyINet, &ruleset.Rule{SNAT: &ruleset.NATStmt{To: "10.0.0.1"}}, "ip or ip6"),
		Entry("IPv6 NAT target in an ip table",
			ruleset.FamilyIPv4, &ruleset.Rule{DNAT: &ruleset.NATStmt{To: "2001:db8::1"}}, "IPv6"),
		Entry("tcp reset without proto tcp",
			ruleset.FamilyINet, &ruleset.Rule{Proto: "udp", Reject: "tcp-reset"}, "tcp"),
		Entry("unknown reject reason",
			ruleset.FamilyINet, &ruleset.Rule{Reject: "politely"}, "politely"),
		Entry("unknown verdict",
			ruleset.FamilyINet, &ruleset.Rule{Verdict: "maybe"}, "maybe"),
		Entry("no verdict at all",
			ruleset.FamilyINet, &ruleset.Rule{Counter: true}, "no verdict"),
		Entry("inverted port range",
			ruleset.FamilyINet, &ruleset.Rule{Proto: "tcp", Dport: "90-80", Verdict: "accept"}, "inverted"),
		Entry("port zero",
			ruleset.FamilyINet, &ruleset.Rule{Proto: "tcp", Dport: "0", Verdict: "accept"}, "port"),
		Entry("mark mask of zero",
			ruleset.FamilyINet, &ruleset.Rule{Mark: "1/0", Verdict: "accept"}, "mask"),
		Entry("limit without a rate",
			ruleset.FamilyINet, &ruleset.Rule{Limit: &ruleset.LimitStmt{}, Verdict: "accept"}, "rate"),
		Entry("unknown limit unit",
			ruleset.FamilyINet, &ruleset.Rule{Limit: &ruleset.LimitStmt{Rate: 5, Unit: "fortnight"}, Verdict: "accept"}, "fortnight"),
		Entry("transport protocol in an arp table",
			ruleset.FamilyARP, &ruleset.Rule{Proto: "tcp", Verdict: "accept"}, "transport"),
		Entry("address match in an arp table",
			ruleset.FamilyARP, &ruleset.Rule{Saddr: "10.0.0.1", Verdict: "accept"}, "arp"),
		Entry("set match in an arp table",
			ruleset.FamilyARP, &ruleset.Rule{SaddrSet: "@peers", Verdict: "accept"}, "arp"),
		Entry("ct state in an arp table",
			ruleset.FamilyARP, &ruleset.Rule{CtState: []string{"new"}, Verdict: "accept"}, "tracked"),
		Entry("reject in an arp table",
			ruleset.FamilyARP, &ruleset.Rule{Reject: "port-unreachable"}, "arp"),
		Entry("ct state at the ingress hook",
			ruleset.FamilyNetdev, &ruleset.Rule{CtState: []string{"new"}, Verdict: "accept"}, "ingress"),
		Entry("reject in a netdev table",
			ruleset.FamilyNetdev, &ruleset.Rule{Reject: "port-unreachable"}, "netdev"),
		Entry("fib check in a bridge table",
			ruleset.FamilyBridge, &ruleset.Rule{FibCheck: true, Verdict: "drop"}, "fib-check"),
		Entry("masquerade outside ip, ip6 and inet",
			ruleset.FamilyBridge, &ruleset.Rule{Masquerade: &ruleset.MasqStmt{}}, "masquerade"),
	)

	It("accepts tcp-reset when the rule pins proto tcp", func() {
		p, err := ruleset.ParseRule(ruleset.FamilyINet, &ruleset.Rule{Proto: "tcp", Reject: "tcp-reset"})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Verdict).To(Equal(ruleset.VerdictReject))
		Expect(p.RejectWith).To(Equal(ruleset.RejectTCPReset))
	})

	It("carries queue numbers through", func() {
		q := uint16(3)
		p, err := ruleset.ParseRule(ruleset.FamilyINet, &ruleset.Rule{Queue: &q})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Verdict).To(Equal(ruleset.VerdictQueue))
		Expect(p.QueueNum).To(Equal(uint16(3)))
	})
})

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
	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/netfilterworks/nftkit/pkg/ruleset"
)

var _ = Describe("set elements", func() {
	Context("plain sets", func() {
		It("encodes IPv4 keys", func() {
			s := &ruleset.Set{Name: "hosts", KeyType: ruleset.KeyIPv4Addr, Elements: []string{"10.0.0.1", "10.0.0.2"}}
			Expect(s.ParseElements()).To(Equal([]nftables.SetElement{
				{Key: []byte{10, 0, 0, 1}},
				{Key: []byte{10, 0, 0, 2}},
			}))
		})

		It("encodes ports big-endian", func() {
			s := &ruleset.Set{Name: "svc", KeyType: ruleset.KeyInetService, Elements: []string{"53"}}
			Expect(s.ParseElements()).To(Equal([]nftables.SetElement{
				{Key: []byte{0, 53}},
			}))
		})

		It("encodes marks in host order", func() {
			s := &ruleset.Set{Name: "marks", KeyType: ruleset.KeyMark, Elements: []string{"0x10"}}
			Expect(s.ParseElements()).To(Equal([]nftables.SetElement{
				{Key: binaryutil.NativeEndian.PutUint32(0x10)},
			}))
		})

		It("accepts protocol names and numbers", func() {
			s := &ruleset.Set{Name: "protos", KeyType: ruleset.KeyInetProto, Elements: []string{"tcp", "132"}}
			Expect(s.ParseElements()).To(Equal([]nftables.SetElement{
				{Key: []byte{6}},
				{Key: []byte{132}},
			}))
		})

		It("pads interface names to the kernel field width", func() {
			s := &ruleset.Set{Name: "ifs", KeyType: ruleset.KeyIFName, Elements: []string{"eth0"}}
			elems, err := s.ParseElements()
			Expect(err).NotTo(HaveOccurred())
			Expect(elems).To(HaveLen(1))
			Expect(elems[0].Key).To(HaveLen(16))
			Expect(elems[0].Key[:5]).To(Equal([]byte{'e', 't', 'h', '0', 0}))
		})

		It("rejects duplicate elements", func() {
			s := &ruleset.Set{Name: "hosts", KeyType: ruleset.KeyIPv4Addr, Elements: []string{"10.0.0.1", "10.0.0.1"}}
			_, err := s.ParseElements()
			Expect(err).To(MatchError(ContainSubstring("twice")))
		})

		It("rejects keys of the wrong family", func() {
			s := &ruleset.Set{Name: "hosts", KeyType: ruleset.KeyIPv4Addr, Elements: []string{"2001:db8::1"}}
			_, err := s.ParseElements()
			Expect(err).NotTo(Succeed())
		})
	})

	Context("interval sets", func() {
		It("encodes a prefix as start plus exclusive end", func() {
			s := &ruleset.Set{Name: "nets", KeyType: ruleset.KeyIPv4Addr, Interval: true, Elements: []string{"10.0.0.0/24"}}
			Expect(s.ParseElements()).To(Equal([]nftables.SetElement{
				{Key: []byte{10, 0, 0, 0}},
				{Key: []byte{10, 0, 1, 0}, IntervalEnd: true},
			}))
		})

		It("encodes a dashed range", func() {
			s := &ruleset.Set{Name: "nets", KeyType: ruleset.KeyIPv4Addr, Interval: true, Elements: []string{"10.0.0.5-10.0.0.9"}}
			Expect(s.ParseElements()).To(Equal([]nftables.SetElement{
				{Key: []byte{10, 0, 0, 5}},
				{Key: []byte{10, 0, 0, 10}, IntervalEnd: true},
			}))
		})

		It("encodes a single address as a one-address range", func() {
			s := &ruleset.Set{Name: "nets", KeyType: ruleset.KeyIPv4Addr, Interval: true, Elements: []string{"192.0.2.7"}}
			Expect(s.ParseElements()).To(Equal([]nftables.SetElement{
				{Key: []byte{192, 0, 2, 7}},
				{Key: []byte{192, 0, 2, 8}, IntervalEnd: true},
			}))
		})

		It("sorts ranges before pairing boundaries", func() {
			s := &ruleset.Set{Name: "nets", KeyType: ruleset.KeyIPv4Addr, Interval: true, Elements: []string{"192.168.1.5", "10.0.0.0/24"}}
			Expect(s.ParseElements()).To(Equal([]nftables.SetElement{
				{Key: []byte{10, 0, 0, 0}},
				{Key: []byte{10, 0, 1, 0}, IntervalEnd: true},
				{Key: []byte{192, 168, 1, 5}},
				{Key: []byte{192, 168, 1, 6}, IntervalEnd: true},
			}))
		})

		It("omits the end boundary when a range reaches the key space maximum", func() {
			s := &ruleset.Set{Name: "high", KeyType: ruleset.KeyInetService, Interval: true, Elements: []string{"65000-65535"}}
			Expect(s.ParseElements()).To(Equal([]nftables.SetElement{
				{Key: []byte{0xfd, 0xe8}},
			}))
		})

		It("covers the whole address space with a single boundary", func() {
			s := &ruleset.Set{Name: "all", KeyType: ruleset.KeyIPv4Addr, Interval: true, Elements: []string{"0.0.0.0/0"}}
			Expect(s.ParseElements()).To(Equal([]nftables.SetElement{
				{Key: []byte{0, 0, 0, 0}},
			}))
		})

		It("encodes port ranges with exclusive ends", func() {
			s := &ruleset.Set{Name: "svc", KeyType: ruleset.KeyInetService, Interval: true, Elements: []string{"1000-2000"}}
			Expect(s.ParseElements()).To(Equal([]nftables.SetElement{
				{Key: binaryutil.BigEndian.PutUint16(1000)},
				{Key: binaryutil.BigEndian.PutUint16(2001), IntervalEnd: true},
			}))
		})

		It("allows ranges that touch", func() {
			s := &ruleset.Set{Name: "nets", KeyType: ruleset.KeyIPv4Addr, Interval: true, Elements: []string{"10.0.0.0/25", "10.0.0.128/25"}}
			elems, err := s.ParseElements()
			Expect(err).NotTo(HaveOccurred())
			Expect(elems).To(HaveLen(4))
		})

		It("rejects overlapping ranges", func() {
			s := &ruleset.Set{Name: "nets", KeyType: ruleset.KeyIPv4Addr, Interval: true, Elements: []string{"10.0.0.0/24", "10.0.0.128-10.0.1.20"}}
			_, err := s.ParseElements()
			Expect(err).To(MatchError(ContainSubstring("overlap")))
		})

		It("rejects inverted ranges", func() {
			s := &ruleset.Set{Name: "nets", KeyType: ruleset.KeyIPv4Addr, Interval: true, Elements: []string{"10.0.0.9-10.0.0.5"}}
			_, err := s.ParseElements()
			Expect(err).To(MatchError(ContainSubstring("inverted")))
		})

		It("rejects interval mode on scalar keys", func() {
			s := &ruleset.Set{Name: "marks", KeyType: ruleset.KeyMark, Interval: true, Elements: []string{"1"}}
			_, err := s.ParseElements()
			Expect(err).To(MatchError(ContainSubstring("interval")))
		})
	})
})

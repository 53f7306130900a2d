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

package compat

import (
	"github.com/coreos/go-iptables/iptables"
	"sigs.k8s.io/knftables"
)

// SupportsNFTables tests whether netfilter is reachable through the
// nftables API. It reports possibility, not exclusivity: a true result
// does not mean nothing else on the host still programs iptables.
func SupportsNFTables() bool {
	// knftables.New probes the nft binary and kernel support on its own.
	_, err := knftables.New(knftables.IPv4Family, "supports_nftables_test")
	return err == nil
}

// SupportsIPTables tests whether the legacy iptables API is usable
// (whether backed by iptables-legacy or iptables-nft). The CLI warns when
// both stacks are live, since their rules interleave in evaluation order.
func SupportsIPTables() bool {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return false
	}
	// Only whether we can ask matters, not whether the chain exists.
	_, err = ipt.ChainExists("filter", "INPUT")
	return err == nil
}

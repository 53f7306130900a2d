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

// Package masq builds masquerade manifests for egress subnets: source NAT
// for traffic leaving the subnet, with exceptions for traffic that stays
// inside it and for multicast.
package masq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/netfilterworks/nftkit/pkg/nft"
	"github.com/netfilterworks/nftkit/pkg/ruleset"
)

const (
	multicastV4 = "224.0.0.0/4"
	multicastV6 = "ff00::/8"
)

// Spec builds the manifest masquerading the given subnets. Each address
// version gets its own table named tableName so that v4 and v6 subnets
// never share a chain; subnets get a per-subnet chain jumped to from
// postrouting, which keeps their rules independently verifiable.
func Spec(tableName string, subnets []string, comment string) (*ruleset.Config, error) {
	if tableName == "" {
		return nil, fmt.Errorf("table name is empty")
	}
	var v4, v6 *ruleset.Table

	for _, subnet := range subnets {
		_, ipn, err := net.ParseCIDR(subnet)
		if err != nil {
			return nil, fmt.Errorf("subnet %q: %w", subnet, err)
		}
		canonical := ipn.String()

		t := v4
		multicast := multicastV4
		if ipn.IP.To4() == nil {
			t = v6
			multicast = multicastV6
		}
		if t == nil {
			family := ruleset.FamilyIPv4
			if ipn.IP.To4() == nil {
				family = ruleset.FamilyIPv6
			}
			t = &ruleset.Table{
				Name:   tableName,
				Family: family,
				Chains: []*ruleset.Chain{{
					Name: "postrouting",
					Base: &ruleset.BaseChain{
						Type:     ruleset.ChainTypeNAT,
						Hook:     ruleset.HookPostrouting,
						Priority: ruleset.PriorityName("srcnat"),
					},
				}},
			}
			if family == ruleset.FamilyIPv4 {
				v4 = t
			} else {
				v6 = t
			}
		}

		chain := chainName(canonical)
		post := t.Chains[0]
		post.Rules = append(post.Rules, &ruleset.Rule{
			Saddr: canonical,
			Jump:  chain,
		})
		t.Chains = append(t.Chains, &ruleset.Chain{
			Name: chain,
			Rules: []*ruleset.Rule{
				{Daddr: canonical, Verdict: "return"},
				{Daddr: multicast, Verdict: "return"},
				{Masquerade: &ruleset.MasqStmt{}, Comment: comment},
			},
		})
	}

	cfg := &ruleset.Config{}
	if v4 != nil {
		cfg.Tables = append(cfg.Tables, v4)
	}
	if v6 != nil {
		cfg.Tables = append(cfg.Tables, v6)
	}
	if len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("no subnets given")
	}
	return cfg, nil
}

// chainName derives a stable chain name from the subnet. Hashing keeps it
// valid whatever characters the canonical CIDR form contains.
func chainName(subnet string) string {
	sum := sha256.Sum256([]byte(subnet))
	return "masq-" + hex.EncodeToString(sum[:])[:10]
}

// Ensure programs the masquerade manifest.
func Ensure(ctx context.Context, conn nft.Conn, tableName string, subnets []string, comment string) error {
	cfg, err := Spec(tableName, subnets, comment)
	if err != nil {
		return err
	}
	a := &nft.Applier{}
	return a.Apply(ctx, conn, cfg)
}

// Teardown removes the masquerade tables entirely.
func Teardown(ctx context.Context, conn nft.Conn, tableName string, subnets []string) error {
	cfg, err := Spec(tableName, subnets, "")
	if err != nil {
		return err
	}
	return nft.Destroy(ctx, conn, cfg)
}

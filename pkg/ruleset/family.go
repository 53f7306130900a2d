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

package ruleset

import (
	"fmt"

	"github.com/google/nftables"
)

// Family is an nftables address family, spelled the way nft spells it.
type Family string

const (
	FamilyINet   Family = "inet"
	FamilyIPv4   Family = "ip"
	FamilyIPv6   Family = "ip6"
	FamilyARP    Family = "arp"
	FamilyBridge Family = "bridge"
	FamilyNetdev Family = "netdev"
)

var familyToNftables = map[Family]nftables.TableFamily{
	FamilyINet:   nftables.TableFamilyINet,
	FamilyIPv4:   nftables.TableFamilyIPv4,
	FamilyIPv6:   nftables.TableFamilyIPv6,
	FamilyARP:    nftables.TableFamilyARP,
	FamilyBridge: nftables.TableFamilyBridge,
	FamilyNetdev: nftables.TableFamilyNetdev,
}

// Valid reports whether f names a known family.
func (f Family) Valid() bool {
	_, ok := familyToNftables[f]
	return ok
}

// TableFamily maps f onto the wrapped library's constant.
func (f Family) TableFamily() (nftables.TableFamily, error) {
	tf, ok := familyToNftables[f]
	if !ok {
		return 0, fmt.Errorf("unknown address family %q", f)
	}
	return tf, nil
}

// FamilyFromTableFamily is the inverse mapping, used when listing live state.
func FamilyFromTableFamily(tf nftables.TableFamily) (Family, bool) {
	for f, v := range familyToNftables {
		if v == tf {
			return f, true
		}
	}
	return "", false
}

// IPv4Only reports whether the family carries IPv4 payloads exclusively.
func (f Family) IPv4Only() bool { return f == FamilyIPv4 || f == FamilyARP }

// IPv6Only reports whether the family carries IPv6 payloads exclusively.
func (f Family) IPv6Only() bool { return f == FamilyIPv6 }

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

// ChainType selects which kernel hook semantics a base chain gets.
type ChainType string

const (
	ChainTypeFilter ChainType = "filter"
	ChainTypeNAT    ChainType = "nat"
	ChainTypeRoute  ChainType = "route"
)

// Hook is a netfilter hook point.
type Hook string

const (
	HookPrerouting  Hook = "prerouting"
	HookInput       Hook = "input"
	HookForward     Hook = "forward"
	HookOutput      Hook = "output"
	HookPostrouting Hook = "postrouting"
	HookIngress     Hook = "ingress"
)

// Policy is a base chain's default verdict.
type Policy string

const (
	PolicyAccept Policy = "accept"
	PolicyDrop   Policy = "drop"
)

// BaseChain holds the attributes that attach a chain to a kernel hook.
// All of Type, Hook and Priority are required; Policy defaults to accept.
type BaseChain struct {
	Type     ChainType `yaml:"type"`
	Hook     Hook      `yaml:"hook"`
	Priority Priority  `yaml:"priority"`
	Policy   Policy    `yaml:"policy,omitempty"`
	// Device binds an ingress chain to a network device (netdev family).
	Device string `yaml:"device,omitempty"`
}

// Chain is a chain and its rules. Base is nil for regular chains, which
// exist only as jump and goto targets.
type Chain struct {
	Name  string     `yaml:"name"`
	Base  *BaseChain `yaml:"base,omitempty"`
	Rules []*Rule    `yaml:"rules,omitempty"`
}

// conntrackPriority is where conntrack registers on the standard families.
// NAT chains below it would run before connection tracking and see no flows.
const conntrackPriority = -200

// legal (family, type, hook) combinations, from the kernel's registration
// tables. Families not listed for a type reject that type outright.
var baseChainMatrix = map[ChainType]map[Family][]Hook{
	ChainTypeFilter: {
		FamilyINet:   {HookPrerouting, HookInput, HookForward, HookOutput, HookPostrouting},
		FamilyIPv4:   {HookPrerouting, HookInput, HookForward, HookOutput, HookPostrouting},
		FamilyIPv6:   {HookPrerouting, HookInput, HookForward, HookOutput, HookPostrouting},
		FamilyARP:    {HookInput, HookOutput},
		FamilyBridge: {HookPrerouting, HookInput, HookForward, HookOutput, HookPostrouting},
		FamilyNetdev: {HookIngress},
	},
	ChainTypeNAT: {
		FamilyINet: {HookPrerouting, HookInput, HookOutput, HookPostrouting},
		FamilyIPv4: {HookPrerouting, HookInput, HookOutput, HookPostrouting},
		FamilyIPv6: {HookPrerouting, HookInput, HookOutput, HookPostrouting},
	},
	ChainTypeRoute: {
		FamilyINet: {HookOutput},
		FamilyIPv4: {HookOutput},
		FamilyIPv6: {HookOutput},
	},
}

func hookAllowed(family Family, typ ChainType, hook Hook) bool {
	families, ok := baseChainMatrix[typ]
	if !ok {
		return false
	}
	hooks, ok := families[family]
	if !ok {
		return false
	}
	for _, h := range hooks {
		if h == hook {
			return true
		}
	}
	return false
}

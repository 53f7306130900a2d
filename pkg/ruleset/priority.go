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
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Priority is a base chain priority: either a raw integer or a symbolic
// name with an optional +n/-n offset ("filter", "srcnat", "mangle-5").
// Symbolic names resolve to different integers in the bridge family, and
// several are only meaningful at specific hooks; Resolve enforces both.
type Priority struct {
	spec string
}

// PriorityValue builds a raw integer priority.
func PriorityValue(v int32) Priority {
	return Priority{spec: strconv.FormatInt(int64(v), 10)}
}

// PriorityName builds a symbolic priority such as "filter" or "dstnat-10".
func PriorityName(name string) Priority {
	return Priority{spec: name}
}

// IsZero reports an unset priority. Base chains require one.
func (p Priority) IsZero() bool { return p.spec == "" }

// String returns the priority as written in the manifest.
func (p Priority) String() string { return p.spec }

func (p *Priority) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("priority must be an integer or a name, got a %v", node.Kind)
	}
	p.spec = strings.TrimSpace(node.Value)
	return nil
}

func (p Priority) MarshalYAML() (interface{}, error) {
	if v, err := strconv.ParseInt(p.spec, 10, 32); err == nil {
		return v, nil
	}
	return p.spec, nil
}

// Standard-family symbolic priorities, matching nft(8).
var stdPriorities = map[string]struct {
	value int32
	hook  Hook // "" means any hook the chain type allows
}{
	"raw":      {-300, ""},
	"mangle":   {-150, ""},
	"dstnat":   {-100, HookPrerouting},
	"filter":   {0, ""},
	"security": {50, ""},
	"srcnat":   {100, HookPostrouting},
}

// Bridge-family symbolic priorities use a different scale and add "out".
var bridgePriorities = map[string]struct {
	value int32
	hook  Hook
}{
	"dstnat": {-300, HookPrerouting},
	"filter": {-200, ""},
	"out":    {100, HookOutput},
	"srcnat": {300, HookPostrouting},
}

// Resolve computes the effective integer priority for a chain in the given
// family at the given hook.
func (p Priority) Resolve(family Family, hook Hook) (int32, error) {
	if p.IsZero() {
		return 0, fmt.Errorf("priority is not set")
	}
	if v, err := strconv.ParseInt(p.spec, 10, 32); err == nil {
		return int32(v), nil
	}

	name, offset, err := splitPriority(p.spec)
	if err != nil {
		return 0, err
	}

	var value int32
	var hookScope Hook
	if family == FamilyBridge {
		ent, ok := bridgePriorities[name]
		if !ok {
			return 0, fmt.Errorf("priority name %q is not defined for the bridge family", name)
		}
		value, hookScope = ent.value, ent.hook
	} else {
		ent, ok := stdPriorities[name]
		if !ok {
			return 0, fmt.Errorf("unknown priority name %q", name)
		}
		value, hookScope = ent.value, ent.hook
	}
	if hookScope != "" && hook != hookScope {
		return 0, fmt.Errorf("priority name %q is only valid at the %s hook, chain hooks at %s", name, hookScope, hook)
	}

	sum := int64(value) + int64(offset)
	if sum < math.MinInt32 || sum > math.MaxInt32 {
		return 0, fmt.Errorf("priority %q overflows", p.spec)
	}
	return int32(sum), nil
}

// splitPriority separates "name", "name+n" and "name-n".
func splitPriority(spec string) (string, int32, error) {
	idx := strings.IndexAny(spec, "+-")
	if idx <= 0 {
		return spec, 0, nil
	}
	name := spec[:idx]
	off, err := strconv.ParseInt(spec[idx:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("bad priority offset in %q: %v", spec, err)
	}
	return name, int32(off), nil
}

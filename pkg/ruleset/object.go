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

// Counter is a named counter object. The kernel tracks bytes and packets;
// the manifest only declares the name.
type Counter struct {
	Name string `yaml:"name"`
}

// Quota is a named quota object. Over inverts the semantics: the quota
// matches once consumption exceeds Bytes instead of until.
type Quota struct {
	Name  string `yaml:"name"`
	Bytes uint64 `yaml:"bytes"`
	Over  bool   `yaml:"over,omitempty"`
}

// Flowtable offloads established flows to the ingress hook of the listed
// devices. Families ip, ip6 and inet only; needs kernel 4.16.
type Flowtable struct {
	Name     string   `yaml:"name"`
	Priority int32    `yaml:"priority,omitempty"`
	Devices  []string `yaml:"devices"`
}

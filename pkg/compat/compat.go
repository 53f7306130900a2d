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

// Package compat maps nftkit features onto the kernel versions that
// introduced them, so that a manifest using a feature the running kernel
// lacks fails with a named error instead of an opaque netlink EINVAL.
package compat

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Feature is a kernel-gated capability a manifest may require.
type Feature string

const (
	// FeatureBaseline is the stabilized nftables API: tables, chains,
	// rules, sets, atomic batches and rule userdata.
	FeatureBaseline Feature = "nftables"
	// FeatureGenQuery is the ruleset generation counter query.
	FeatureGenQuery Feature = "generation query"
	// FeatureTraceEvents is nftrace ring delivery over netlink.
	FeatureTraceEvents Feature = "trace events"
	// FeatureNamedObjects covers named counters and quotas.
	FeatureNamedObjects Feature = "named objects"
	// FeatureFlowtables is ingress flow offload.
	FeatureFlowtables Feature = "flowtables"
)

// Version is a kernel release, major.minor.
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// AtLeast reports whether v is o or newer.
func (v Version) AtLeast(o Version) bool {
	if v.Major != o.Major {
		return v.Major > o.Major
	}
	return v.Minor >= o.Minor
}

// minKernel records when each feature landed upstream.
var minKernel = map[Feature]Version{
	FeatureBaseline:     {3, 18},
	FeatureGenQuery:     {4, 2},
	FeatureTraceEvents:  {4, 4},
	FeatureNamedObjects: {4, 10},
	FeatureFlowtables:   {4, 16},
}

// Features lists every gated feature in gate order.
var Features = []Feature{
	FeatureBaseline,
	FeatureGenQuery,
	FeatureTraceEvents,
	FeatureNamedObjects,
	FeatureFlowtables,
}

// UnsupportedError reports a feature the running kernel predates.
type UnsupportedError struct {
	Feature Feature
	Min     Version
	Have    Version
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s needs kernel %s or newer, running %s", e.Feature, e.Min, e.Have)
}

// ParseKernelVersion reads major.minor out of a uname release string,
// tolerating -rcN and distribution suffixes ("6.1.0-13-amd64").
func ParseKernelVersion(release string) (Version, error) {
	fields := strings.SplitN(release, ".", 3)
	if len(fields) < 2 {
		return Version{}, fmt.Errorf("unparseable kernel release %q", release)
	}
	major, err := strconv.Atoi(fields[0])
	if err != nil {
		return Version{}, fmt.Errorf("unparseable kernel release %q", release)
	}
	minor := fields[1]
	if i := strings.IndexFunc(minor, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
		minor = minor[:i]
	}
	if minor == "" {
		return Version{}, fmt.Errorf("unparseable kernel release %q", release)
	}
	m, err := strconv.Atoi(minor)
	if err != nil {
		return Version{}, fmt.Errorf("unparseable kernel release %q", release)
	}
	return Version{Major: major, Minor: m}, nil
}

// KernelVersion reports the running kernel's release.
func KernelVersion() (Version, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return Version{}, fmt.Errorf("uname: %w", err)
	}
	release := unix.ByteSliceToString(uts.Release[:])
	return ParseKernelVersion(release)
}

// Check gates f against an explicit kernel version.
func Check(have Version, f Feature) error {
	min, ok := minKernel[f]
	if !ok {
		return fmt.Errorf("unknown feature %q", f)
	}
	if !have.AtLeast(min) {
		return &UnsupportedError{Feature: f, Min: min, Have: have}
	}
	return nil
}

// Probe gates f against the running kernel.
func Probe(f Feature) error {
	have, err := KernelVersion()
	if err != nil {
		return err
	}
	return Check(have, f)
}

// Status is one row of the capability table.
type Status struct {
	Feature Feature
	Min     Version
	OK      bool
}

// Capabilities evaluates every gate against the running kernel.
func Capabilities() ([]Status, error) {
	have, err := KernelVersion()
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(Features))
	for _, f := range Features {
		out = append(out, Status{Feature: f, Min: minKernel[f], OK: Check(have, f) == nil})
	}
	return out, nil
}

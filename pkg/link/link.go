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

// Package link answers questions about network devices that a manifest
// references, so that flowtable mistakes surface before the kernel sees
// the batch.
package link

import (
	"errors"
	"fmt"

	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
	"go.uber.org/multierr"

	"github.com/netfilterworks/nftkit/pkg/netlinksafe"
	"github.com/netfilterworks/nftkit/pkg/ruleset"
)

// ResolveIndex returns the interface index of a device.
func ResolveIndex(name string) (int, error) {
	l, err := netlinksafe.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("looking up device %q: %w", name, err)
	}
	return l.Attrs().Index, nil
}

// Exists reports whether a device is present.
func Exists(name string) (bool, error) {
	_, err := netlinksafe.LinkByName(name)
	if err == nil {
		return true, nil
	}
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("looking up device %q: %w", name, err)
}

// ValidateConfig checks that every device the manifest's flowtables list
// is present, reporting all missing ones at once.
func ValidateConfig(cfg *ruleset.Config) error {
	var errs error
	for _, t := range cfg.Tables {
		for _, ft := range t.Flowtables {
			for _, dev := range ft.Devices {
				ok, err := Exists(dev)
				if err != nil {
					return err
				}
				if !ok {
					errs = multierr.Append(errs, fmt.Errorf(
						"table %s/%s: flowtable %q: device %q does not exist", t.Family, t.Name, ft.Name, dev))
				}
			}
		}
	}
	return errs
}

// CanOffload reports whether a device advertises hardware flow offload.
// Flowtables work without it; offload just stays in software.
func CanOffload(name string) (bool, error) {
	et, err := ethtool.NewEthtool()
	if err != nil {
		return false, fmt.Errorf("opening ethtool socket: %w", err)
	}
	defer et.Close()

	features, err := et.Features(name)
	if err != nil {
		return false, fmt.Errorf("reading features of %q: %w", name, err)
	}
	return features["hw-tc-offload"], nil
}

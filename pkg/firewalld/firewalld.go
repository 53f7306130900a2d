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

// Package firewalld detects a running firewalld. Firewalld manages its own
// nftables ruleset and reloads it at will, so coexisting tools should warn
// their operators when it is active.
package firewalld

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	dbusName               = "org.freedesktop.DBus"
	dbusPath               = "/org/freedesktop/DBus"
	dbusGetNameOwnerMethod = ".GetNameOwner"

	firewalldName = "org.fedoraproject.FirewallD1"
)

// IsRunning checks whether firewalld owns its well-known bus name.
func IsRunning(conn *dbus.Conn) bool {
	dbusObj := conn.Object(dbusName, dbusPath)
	var res string
	if err := dbusObj.Call(dbusName+dbusGetNameOwnerMethod, 0, firewalldName).Store(&res); err != nil {
		return false
	}
	return true
}

// Detect connects to the system bus and reports whether firewalld is
// running. No system bus means no firewalld.
func Detect() (bool, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false, fmt.Errorf("connecting to the system bus: %w", err)
	}
	return IsRunning(conn), nil
}

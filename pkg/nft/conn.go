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

// Package nft programs the kernel from a ruleset.Config. It owns the
// netlink connection, the atomic two-transaction apply, pruning, listing
// and drift verification, and ships an in-memory Fake for tests and
// offline rendering.
package nft

import (
	"fmt"

	"github.com/google/nftables"
	"github.com/vishvananda/netns"
)

// Conn is the slice of the wrapped library's connection that this package
// uses. *nftables.Conn satisfies it; so does *Fake. Mutations are queued
// and committed as one atomic batch by Flush; reads go to the kernel
// immediately.
type Conn interface {
	ListTables() ([]*nftables.Table, error)
	AddTable(*nftables.Table) *nftables.Table
	DelTable(*nftables.Table)

	ListChains() ([]*nftables.Chain, error)
	AddChain(*nftables.Chain) *nftables.Chain
	DelChain(*nftables.Chain)
	FlushChain(*nftables.Chain)

	GetRules(*nftables.Table, *nftables.Chain) ([]*nftables.Rule, error)
	AddRule(*nftables.Rule) *nftables.Rule
	DelRule(*nftables.Rule) error

	GetSets(*nftables.Table) ([]*nftables.Set, error)
	GetSetElements(*nftables.Set) ([]nftables.SetElement, error)
	AddSet(*nftables.Set, []nftables.SetElement) error
	DelSet(*nftables.Set)
	FlushSet(*nftables.Set)
	SetAddElements(*nftables.Set, []nftables.SetElement) error

	GetObj(nftables.Obj) ([]nftables.Obj, error)
	GetObjReset(nftables.Obj) ([]nftables.Obj, error)
	AddObj(nftables.Obj) nftables.Obj
	DeleteObject(nftables.Obj)

	ListFlowtables(*nftables.Table) ([]*nftables.Flowtable, error)
	AddFlowtable(*nftables.Flowtable) *nftables.Flowtable
	DelFlowtable(*nftables.Flowtable)

	Flush() error
}

type dialConfig struct {
	netnsPath string
	lasting   bool
}

// Option configures System.
type Option func(*dialConfig)

// WithNetNS makes the connection operate inside the network namespace
// mounted at path (e.g. /run/netns/blue).
func WithNetNS(path string) Option {
	return func(c *dialConfig) { c.netnsPath = path }
}

// WithLasting keeps one netlink socket open across batches instead of
// dialing per Flush. Callers that apply repeatedly want this.
func WithLasting() Option {
	return func(c *dialConfig) { c.lasting = true }
}

// SystemConn couples a kernel connection with the resources it holds.
type SystemConn struct {
	*nftables.Conn

	ns      netns.NsHandle
	lasting bool
}

// System dials the kernel's nftables subsystem.
func System(opts ...Option) (*SystemConn, error) {
	var cfg dialConfig
	for _, o := range opts {
		o(&cfg)
	}

	sc := &SystemConn{ns: -1, lasting: cfg.lasting}

	var connOpts []nftables.ConnOption
	if cfg.netnsPath != "" {
		ns, err := netns.GetFromPath(cfg.netnsPath)
		if err != nil {
			return nil, fmt.Errorf("opening netns %s: %w", cfg.netnsPath, err)
		}
		sc.ns = ns
		connOpts = append(connOpts, nftables.WithNetNSFd(int(ns)))
	}
	if cfg.lasting {
		connOpts = append(connOpts, nftables.AsLasting())
	}

	conn, err := nftables.New(connOpts...)
	if err != nil {
		if sc.ns >= 0 {
			sc.ns.Close()
		}
		return nil, fmt.Errorf("dialing nftables: %w", err)
	}
	sc.Conn = conn
	return sc, nil
}

// Close releases the netlink socket (for lasting connections) and the
// namespace handle.
func (c *SystemConn) Close() error {
	var err error
	if c.lasting {
		err = c.Conn.CloseLasting()
	}
	if c.ns >= 0 {
		if cerr := c.ns.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

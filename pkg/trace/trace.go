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

// Package trace streams nftables trace events. Rules carrying the trace
// statement make the kernel publish one event per hook traversal on the
// NFTRACE multicast group; a Monitor subscribes and decodes them.
package trace

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/mdlayher/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// Attributes of NFT_MSG_TRACE, from nf_tables.h.
const (
	nftaTraceTable      = 1
	nftaTraceChain      = 2
	nftaTraceRuleHandle = 3
	nftaTraceType       = 4
	nftaTraceVerdict    = 5
	nftaTraceID         = 6
	nftaTraceIIF        = 10
	nftaTraceOIF        = 12
	nftaTraceMark       = 14
	nftaTraceNFProto    = 15
	nftaTracePolicy     = 16

	nftaVerdictCode  = 1
	nftaVerdictChain = 2
)

// Trace event types.
const (
	traceTypePolicy = 1
	traceTypeReturn = 2
	traceTypeRule   = 3
)

// Event is one decoded trace event. A packet traversing several chains
// produces several events sharing an ID; correlating on it reconstructs
// the path. Lost events carry only Lost=true and mean the socket buffer
// overflowed, so the stream has a gap.
type Event struct {
	ID         uint32
	Family     uint8
	Table      string
	Chain      string
	RuleHandle uint64
	// Type is "rule", "return" or "policy".
	Type string
	// Verdict is the nft verdict name; for jump and goto, VerdictChain
	// holds the target.
	Verdict      string
	VerdictChain string
	IIF          uint32
	OIF          uint32
	Mark         uint32
	Lost         bool
}

// Option configures a Monitor.
type Option func(*options)

type options struct {
	table  string
	chain  string
	nsPath string
}

// WithTable drops events from other tables.
func WithTable(name string) Option {
	return func(o *options) { o.table = name }
}

// WithChain drops events from other chains.
func WithChain(name string) Option {
	return func(o *options) { o.chain = name }
}

// WithNetNS subscribes inside the network namespace mounted at path.
func WithNetNS(path string) Option {
	return func(o *options) { o.nsPath = path }
}

// traceConn is the slice of *netlink.Conn the reader uses.
type traceConn interface {
	Receive() ([]netlink.Message, error)
	Close() error
}

// Monitor is a live subscription to trace events. Events are delivered on
// Events until Close is called, the context given to NewMonitor is
// canceled, or the socket fails; after the channel closes, Err reports
// why.
type Monitor struct {
	conn   traceConn
	ns     netns.NsHandle
	opts   options
	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu      sync.Mutex
	err     error
	closing bool
}

// NewMonitor joins the NFTRACE group and starts decoding. Canceling ctx
// closes the monitor; callers not driving it through ctx must Close it to
// release the socket.
func NewMonitor(ctx context.Context, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		ns:     netns.None(),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(&m.opts)
	}

	cfg := &netlink.Config{}
	if m.opts.nsPath != "" {
		ns, err := netns.GetFromPath(m.opts.nsPath)
		if err != nil {
			return nil, fmt.Errorf("opening netns %s: %w", m.opts.nsPath, err)
		}
		m.ns = ns
		cfg.NetNS = int(ns)
	}

	conn, err := netlink.Dial(unix.NETLINK_NETFILTER, cfg)
	if err != nil {
		m.ns.Close()
		return nil, fmt.Errorf("dialing netfilter: %w", err)
	}
	if err := conn.JoinGroup(unix.NFNLGRP_NFTRACE); err != nil {
		conn.Close()
		m.ns.Close()
		return nil, fmt.Errorf("joining trace group: %w", err)
	}
	m.conn = conn

	go m.loop()
	go m.watch(ctx)
	return m, nil
}

// watch closes the monitor when ctx ends first.
func (m *Monitor) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		m.Close()
	case <-m.done:
	}
}

// Events is the stream. It closes when the monitor stops.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Err reports why the stream ended; nil after a clean Close.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close stops the monitor and releases the socket. It is idempotent and
// unblocks the reader even when nobody drains Events.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closing = true
		m.mu.Unlock()
		close(m.done)
		m.closeErr = m.conn.Close()
		m.ns.Close()
	})
	return m.closeErr
}

// send delivers ev unless the monitor closes first.
func (m *Monitor) send(ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Monitor) loop() {
	defer close(m.events)
	for {
		msgs, err := m.conn.Receive()
		if err != nil {
			// An overrun drops events but the socket stays usable;
			// signal the gap and keep reading.
			if errors.Is(err, unix.ENOBUFS) {
				if !m.send(Event{Lost: true}) {
					return
				}
				continue
			}
			m.mu.Lock()
			if !m.closing {
				m.err = err
			}
			m.mu.Unlock()
			return
		}
		for _, msg := range msgs {
			if msg.Header.Type != netlink.HeaderType(unix.NFNL_SUBSYS_NFTABLES<<8|unix.NFT_MSG_TRACE) {
				continue
			}
			ev, err := parseEvent(msg.Data)
			if err != nil {
				continue
			}
			if m.opts.table != "" && ev.Table != m.opts.table {
				continue
			}
			if m.opts.chain != "" && ev.Chain != m.opts.chain {
				continue
			}
			if !m.send(*ev) {
				return
			}
		}
	}
}

// parseEvent decodes an NFT_MSG_TRACE payload, nfgenmsg header included.
func parseEvent(data []byte) (*Event, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("trace message too short: %d bytes", len(data))
	}
	ev := &Event{Family: data[0]}

	ad, err := netlink.NewAttributeDecoder(data[4:])
	if err != nil {
		return nil, fmt.Errorf("decoding trace attributes: %w", err)
	}
	ad.ByteOrder = binary.BigEndian

	var traceType uint32
	for ad.Next() {
		switch ad.Type() {
		case nftaTraceTable:
			ev.Table = ad.String()
		case nftaTraceChain:
			ev.Chain = ad.String()
		case nftaTraceRuleHandle:
			ev.RuleHandle = ad.Uint64()
		case nftaTraceType:
			traceType = ad.Uint32()
		case nftaTraceVerdict:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				for nad.Next() {
					switch nad.Type() {
					case nftaVerdictCode:
						ev.Verdict = verdictName(int32(nad.Uint32()))
					case nftaVerdictChain:
						ev.VerdictChain = nad.String()
					}
				}
				return nad.Err()
			})
		case nftaTraceID:
			ev.ID = ad.Uint32()
		case nftaTraceIIF:
			ev.IIF = ad.Uint32()
		case nftaTraceOIF:
			ev.OIF = ad.Uint32()
		case nftaTraceMark:
			ev.Mark = ad.Uint32()
		case nftaTracePolicy:
			ev.Verdict = verdictName(int32(ad.Uint32()))
		}
	}
	if err := ad.Err(); err != nil {
		return nil, fmt.Errorf("decoding trace attributes: %w", err)
	}

	switch traceType {
	case traceTypeRule:
		ev.Type = "rule"
	case traceTypeReturn:
		ev.Type = "return"
	case traceTypePolicy:
		ev.Type = "policy"
	default:
		ev.Type = fmt.Sprintf("type-%d", traceType)
	}
	return ev, nil
}

// Verdict codes: the kernel's NF_* verdicts are non-negative, nftables'
// internal ones negative.
var verdictNames = map[int32]string{
	-5: "return",
	-4: "goto",
	-3: "jump",
	-2: "break",
	-1: "continue",
	0:  "drop",
	1:  "accept",
	3:  "queue",
	4:  "repeat",
}

func verdictName(code int32) string {
	if name, ok := verdictNames[code]; ok {
		return name
	}
	return fmt.Sprintf("verdict-%d", code)
}

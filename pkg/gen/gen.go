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

// Package gen reads the kernel's ruleset generation counter. The counter
// increments on every committed nftables transaction, so two reads around
// an operation tell whether anyone else changed the ruleset in between.
package gen

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// ErrUnsupported means the kernel predates the generation query (4.2).
var ErrUnsupported = errors.New("kernel does not support ruleset generation queries")

// Gen is one generation snapshot. PID and ProcName identify the process
// whose transaction produced this generation; both are zero-valued on
// kernels that do not report them.
type Gen struct {
	ID       uint32
	PID      uint32
	ProcName string
}

// Attributes of NFT_MSG_NEWGEN, from nf_tables.h.
const (
	nftaGenID       = 1
	nftaGenProcPID  = 2
	nftaGenProcName = 3
)

// Query dials a netfilter socket, reads the current generation and closes
// the socket again.
func Query() (*Gen, error) {
	c, err := netlink.Dial(unix.NETLINK_NETFILTER, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing netfilter: %w", err)
	}
	defer c.Close()
	return query(c)
}

func query(c *netlink.Conn) (*Gen, error) {
	req := netlink.Message{
		Header: netlink.Header{
			Type:  netlink.HeaderType(unix.NFNL_SUBSYS_NFTABLES<<8 | unix.NFT_MSG_GETGEN),
			Flags: netlink.Request,
		},
		// nfgenmsg: family, version, resource id.
		Data: []byte{unix.AF_UNSPEC, unix.NFNETLINK_V0, 0, 0},
	}
	msgs, err := c.Execute(req)
	if err != nil {
		if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EINVAL) {
			return nil, ErrUnsupported
		}
		return nil, fmt.Errorf("querying generation: %w", err)
	}
	for _, m := range msgs {
		if m.Header.Type != netlink.HeaderType(unix.NFNL_SUBSYS_NFTABLES<<8|unix.NFT_MSG_NEWGEN) {
			continue
		}
		return parseGen(m.Data)
	}
	return nil, fmt.Errorf("no generation message in reply")
}

// parseGen decodes an NFT_MSG_NEWGEN payload, nfgenmsg header included.
// nftables attribute values are big-endian.
func parseGen(data []byte) (*Gen, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("generation message too short: %d bytes", len(data))
	}
	ad, err := netlink.NewAttributeDecoder(data[4:])
	if err != nil {
		return nil, fmt.Errorf("decoding generation attributes: %w", err)
	}
	ad.ByteOrder = binary.BigEndian

	g := &Gen{}
	for ad.Next() {
		switch ad.Type() {
		case nftaGenID:
			g.ID = ad.Uint32()
		case nftaGenProcPID:
			g.PID = ad.Uint32()
		case nftaGenProcName:
			g.ProcName = ad.String()
		}
	}
	if err := ad.Err(); err != nil {
		return nil, fmt.Errorf("decoding generation attributes: %w", err)
	}
	return g, nil
}

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
	"bytes"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
)

// KeyType is a set key datatype, spelled the way nft spells it.
type KeyType string

const (
	KeyIPv4Addr    KeyType = "ipv4_addr"
	KeyIPv6Addr    KeyType = "ipv6_addr"
	KeyEtherAddr   KeyType = "ether_addr"
	KeyInetProto   KeyType = "inet_proto"
	KeyInetService KeyType = "inet_service"
	KeyMark        KeyType = "mark"
	KeyIFName      KeyType = "ifname"
)

var keyDatatypes = map[KeyType]nftables.SetDatatype{
	KeyIPv4Addr:    nftables.TypeIPAddr,
	KeyIPv6Addr:    nftables.TypeIP6Addr,
	KeyEtherAddr:   nftables.TypeEtherAddr,
	KeyInetProto:   nftables.TypeInetProto,
	KeyInetService: nftables.TypeInetService,
	KeyMark:        nftables.TypeMark,
	KeyIFName:      nftables.TypeIFName,
}

// Datatype maps the key type onto the wrapped library's datatype.
func (k KeyType) Datatype() (nftables.SetDatatype, error) {
	dt, ok := keyDatatypes[k]
	if !ok {
		return nftables.TypeInvalid, fmt.Errorf("unknown set key type %q", k)
	}
	return dt, nil
}

// Set is a named set. Interval sets hold ranges ("10.0.0.0/24",
// "1000-2000"); plain sets hold single values. Constant sets cannot be
// changed once bound.
type Set struct {
	Name     string   `yaml:"name"`
	KeyType  KeyType  `yaml:"key-type"`
	Constant bool     `yaml:"constant,omitempty"`
	Interval bool     `yaml:"interval,omitempty"`
	Elements []string `yaml:"elements,omitempty"`
}

// ParseElements encodes the element strings for the kernel. Interval sets
// produce start/end boundary pairs with exclusive ends, sorted and checked
// for overlap; a range reaching the key space maximum omits its end
// boundary.
func (s *Set) ParseElements() ([]nftables.SetElement, error) {
	if s.Interval {
		return s.parseIntervalElements()
	}

	seen := make(map[string]bool, len(s.Elements))
	elems := make([]nftables.SetElement, 0, len(s.Elements))
	for _, raw := range s.Elements {
		key, err := encodeSetKey(s.KeyType, strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("element %q: %w", raw, err)
		}
		k := string(key)
		if seen[k] {
			return nil, fmt.Errorf("element %q is listed twice", raw)
		}
		seen[k] = true
		elems = append(elems, nftables.SetElement{Key: key})
	}
	return elems, nil
}

type boundary struct {
	start, end []byte // end exclusive; nil end means open
	src        string
}

func (s *Set) parseIntervalElements() ([]nftables.SetElement, error) {
	switch s.KeyType {
	case KeyIPv4Addr, KeyIPv6Addr, KeyInetService:
	default:
		return nil, fmt.Errorf("key type %s does not support intervals", s.KeyType)
	}

	bounds := make([]boundary, 0, len(s.Elements))
	for _, raw := range s.Elements {
		b, err := parseInterval(s.KeyType, strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("element %q: %w", raw, err)
		}
		bounds = append(bounds, b)
	}

	sort.Slice(bounds, func(i, j int) bool {
		return bytes.Compare(bounds[i].start, bounds[j].start) < 0
	})
	for i := 1; i < len(bounds); i++ {
		prev := bounds[i-1]
		if prev.end == nil || bytes.Compare(prev.end, bounds[i].start) > 0 {
			return nil, fmt.Errorf("elements %q and %q overlap", prev.src, bounds[i].src)
		}
	}

	var elems []nftables.SetElement
	for _, b := range bounds {
		elems = append(elems, nftables.SetElement{Key: b.start})
		if b.end != nil {
			elems = append(elems, nftables.SetElement{Key: b.end, IntervalEnd: true})
		}
	}
	return elems, nil
}

func parseInterval(kt KeyType, raw string) (boundary, error) {
	switch kt {
	case KeyInetService:
		lo, hi, err := parsePortRange(raw)
		if err != nil {
			return boundary{}, err
		}
		b := boundary{start: binaryutil.BigEndian.PutUint16(lo), src: raw}
		if hi < 0xffff {
			b.end = binaryutil.BigEndian.PutUint16(hi + 1)
		}
		return b, nil

	case KeyIPv4Addr, KeyIPv6Addr:
		var start, last net.IP
		if strings.Contains(raw, "/") {
			_, ipnet, err := net.ParseCIDR(raw)
			if err != nil {
				return boundary{}, err
			}
			start = ipnet.IP
			last = lastAddr(ipnet)
		} else if lo, hi, ok := strings.Cut(raw, "-"); ok {
			start = net.ParseIP(strings.TrimSpace(lo))
			last = net.ParseIP(strings.TrimSpace(hi))
			if start == nil || last == nil {
				return boundary{}, fmt.Errorf("bad address range")
			}
		} else {
			start = net.ParseIP(raw)
			last = start
			if start == nil {
				return boundary{}, fmt.Errorf("bad address")
			}
		}
		sk, err := addrKey(kt, start)
		if err != nil {
			return boundary{}, err
		}
		lk, err := addrKey(kt, last)
		if err != nil {
			return boundary{}, err
		}
		if bytes.Compare(lk, sk) < 0 {
			return boundary{}, fmt.Errorf("range is inverted")
		}
		b := boundary{start: sk, src: raw}
		if end, carry := incBytes(lk); !carry {
			b.end = end
		}
		return b, nil
	}
	return boundary{}, fmt.Errorf("key type %s does not support intervals", kt)
}

func encodeSetKey(kt KeyType, raw string) ([]byte, error) {
	switch kt {
	case KeyIPv4Addr, KeyIPv6Addr:
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("not an IP address")
		}
		return addrKey(kt, ip)
	case KeyEtherAddr:
		hw, err := net.ParseMAC(raw)
		if err != nil {
			return nil, err
		}
		if len(hw) != 6 {
			return nil, fmt.Errorf("not a 48-bit address")
		}
		return hw, nil
	case KeyInetProto:
		if num, ok := protoNames[raw]; ok {
			return []byte{num}, nil
		}
		v, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("unknown protocol")
		}
		return []byte{uint8(v)}, nil
	case KeyInetService:
		p, err := parsePort(raw)
		if err != nil {
			return nil, err
		}
		return binaryutil.BigEndian.PutUint16(p), nil
	case KeyMark:
		v, err := strconv.ParseUint(raw, 0, 32)
		if err != nil {
			return nil, err
		}
		return binaryutil.NativeEndian.PutUint32(uint32(v)), nil
	case KeyIFName:
		if raw == "" || len(raw) >= 16 {
			return nil, fmt.Errorf("not an interface name")
		}
		return ifname(raw), nil
	}
	return nil, fmt.Errorf("unknown set key type %q", kt)
}

func addrKey(kt KeyType, ip net.IP) ([]byte, error) {
	if kt == KeyIPv4Addr {
		v4 := ip.To4()
		if v4 == nil {
			return nil, fmt.Errorf("%s is not IPv4", ip)
		}
		return v4, nil
	}
	if ip.To4() != nil {
		return nil, fmt.Errorf("%s is not IPv6", ip)
	}
	return ip.To16(), nil
}

// lastAddr is the highest address inside the prefix.
func lastAddr(ipnet *net.IPNet) net.IP {
	last := make(net.IP, len(ipnet.IP))
	for i := range ipnet.IP {
		last[i] = ipnet.IP[i] | ^ipnet.Mask[i]
	}
	return last
}

// incBytes returns b+1 as a fresh slice; carry is set when b was all-ones.
func incBytes(b []byte) ([]byte, bool) {
	out := make([]byte, len(b))
	copy(out, b)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			return out, false
		}
	}
	return out, true
}

// ifname null-pads an interface name to the kernel's 16-byte field.
func ifname(name string) []byte {
	b := make([]byte, 16)
	copy(b, name)
	return b
}

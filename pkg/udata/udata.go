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

// Package udata encodes and decodes the nftables userdata area attached to
// rules and other objects. The area is a sequence of type-length-value
// records with one-byte type and length fields, as used by the kernel and
// the nft userspace tool. The only record type interpreted by tooling today
// is the rule comment.
package udata

import (
	"errors"
	"fmt"
)

// TLV record types understood by nft.
const (
	TypeComment        uint8 = 0
	TypeEbtablesPolicy uint8 = 1
)

// MaxValueLen is the largest value a single record can carry; the length
// field is one byte.
const MaxValueLen = 0xff

// ErrTruncated reports a userdata area that ends in the middle of a record.
var ErrTruncated = errors.New("userdata: truncated record")

// AppendTLV appends one record to buf and returns the extended buffer.
func AppendTLV(buf []byte, typ uint8, value []byte) ([]byte, error) {
	if len(value) > MaxValueLen {
		return nil, fmt.Errorf("userdata: value of type %d is %d bytes, limit is %d", typ, len(value), MaxValueLen)
	}
	buf = append(buf, typ, uint8(len(value)))
	return append(buf, value...), nil
}

// Comment encodes s as a comment record. The kernel stores comments
// NUL-terminated, so one byte of the record is spent on the terminator.
func Comment(s string) ([]byte, error) {
	if len(s)+1 > MaxValueLen {
		return nil, fmt.Errorf("userdata: comment is %d bytes, limit is %d", len(s), MaxValueLen-1)
	}
	return AppendTLV(nil, TypeComment, append([]byte(s), 0))
}

// ParseComment scans the userdata area for a comment record and returns its
// string value. Unknown record types are skipped. A missing trailing NUL is
// tolerated since not every writer adds one.
func ParseComment(b []byte) (string, bool) {
	var comment string
	found := false
	_ = Walk(b, func(typ uint8, value []byte) bool {
		if typ != TypeComment {
			return true
		}
		if n := len(value); n > 0 && value[n-1] == 0 {
			value = value[:n-1]
		}
		comment = string(value)
		found = true
		return false
	})
	return comment, found
}

// Walk calls fn for each record in order. fn returning false stops the walk
// early. A record whose declared length runs past the end of the buffer
// yields ErrTruncated.
func Walk(b []byte, fn func(typ uint8, value []byte) bool) error {
	for len(b) > 0 {
		if len(b) < 2 {
			return ErrTruncated
		}
		typ, n := b[0], int(b[1])
		b = b[2:]
		if len(b) < n {
			return ErrTruncated
		}
		if !fn(typ, b[:n]) {
			return nil
		}
		b = b[n:]
	}
	return nil
}

// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bus

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// A Region names a region of memory owned by the process with rank
// Rank. Transports that cannot address remote memory directly use
// Regions as their tokens: the owner serves the region's contents on
// request.
type Region struct {
	Rank int
	ID   uint64
}

func (r Region) String() string {
	return fmt.Sprintf("region %d/%d", r.Rank, r.ID)
}

// MarshalRegion returns the wire representation of a Region token. It
// returns an errors.Invalid error if tok is not a Region.
func MarshalRegion(tok Token) ([]byte, error) {
	r, ok := tok.(Region)
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bus: unsupported token type %T", tok))
	}
	b := protowire.AppendVarint(nil, uint64(r.Rank))
	return protowire.AppendVarint(b, r.ID), nil
}

// UnmarshalRegion decodes a Region token from its wire
// representation.
func UnmarshalRegion(b []byte) (Token, error) {
	rank, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, errors.E(errors.Invalid, "bus: malformed region", protowire.ParseError(n))
	}
	id, m := protowire.ConsumeVarint(b[n:])
	if m < 0 || n+m != len(b) {
		return nil, errors.E(errors.Invalid, "bus: malformed region")
	}
	return Region{Rank: int(rank), ID: id}, nil
}

// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bus

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers. Messages are encoded in the protocol buffer wire
// format so that peers built from different revisions can skip
// fields they do not know.
const (
	fieldDst          protowire.Number = 1
	fieldSrc          protowire.Number = 2
	fieldKind         protowire.Number = 3
	fieldChannelValue protowire.Number = 4
	fieldChannelDst   protowire.Number = 5
	fieldSeq          protowire.Number = 6
	fieldToken        protowire.Number = 7
	fieldPayload      protowire.Number = 8
)

// MarshalBinary encodes the message for the wire. The local Token is
// not encoded: senders must first serialize it into TokenData.
func (m *Message) MarshalBinary() ([]byte, error) {
	return m.AppendBinary(nil), nil
}

// AppendBinary appends the wire encoding of the message to b.
func (m *Message) AppendBinary(b []byte) []byte {
	b = appendVarint(b, fieldDst, uint64(m.Dst))
	b = appendVarint(b, fieldSrc, uint64(m.Src))
	b = appendVarint(b, fieldKind, uint64(m.Kind))
	if m.Kind == Data {
		b = appendVarint(b, fieldChannelValue, uint64(m.Channel.Value))
		b = appendVarint(b, fieldChannelDst, uint64(m.Channel.Dst))
		b = appendVarint(b, fieldSeq, uint64(m.Seq))
	}
	if len(m.TokenData) > 0 {
		b = protowire.AppendTag(b, fieldToken, protowire.BytesType)
		b = protowire.AppendBytes(b, m.TokenData)
	}
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// UnmarshalBinary decodes a message from its wire encoding. Unknown
// fields are skipped. Decoded byte fields do not alias b.
func (m *Message) UnmarshalBinary(b []byte) error {
	*m = Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType && num <= fieldSeq:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return malformed(protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldDst:
				m.Dst = ActorID(v)
			case fieldSrc:
				m.Src = ActorID(v)
			case fieldKind:
				m.Kind = Kind(v)
			case fieldChannelValue:
				m.Channel.Value = int64(v)
			case fieldChannelDst:
				m.Channel.Dst = ActorID(v)
			case fieldSeq:
				m.Seq = int64(v)
			}
		case typ == protowire.BytesType && (num == fieldToken || num == fieldPayload):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return malformed(protowire.ParseError(n))
			}
			b = b[n:]
			v = append([]byte(nil), v...)
			if num == fieldToken {
				m.TokenData = v
			} else {
				m.Payload = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return malformed(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if m.Kind != Control && m.Kind != Data {
		return errors.E(errors.Invalid, fmt.Sprintf("bus: invalid message kind %d", m.Kind))
	}
	return nil
}

func malformed(err error) error {
	return errors.E(errors.Invalid, "bus: malformed message", err)
}

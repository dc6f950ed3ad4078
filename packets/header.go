// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import "fmt"

const headerFormat = "type: %s dup: %t qos: %d retain: %t"

// FixedHeader is the decoded form of the type/flags byte.
type FixedHeader struct {
	PacketType PacketType
	Dup        bool
	QoS        byte
	Retain     bool
}

func (fh FixedHeader) String() string {
	return fmt.Sprintf(headerFormat, fh.PacketType, fh.Dup, fh.QoS, fh.Retain)
}

// Byte packs the header into the first byte of a packet.
func (fh FixedHeader) Byte() byte {
	var dup, retain byte
	if fh.Dup {
		dup = 1
	}
	if fh.Retain {
		retain = 1
	}
	return byte(fh.PacketType)<<4 | dup<<3 | (fh.QoS&0x03)<<1 | retain
}

// DecodeFixedHeader unpacks a type/flags byte.
func DecodeFixedHeader(b byte) FixedHeader {
	return FixedHeader{
		PacketType: TypeOf(b),
		Dup:        (b>>3)&0x01 > 0,
		QoS:        (b >> 1) & 0x03,
		Retain:     b&0x01 > 0,
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

// NewPingReq builds a PINGREQ: a fixed header with zero remaining length.
func NewPingReq() *Packet {
	return headerOnly(PingReq)
}

func headerOnly(t PacketType) *Packet {
	return &Packet{
		Header:          FixedHeader{PacketType: t}.Byte(),
		RemainingLength: []byte{0x00},
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"github.com/absmach/mqttlite/codec"
)

// Accept answers CONNECT with a CONNACK carrying code, QoS 1 PUBLISH with a
// matching PUBACK and PINGREQ with PINGRESP.
func Accept(code byte) Responder {
	return func(pkt []byte) [][]byte {
		switch pkt[0] >> 4 {
		case 1:
			return [][]byte{ConnAck(code)}
		case 3:
			if id, ok := PublishID(pkt); ok {
				return [][]byte{PubAck(id)}
			}
		case 12:
			return [][]byte{{0xD0, 0x00}}
		}
		return nil
	}
}

// Silent never replies.
func Silent() Responder {
	return func([]byte) [][]byte { return nil }
}

// ConnAck returns a CONNACK with the given return code.
func ConnAck(code byte) []byte {
	return []byte{0x20, 0x02, 0x00, code}
}

// PubAck returns a PUBACK for id.
func PubAck(id uint16) []byte {
	return []byte{0x40, 0x02, byte(id >> 8), byte(id)}
}

// PublishID returns the packet identifier of a QoS 1 or 2 PUBLISH.
func PublishID(pkt []byte) (uint16, bool) {
	if len(pkt) == 0 || (pkt[0]>>1)&0x03 == 0 {
		return 0, false
	}
	return PacketID(pkt)
}

// PacketID returns the identifier a PUBLISH carries whatever its QoS.
func PacketID(pkt []byte) (uint16, bool) {
	if len(pkt) < 2 || pkt[0]>>4 != 3 {
		return 0, false
	}
	_, n, err := codec.DecodeRemainingLength(pkt[1:])
	if err != nil {
		return 0, false
	}
	off := 1 + n
	_, sn, err := codec.ExtractString(pkt, off)
	if err != nil {
		return 0, false
	}
	id, err := codec.Uint16(pkt, off+sn)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package packets builds outbound MQTT 3.1 control packets and classifies
// inbound ones.
package packets

// Protocol constants carried by every CONNECT.
const (
	ProtocolName  = "MQIsdp"
	ProtocolLevel = 0x03 // MQTT 3.1
)

// PacketType is the control packet type held in the high nibble of byte 0.
type PacketType byte

// Packet types modelled by this client. Invalid is the zero value and stands
// for anything unrecognized, including an absent reply.
const (
	Invalid    PacketType = 0
	Connect    PacketType = 1
	ConnAck    PacketType = 2
	Publish    PacketType = 3
	PubAck     PacketType = 4
	PubRec     PacketType = 5
	PubRel     PacketType = 6
	PubComp    PacketType = 7
	PingReq    PacketType = 12
	PingResp   PacketType = 13
	Disconnect PacketType = 14
)

var packetNames = map[PacketType]string{
	Connect:    "CONNECT",
	ConnAck:    "CONNACK",
	Publish:    "PUBLISH",
	PubAck:     "PUBACK",
	PubRec:     "PUBREC",
	PubRel:     "PUBREL",
	PubComp:    "PUBCOMP",
	PingReq:    "PINGREQ",
	PingResp:   "PINGRESP",
	Disconnect: "DISCONNECT",
}

// TypeOf classifies a type/flags byte. Unknown nibbles yield Invalid.
func TypeOf(b byte) PacketType {
	t := PacketType(b >> 4)
	if !t.Valid() {
		return Invalid
	}
	return t
}

// Valid reports whether t is one of the modelled packet types.
func (t PacketType) Valid() bool {
	_, ok := packetNames[t]
	return ok
}

func (t PacketType) String() string {
	if name, ok := packetNames[t]; ok {
		return name
	}
	return "INVALID"
}

// Reply returns the packet type a broker answers t with, or Invalid when
// the broker sends nothing back.
func (t PacketType) Reply() PacketType {
	switch t {
	case Connect:
		return ConnAck
	case Publish:
		return PubAck
	case PingReq:
		return PingResp
	default:
		return Invalid
	}
}

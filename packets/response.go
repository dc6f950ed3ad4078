// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"fmt"

	"github.com/absmach/mqttlite/codec"
)

// Response is a classified inbound packet. Only the fields that belong to
// Type are set.
type Response struct {
	FixedHeader
	RemainingLength int

	// CONNACK
	ReturnCode ConnAckCode

	// PUBACK, PUBREC, PUBREL, PUBCOMP, and PUBLISH at QoS > 0
	PacketID uint16

	// PUBLISH
	Topic   string
	Payload []byte
}

func (r Response) String() string {
	switch r.PacketType {
	case ConnAck:
		return fmt.Sprintf("%s\nReturnCode: %d (%s)\n", r.FixedHeader, r.ReturnCode, r.ReturnCode)
	case PubAck, PubRec, PubRel, PubComp:
		return fmt.Sprintf("%s\nPacketID: %d\n", r.FixedHeader, r.PacketID)
	case Publish:
		return fmt.Sprintf("%s\nTopic: %s\nPacketID: %d\nPayload: %d bytes\n", r.FixedHeader, r.Topic, r.PacketID, len(r.Payload))
	default:
		return fmt.Sprintf("%s\n", r.FixedHeader)
	}
}

// Parse classifies data by the high nibble of its first byte and extracts the
// type-specific fields.
//
// Empty data is what a transport delivers on reply timeout; it yields an
// Invalid response and no error. An unrecognized type yields Invalid and
// ErrInvalidPacket. The remaining length is decoded with the same
// variable-length rule the encoder uses, so field offsets are correct for
// multi-byte lengths too.
func Parse(data []byte) (Response, error) {
	if len(data) == 0 {
		return Response{}, nil
	}

	fh := DecodeFixedHeader(data[0])
	if fh.PacketType == Invalid {
		return Response{}, fmt.Errorf("%w: 0x%02X", ErrInvalidPacket, data[0]>>4)
	}
	resp := Response{FixedHeader: fh}

	rl, n, err := codec.DecodeRemainingLength(data[1:])
	if err != nil {
		return resp, err
	}
	resp.RemainingLength = rl
	body := data[1+n:]
	if len(body) < rl {
		return resp, ErrMalformedField
	}
	body = body[:rl]

	switch fh.PacketType {
	case ConnAck:
		// byte 0 holds reserved/ack flags, byte 1 the return code
		if len(body) < 2 {
			return resp, ErrMalformedField
		}
		resp.ReturnCode = ConnAckCode(body[1])
	case PubAck, PubRec, PubRel, PubComp:
		if resp.PacketID, err = codec.Uint16(body, 0); err != nil {
			return resp, err
		}
	case Publish:
		topic, off, err := codec.ExtractString(body, 0)
		if err != nil {
			return resp, err
		}
		resp.Topic = topic
		if fh.QoS > 0 {
			if resp.PacketID, err = codec.Uint16(body, off); err != nil {
				return resp, err
			}
			off += 2
		}
		resp.Payload = body[off:]
	}
	return resp, nil
}

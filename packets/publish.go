// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"github.com/absmach/mqttlite/codec"
	"github.com/absmach/mqttlite/session"
)

// NewPublish builds a PUBLISH packet. DUP and RETAIN come from the session,
// QoS must be 0 or 1. The packet identifier is always written, at every QoS.
// The message is carried raw, without a length prefix.
func NewPublish(s *session.Options, topic string, message []byte, qos byte) (*Packet, error) {
	if qos > 1 {
		return nil, ErrUnsupportedQoS
	}
	if topic == "" {
		return nil, ErrMissingTopic
	}
	if !codec.StringFits(topic) {
		return nil, ErrFieldTooLong
	}

	fh := FixedHeader{
		PacketType: Publish,
		Dup:        s.Dup,
		QoS:        qos,
		Retain:     s.Retain,
	}

	id := s.PacketID()
	vh := make([]byte, 0, len(topic)+4)
	vh = codec.AppendString(vh, topic)
	vh = codec.AppendUint16(vh, id)

	p, err := newPacket(fh.Byte(), vh, message)
	if err != nil {
		return nil, err
	}
	p.ID = id
	return p, nil
}

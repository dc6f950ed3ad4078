// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"github.com/absmach/mqttlite/codec"
	"github.com/absmach/mqttlite/session"
)

// Connect flag bits.
const (
	flagUsername     = 1 << 7
	flagPassword     = 1 << 6
	flagWillRetain   = 1 << 5
	flagWill         = 1 << 2
	flagCleanSession = 1 << 1
	willQoSShift     = 3
)

// NewConnect builds a CONNECT packet from the session options.
// Missing fields required by an active flag abort the build before any bytes
// are produced.
func NewConnect(s *session.Options) (*Packet, error) {
	if err := validateConnect(s); err != nil {
		return nil, err
	}

	var flags byte
	if s.UsernameFlag {
		flags |= flagUsername
	}
	if s.PasswordFlag {
		flags |= flagPassword
	}
	if s.WillFlag {
		flags |= flagWill
		flags |= (s.Will.QoS & 0x03) << willQoSShift
		if s.Will.Retain {
			flags |= flagWillRetain
		}
	}
	if s.CleanSession {
		flags |= flagCleanSession
	}

	vh := make([]byte, 0, 2+len(ProtocolName)+4)
	vh = codec.AppendString(vh, ProtocolName)
	vh = append(vh, ProtocolLevel, flags)
	vh = codec.AppendUint16(vh, s.KeepAlive)

	payload := codec.AppendString(make([]byte, 0, connectPayloadSize(s)), s.ClientID)
	if s.WillFlag {
		payload = codec.AppendString(payload, s.Will.Topic)
		payload = codec.AppendString(payload, s.Will.Message)
	}
	if s.UsernameFlag {
		payload = codec.AppendString(payload, s.Username)
	}
	if s.PasswordFlag {
		payload = codec.AppendString(payload, s.Password)
	}

	p, err := newPacket(FixedHeader{PacketType: Connect}.Byte(), vh, payload)
	if err != nil {
		return nil, err
	}
	p.ID = s.PacketID()
	return p, nil
}

func validateConnect(s *session.Options) error {
	switch {
	case s.ClientID == "":
		return ErrMissingClientID
	case s.WillFlag && s.Will.Topic == "":
		return ErrMissingWillTopic
	case s.WillFlag && s.Will.Message == "":
		return ErrMissingWillMessage
	case s.UsernameFlag && s.Username == "":
		return ErrMissingUsername
	case s.PasswordFlag && s.Password == "":
		return ErrMissingPassword
	}
	if s.WillFlag && s.Will.QoS > 2 {
		return ErrUnsupportedQoS
	}
	for _, f := range []string{s.ClientID, s.Will.Topic, s.Will.Message, s.Username, s.Password} {
		if !codec.StringFits(f) {
			return ErrFieldTooLong
		}
	}
	return nil
}

func connectPayloadSize(s *session.Options) int {
	n := 2 + len(s.ClientID)
	if s.WillFlag {
		n += 4 + len(s.Will.Topic) + len(s.Will.Message)
	}
	if s.UsernameFlag {
		n += 2 + len(s.Username)
	}
	if s.PasswordFlag {
		n += 2 + len(s.Password)
	}
	return n
}

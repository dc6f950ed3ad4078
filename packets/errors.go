// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"errors"
	"fmt"

	"github.com/absmach/mqttlite/codec"
)

// Packet construction and parsing errors.
var (
	// ErrConfiguration is the parent of every missing-field error.
	ErrConfiguration = errors.New("configuration error")

	ErrMissingClientID    = fmt.Errorf("%w: missing client identifier", ErrConfiguration)
	ErrMissingWillTopic   = fmt.Errorf("%w: will flag set without will topic", ErrConfiguration)
	ErrMissingWillMessage = fmt.Errorf("%w: will flag set without will message", ErrConfiguration)
	ErrMissingUsername    = fmt.Errorf("%w: username flag set without username", ErrConfiguration)
	ErrMissingPassword    = fmt.Errorf("%w: password flag set without password", ErrConfiguration)
	ErrMissingTopic       = fmt.Errorf("%w: empty topic", ErrConfiguration)
	ErrFieldTooLong       = fmt.Errorf("%w: field exceeds 65535 bytes", ErrConfiguration)

	ErrUnsupportedQoS = errors.New("unsupported QoS level (must be 0 or 1)")
	ErrBufferTooSmall = errors.New("packet exceeds maximum packet size")
	ErrInvalidPacket  = errors.New("invalid packet type")

	// ErrMalformedField is returned when a field runs past the end of a packet.
	ErrMalformedField = codec.ErrMalformedField
)

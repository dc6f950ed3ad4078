// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

// ConnAckCode represents MQTT 3.1 CONNACK return codes.
type ConnAckCode byte

// CONNACK return codes.
const (
	ConnAccepted           ConnAckCode = 0x00
	ConnRefusedProtocol    ConnAckCode = 0x01
	ConnRefusedIDRejected  ConnAckCode = 0x02
	ConnRefusedUnavailable ConnAckCode = 0x03
	ConnRefusedBadAuth     ConnAckCode = 0x04
	ConnRefusedNotAuth     ConnAckCode = 0x05
)

// String returns a human-readable description of the CONNACK code.
func (c ConnAckCode) String() string {
	switch c {
	case ConnAccepted:
		return "connection accepted"
	case ConnRefusedProtocol:
		return "unacceptable protocol version"
	case ConnRefusedIDRejected:
		return "client identifier rejected"
	case ConnRefusedUnavailable:
		return "server unavailable"
	case ConnRefusedBadAuth:
		return "bad username or password"
	case ConnRefusedNotAuth:
		return "not authorized"
	default:
		return "unknown error"
	}
}

// Error implements the error interface.
func (c ConnAckCode) Error() string {
	return c.String()
}

// Accepted reports whether the broker accepted the connection.
func (c ConnAckCode) Accepted() bool {
	return c == ConnAccepted
}

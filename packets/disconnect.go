// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

// NewDisconnect builds a DISCONNECT packet.
func NewDisconnect() *Packet {
	return headerOnly(Disconnect)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Configuration errors.
	ErrNilSession   = errors.New("session options are required")
	ErrNilTransport = errors.New("transport is required")
	ErrInvalidSize  = errors.New("max packet size cannot be negative")

	// State errors.
	ErrNotOpen          = errors.New("client not open")
	ErrAlreadyOpen      = errors.New("client already resolved or open")
	ErrExchangeInFlight = errors.New("another exchange is awaiting its reply")
	ErrClientClosed     = errors.New("client has been closed")

	// Operation errors.
	ErrReplyTimeout = errors.New("no reply within the reply timeout")
	ErrRateLimited  = errors.New("publish rate limit exceeded")

	// Protocol errors.
	ErrUnexpectedPacket = errors.New("unexpected packet")
)

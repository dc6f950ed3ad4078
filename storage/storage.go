// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store is closed")
)

// State is the part of a session that survives process restarts, so a device
// that reboots between publishes keeps counting packet identifiers where it
// stopped.
type State struct {
	ClientID  string    `json:"client_id"`
	PacketID  uint16    `json:"packet_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists session state by client identifier.
type Store interface {
	// Load returns the stored state or ErrNotFound.
	Load(ctx context.Context, clientID string) (*State, error)

	// Save stores state, replacing any previous value.
	Save(ctx context.Context, state *State) error

	// Delete removes the state of a client. Deleting a missing client is not an error.
	Delete(ctx context.Context, clientID string) error

	// Close releases resources.
	Close() error
}

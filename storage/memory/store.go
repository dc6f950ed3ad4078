// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/mqttlite/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is an in-memory storage.Store.
type Store struct {
	mu     sync.RWMutex
	states map[string]storage.State
	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		states: make(map[string]storage.State),
	}
}

func (s *Store) Load(ctx context.Context, clientID string) (*storage.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	st, ok := s.states[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &st, nil
}

func (s *Store) Save(ctx context.Context, state *storage.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	s.states[state.ClientID] = *state
	return nil
}

func (s *Store) Delete(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	delete(s.states, clientID)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.states = make(map[string]storage.State)
	return nil
}

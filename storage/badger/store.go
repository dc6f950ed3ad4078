// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/mqttlite/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

const keyPrefix = "session:"

// Store implements storage.Store using BadgerDB.
//
// Key format: session:{clientID}.
type Store struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string        // Directory for BadgerDB data
	InMemory   bool          // Keep everything in memory, Dir is ignored
	SyncWrites bool          // fsync on every write
	GCInterval time.Duration // Value log GC period, 0 disables GC
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Disable BadgerDB's internal logging
	// A lost identifier after power loss means a reused packet ID, so sync
	// writes are left to the caller.
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.runGC(cfg.GCInterval)
	} else {
		close(s.gcDone)
	}

	return s, nil
}

func (s *Store) Load(ctx context.Context, clientID string) (*storage.State, error) {
	var st *storage.State

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(clientID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}

		return item.Value(func(val []byte) error {
			st = &storage.State{}
			return json.Unmarshal(val, st)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrDBClosed) {
			return nil, storage.ErrClosed
		}
		return nil, err
	}

	return st, nil
}

func (s *Store) Save(ctx context.Context, state *storage.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(state.ClientID), data)
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return storage.ErrClosed
	}
	return err
}

func (s *Store) Delete(ctx context.Context, clientID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(clientID))
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return storage.ErrClosed
	}
	return err
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to reclaim.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

func key(clientID string) []byte {
	return []byte(keyPrefix + clientID)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrBreakerOpen is returned while the breaker rejects calls.
var ErrBreakerOpen = errors.New("broker circuit breaker open")

var _ Transport = (*Breaker)(nil)

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open before a trial call.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker wraps a Transport and fails fast once the broker has been
// unreachable for FailureThreshold consecutive Resolve, Open or Send calls.
// It never retries.
type Breaker struct {
	next Transport
	cb   *gobreaker.CircuitBreaker

	mu       sync.RWMutex
	handlers Handlers
}

// NewBreaker wraps next with a circuit breaker named name.
func NewBreaker(name string, next Transport, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		IsSuccessful: func(err error) bool {
			return err == nil || isLocal(err)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("broker circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Breaker{next: next, cb: cb}
}

// State returns the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) SetHandlers(h Handlers) {
	b.mu.Lock()
	b.handlers = h
	b.mu.Unlock()
	b.next.SetHandlers(h)
}

func (b *Breaker) getHandlers() Handlers {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handlers
}

func (b *Breaker) Resolve(ctx context.Context) error {
	err := b.execute(func() error { return b.next.Resolve(ctx) })
	if errors.Is(err, ErrBreakerOpen) {
		if h := b.getHandlers(); h.OnResolve != nil {
			h.OnResolve(netip.Addr{}, err)
		}
	}
	return err
}

func (b *Breaker) Open(ctx context.Context) error {
	err := b.execute(func() error { return b.next.Open(ctx) })
	if errors.Is(err, ErrBreakerOpen) {
		if h := b.getHandlers(); h.OnConnect != nil {
			h.OnConnect(err)
		}
	}
	return err
}

func (b *Breaker) Send(buf []byte, expectReply bool) error {
	return b.execute(func() error { return b.next.Send(buf, expectReply) })
}

func (b *Breaker) Close() error {
	return b.next.Close()
}

func (b *Breaker) execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrBreakerOpen, err)
	}
	return err
}

// isLocal reports errors caused by the caller rather than the broker.
func isLocal(err error) bool {
	for _, e := range []error{ErrPacketTooLarge, ErrEmptyPacket, ErrNotConnected, ErrNotResolved, ErrAlreadyOpen, ErrClosed} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

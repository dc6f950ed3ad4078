// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/absmach/mqttlite/codec"
)

// endpoint holds what TCP and WebSocket transports share: configuration,
// handlers, the resolved address and the reply timer.
type endpoint struct {
	cfg      Config
	logger   *slog.Logger
	resolver *net.Resolver

	mu       sync.RWMutex
	handlers Handlers
	addr     netip.Addr
	closed   bool

	reply *replyTimer
}

func newEndpoint(cfg Config) *endpoint {
	cfg = cfg.withDefaults()
	e := &endpoint{
		cfg:      cfg,
		logger:   cfg.Logger,
		resolver: newResolver(cfg.DNSServers),
	}
	e.reply = newReplyTimer(cfg.ReplyTimeout, func() {
		e.logger.Debug("reply_timeout", slog.Duration("timeout", cfg.ReplyTimeout))
		e.receive(nil)
	})
	return e
}

func (e *endpoint) SetHandlers(h Handlers) {
	e.mu.Lock()
	e.handlers = h
	e.mu.Unlock()
}

func (e *endpoint) getHandlers() Handlers {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers
}

func (e *endpoint) Resolve(ctx context.Context) error {
	addr, err := resolve(ctx, e.resolver, e.cfg)
	if err == nil {
		e.mu.Lock()
		e.addr = addr
		e.mu.Unlock()
		e.logger.Debug("broker_resolved",
			slog.String("host", e.cfg.serverName()),
			slog.String("addr", addr.String()))
	}

	if h := e.getHandlers(); h.OnResolve != nil {
		h.OnResolve(addr, err)
	}
	return err
}

// dialAddr returns the resolved ip:port to dial.
func (e *endpoint) dialAddr() (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.addr.IsValid() {
		return "", ErrNotResolved
	}
	return netip.AddrPortFrom(e.addr, e.cfg.Port).String(), nil
}

func (e *endpoint) connected(err error) {
	if h := e.getHandlers(); h.OnConnect != nil {
		h.OnConnect(err)
	}
}

func (e *endpoint) sent(n int) {
	if h := e.getHandlers(); h.OnSent != nil {
		h.OnSent(n)
	}
}

func (e *endpoint) receive(data []byte) {
	if h := e.getHandlers(); h.OnReceive != nil {
		h.OnReceive(data)
	}
}

// deliver hands an inbound packet over, cancelling any pending reply timeout.
func (e *endpoint) deliver(pkt []byte) {
	e.reply.disarm()
	e.logger.Debug("packet_received",
		slog.String("type", fmt.Sprintf("0x%02X", pkt[0])),
		slog.Int("len", len(pkt)))
	e.receive(pkt)
}

// lost is called when the read side fails. An exchange waiting for a reply
// completes as a timeout right away instead of after the full reply timeout.
func (e *endpoint) lost(err error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return
	}

	e.logger.Warn("connection_lost", slog.String("error", err.Error()))
	if e.reply.disarm() {
		e.receive(nil)
	}
}

func (e *endpoint) checkSize(n int) error {
	if n == 0 {
		return ErrEmptyPacket
	}
	if e.cfg.BufferSize > 0 && n > e.cfg.BufferSize {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, n, e.cfg.BufferSize)
	}
	return nil
}

// readPacket reads one complete MQTT packet: fixed header byte, remaining
// length and body.
func (e *endpoint) readPacket(r *bufio.Reader) ([]byte, error) {
	header, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	length, err := codec.ReadRemainingLength(r)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	size := 1 + codec.RemainingLengthSize(length) + length
	if err := e.checkSize(size); err != nil {
		return nil, err
	}

	pkt := make([]byte, 0, size)
	pkt = append(pkt, header)
	pkt, _ = codec.AppendRemainingLength(pkt, length)
	body := pkt[len(pkt):size]
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return pkt[:size], nil
}

// replyTimer delivers a timeout when no packet arrives within timeout of the
// last arm. Re-arming or disarming invalidates earlier timers.
type replyTimer struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	gen     uint64
	armed   bool
	fire    func()
}

func newReplyTimer(timeout time.Duration, fire func()) *replyTimer {
	return &replyTimer{timeout: timeout, fire: fire}
}

func (t *replyTimer) arm() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	t.armed = true
	gen := t.gen
	t.timer = time.AfterFunc(t.timeout, func() {
		t.mu.Lock()
		if !t.armed || t.gen != gen {
			t.mu.Unlock()
			return
		}
		t.armed = false
		t.mu.Unlock()
		t.fire()
	})
}

// disarm reports whether a timer was pending.
func (t *replyTimer) disarm() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	was := t.armed
	t.armed = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return was
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"net/netip"
	"sync"

	"github.com/absmach/mqttlite/transport"
)

var _ transport.Transport = (*Transport)(nil)

// Transport is an in-memory transport.Transport that records sent packets.
// Replies are injected with Deliver, or produced by Reply.
type Transport struct {
	// Errors returned by the matching operation when set.
	ResolveErr error
	OpenErr    error
	SendErr    error

	// Addr is reported to OnResolve. Defaults to 127.0.0.1.
	Addr netip.Addr

	// Reply, when set, is called with every sent packet. A non-nil result
	// is delivered from a new goroutine.
	Reply func(pkt []byte) []byte

	mu       sync.Mutex
	handlers transport.Handlers
	sent     [][]byte
	expects  []bool
	resolved bool
	opened   bool
	closed   int
}

// NewTransport returns a fake transport.
func NewTransport() *Transport {
	return &Transport{Addr: netip.AddrFrom4([4]byte{127, 0, 0, 1})}
}

func (t *Transport) SetHandlers(h transport.Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

func (t *Transport) getHandlers() transport.Handlers {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers
}

func (t *Transport) Resolve(ctx context.Context) error {
	t.mu.Lock()
	err := t.ResolveErr
	t.resolved = err == nil
	t.mu.Unlock()

	addr := t.Addr
	if err != nil {
		addr = netip.Addr{}
	}
	if h := t.getHandlers(); h.OnResolve != nil {
		h.OnResolve(addr, err)
	}
	return err
}

func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	err := t.OpenErr
	if err == nil && !t.resolved {
		err = transport.ErrNotResolved
	}
	t.opened = err == nil
	t.mu.Unlock()

	if h := t.getHandlers(); h.OnConnect != nil {
		h.OnConnect(err)
	}
	return err
}

func (t *Transport) Send(buf []byte, expectReply bool) error {
	t.mu.Lock()
	switch {
	case t.SendErr != nil:
		err := t.SendErr
		t.mu.Unlock()
		return err
	case !t.opened:
		t.mu.Unlock()
		return transport.ErrNotConnected
	}
	pkt := append([]byte(nil), buf...)
	t.sent = append(t.sent, pkt)
	t.expects = append(t.expects, expectReply)
	reply := t.Reply
	h := t.handlers
	t.mu.Unlock()

	if h.OnSent != nil {
		h.OnSent(len(pkt))
	}
	if reply != nil {
		if resp := reply(pkt); resp != nil {
			go t.Deliver(resp)
		}
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed++
	t.opened = false
	t.mu.Unlock()
	return nil
}

// Deliver hands data to OnReceive as if it came from the broker.
func (t *Transport) Deliver(data []byte) {
	if h := t.getHandlers(); h.OnReceive != nil {
		h.OnReceive(data)
	}
}

// Timeout reports a reply timeout.
func (t *Transport) Timeout() {
	t.Deliver(nil)
}

// Sent returns copies of all packets passed to Send.
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

// ExpectedReplies reports, per sent packet, whether the sender asked for a
// reply timer.
func (t *Transport) ExpectedReplies() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.expects...)
}

// Closed returns how many times Close was called.
func (t *Transport) Closed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

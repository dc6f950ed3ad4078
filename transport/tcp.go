// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"

	"golang.org/x/net/proxy"
)

var _ Transport = (*TCP)(nil)

// TCP is a Transport over a TCP stream, optionally wrapped in TLS and
// optionally dialed through a SOCKS5 proxy.
type TCP struct {
	*endpoint

	writeMu sync.Mutex
	conn    net.Conn
	done    chan struct{}
}

// NewTCP creates a TCP transport.
func NewTCP(cfg Config) *TCP {
	return &TCP{endpoint: newEndpoint(cfg)}
}

func (t *TCP) Open(ctx context.Context) error {
	conn, done, err := t.open(ctx)
	t.connected(err)
	if err != nil {
		return err
	}

	t.logger.Info("tcp_connected",
		slog.String("broker", t.cfg.hostPort()),
		slog.String("remote_addr", conn.RemoteAddr().String()),
		slog.Bool("tls", t.cfg.TLSConfig != nil))

	go t.readLoop(conn, done)
	return nil
}

func (t *TCP) open(ctx context.Context) (net.Conn, chan struct{}, error) {
	addr, err := t.dialAddr()
	if err != nil {
		return nil, nil, err
	}

	t.mu.RLock()
	closed, open := t.closed, t.conn != nil
	t.mu.RUnlock()
	if closed {
		return nil, nil, ErrClosed
	}
	if open {
		return nil, nil, ErrAlreadyOpen
	}

	conn, err := dial(ctx, t.cfg, addr)
	if err != nil {
		return nil, nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		conn.Close()
		return nil, nil, ErrClosed
	}
	t.conn = conn
	t.done = make(chan struct{})
	return conn, t.done, nil
}

// dial connects to addr, through the SOCKS5 proxy when configured, and
// performs the TLS handshake when TLS is configured.
func dial(ctx context.Context, cfg Config, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	d, err := contextDialer(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if cfg.TLSConfig == nil {
		return conn, nil
	}

	tlsCfg := cfg.TLSConfig.Clone()
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = cfg.serverName()
	}
	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with %s failed: %w", addr, err)
	}
	return tlsConn, nil
}

func contextDialer(cfg Config) (proxy.ContextDialer, error) {
	direct := &net.Dialer{Timeout: cfg.DialTimeout}
	if cfg.SOCKS5Proxy == "" {
		return direct, nil
	}

	u, err := url.Parse(cfg.SOCKS5Proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid socks5 proxy url: %w", err)
	}
	if u.Scheme == "" {
		u, err = url.Parse("socks5://" + cfg.SOCKS5Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid socks5 proxy url: %w", err)
		}
	}

	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create socks5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, ErrUnsupportedProxy
	}
	return cd, nil
}

func (t *TCP) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)

	r := bufio.NewReaderSize(conn, 1024)
	for {
		pkt, err := t.readPacket(r)
		if err != nil {
			t.drop(conn)
			t.lost(err)
			return
		}
		t.deliver(pkt)
	}
}

// drop forgets conn once its read side has failed, so later sends fail
// with ErrNotConnected and Open may dial again.
func (t *TCP) drop(conn net.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	conn.Close()
}

func (t *TCP) Send(buf []byte, expectReply bool) error {
	if err := t.checkSize(len(buf)); err != nil {
		return err
	}

	t.mu.RLock()
	conn, closed := t.conn, t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	// Armed before writing so a fast reply cannot beat the timer.
	if expectReply {
		t.reply.arm()
	}

	t.writeMu.Lock()
	n, err := conn.Write(buf)
	t.writeMu.Unlock()
	if err != nil {
		if expectReply {
			t.reply.disarm()
		}
		return fmt.Errorf("failed to write packet: %w", err)
	}

	t.logger.Debug("packet_sent",
		slog.String("type", fmt.Sprintf("0x%02X", buf[0])),
		slog.Int("len", n))
	t.sent(n)
	return nil
}

func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn, done := t.conn, t.done
	t.mu.Unlock()

	t.reply.disarm()
	if conn == nil {
		return nil
	}

	err := conn.Close()
	<-done
	t.logger.Debug("tcp_closed", slog.String("broker", t.cfg.hostPort()))
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

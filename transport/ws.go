// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

var _ Transport = (*WebSocket)(nil)

// WebSocket is a Transport carrying MQTT in binary WebSocket messages.
type WebSocket struct {
	*endpoint

	writeMu sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
}

// NewWebSocket creates a WebSocket transport. TLSConfig switches the scheme
// to wss.
func NewWebSocket(cfg Config) *WebSocket {
	return &WebSocket{endpoint: newEndpoint(cfg)}
}

func (w *WebSocket) url() string {
	u := url.URL{Scheme: "ws", Host: w.cfg.hostPort(), Path: w.cfg.Path}
	if w.cfg.TLSConfig != nil {
		u.Scheme = "wss"
	}
	return u.String()
}

func (w *WebSocket) Open(ctx context.Context) error {
	conn, done, err := w.open(ctx)
	w.connected(err)
	if err != nil {
		return err
	}

	w.logger.Info("websocket_connected",
		slog.String("url", w.url()),
		slog.String("subprotocol", conn.Subprotocol()))

	go w.readLoop(conn, done)
	return nil
}

func (w *WebSocket) open(ctx context.Context) (*websocket.Conn, chan struct{}, error) {
	addr, err := w.dialAddr()
	if err != nil {
		return nil, nil, err
	}

	w.mu.RLock()
	closed, open := w.closed, w.conn != nil
	w.mu.RUnlock()
	if closed {
		return nil, nil, ErrClosed
	}
	if open {
		return nil, nil, ErrAlreadyOpen
	}

	nd, err := contextDialer(w.cfg)
	if err != nil {
		return nil, nil, err
	}

	dialer := websocket.Dialer{
		// The URL keeps the hostname for the Host header and TLS, the
		// connection goes to the resolved address.
		NetDialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return nd.DialContext(ctx, network, addr)
		},
		TLSClientConfig:  w.cfg.TLSConfig,
		HandshakeTimeout: w.cfg.DialTimeout,
		Subprotocols:     []string{WSSubprotocol},
	}
	if w.cfg.BufferSize > 0 {
		dialer.ReadBufferSize = w.cfg.BufferSize
		dialer.WriteBufferSize = w.cfg.BufferSize
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, w.url(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("websocket dial %s failed: %w", w.url(), err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		conn.Close()
		return nil, nil, ErrClosed
	}
	w.conn = conn
	w.done = make(chan struct{})
	return conn, w.done, nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	r := bufio.NewReader(&messageReader{conn: conn, logger: w.logger})
	for {
		pkt, err := w.readPacket(r)
		if err != nil {
			w.drop(conn)
			w.lost(err)
			return
		}
		w.deliver(pkt)
	}
}

// drop forgets conn once its read side has failed, so later sends fail
// with ErrNotConnected and Open may dial again.
func (w *WebSocket) drop(conn *websocket.Conn) {
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
	conn.Close()
}

func (w *WebSocket) Send(buf []byte, expectReply bool) error {
	if err := w.checkSize(len(buf)); err != nil {
		return err
	}

	w.mu.RLock()
	conn, closed := w.conn, w.closed
	w.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	if expectReply {
		w.reply.arm()
	}

	w.writeMu.Lock()
	err := conn.WriteMessage(websocket.BinaryMessage, buf)
	w.writeMu.Unlock()
	if err != nil {
		if expectReply {
			w.reply.disarm()
		}
		return fmt.Errorf("failed to write packet: %w", err)
	}

	w.logger.Debug("packet_sent",
		slog.String("type", fmt.Sprintf("0x%02X", buf[0])),
		slog.Int("len", len(buf)))
	w.sent(len(buf))
	return nil
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn, done := w.conn, w.done
	w.mu.Unlock()

	w.reply.disarm()
	if conn == nil {
		return nil
	}

	w.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	w.writeMu.Unlock()

	err := conn.Close()
	<-done
	w.logger.Debug("websocket_closed", slog.String("url", w.url()))
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// messageReader turns a sequence of binary WebSocket messages into one byte
// stream, so a packet may span messages and a message may hold several packets.
type messageReader struct {
	conn   *websocket.Conn
	logger *slog.Logger
	cur    io.Reader
}

func (m *messageReader) Read(p []byte) (int, error) {
	for {
		if m.cur == nil {
			mt, r, err := m.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				m.logger.Warn("websocket_non_binary_message_ignored", slog.Int("type", mt))
				continue
			}
			m.cur = r
		}

		n, err := m.cur.Read(p)
		if errors.Is(err, io.EOF) {
			m.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mqttlite/codec"
	"github.com/gorilla/websocket"
)

// Responder returns the packets a broker writes back for one received
// packet. Nil means no reply.
type Responder func(pkt []byte) [][]byte

// Broker is a scripted loopback MQTT broker speaking just enough of the
// protocol to exercise a client.
type Broker struct {
	respond Responder

	mu       sync.Mutex
	received [][]byte
	notify   chan struct{}

	addr   netip.AddrPort
	closer func()
	wg     sync.WaitGroup
}

func newBroker(respond Responder) *Broker {
	if respond == nil {
		respond = Accept(0)
	}
	return &Broker{respond: respond, notify: make(chan struct{}, 1)}
}

// NewTCPBroker starts a broker on a random loopback TCP port. It is stopped
// when the test ends.
func NewTCPBroker(t testing.TB, respond Responder) *Broker {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	b := newBroker(respond)
	b.addr = ln.Addr().(*net.TCPAddr).AddrPort()

	var connMu sync.Mutex
	var conns []net.Conn
	b.closer = func() {
		ln.Close()
		connMu.Lock()
		for _, c := range conns {
			c.Close()
		}
		connMu.Unlock()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			connMu.Lock()
			conns = append(conns, conn)
			connMu.Unlock()

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				defer conn.Close()
				b.serve(bufio.NewReader(conn), func(p []byte) error {
					_, err := conn.Write(p)
					return err
				})
			}()
		}
	}()

	t.Cleanup(b.Close)
	return b
}

// NewWSBroker starts a broker serving MQTT over WebSocket on path, accepting
// the mqttv3.1 subprotocol.
func NewWSBroker(t testing.TB, path string, respond Responder) *Broker {
	t.Helper()

	b := newBroker(respond)
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"mqttv3.1"},
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	var connMu sync.Mutex
	var conns []*websocket.Conn

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connMu.Lock()
		conns = append(conns, ws)
		connMu.Unlock()
		defer ws.Close()

		b.wg.Add(1)
		defer b.wg.Done()
		b.serve(bufio.NewReader(&wsReader{conn: ws}), func(p []byte) error {
			return ws.WriteMessage(websocket.BinaryMessage, p)
		})
	})

	srv := httptest.NewServer(mux)
	b.addr = srv.Listener.Addr().(*net.TCPAddr).AddrPort()
	b.closer = func() {
		connMu.Lock()
		for _, c := range conns {
			c.Close()
		}
		connMu.Unlock()
		srv.Close()
	}

	t.Cleanup(b.Close)
	return b
}

func (b *Broker) serve(r *bufio.Reader, write func([]byte) error) {
	for {
		pkt, err := ReadPacket(r)
		if err != nil {
			return
		}

		b.mu.Lock()
		b.received = append(b.received, pkt)
		b.mu.Unlock()
		select {
		case b.notify <- struct{}{}:
		default:
		}

		for _, out := range b.respond(pkt) {
			if err := write(out); err != nil {
				return
			}
		}
	}
}

// Host returns the broker IP.
func (b *Broker) Host() string {
	return b.addr.Addr().String()
}

// Port returns the broker port.
func (b *Broker) Port() uint16 {
	return b.addr.Port()
}

// Received returns every packet the broker has read so far.
func (b *Broker) Received() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, len(b.received))
	copy(out, b.received)
	return out
}

// WaitReceived waits until at least n packets have arrived.
func (b *Broker) WaitReceived(n int, timeout time.Duration) ([][]byte, error) {
	deadline := time.After(timeout)
	for {
		if got := b.Received(); len(got) >= n {
			return got, nil
		}
		select {
		case <-b.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return b.Received(), errors.New("timed out waiting for packets")
		}
	}
}

// Close stops the broker and drops its connections.
func (b *Broker) Close() {
	if b.closer != nil {
		b.closer()
		b.closer = nil
	}
	b.wg.Wait()
}

// ReadPacket reads one complete MQTT packet.
func ReadPacket(r *bufio.Reader) ([]byte, error) {
	header, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	n, err := codec.ReadRemainingLength(r)
	if err != nil {
		return nil, err
	}

	pkt := []byte{header}
	pkt, err = codec.AppendRemainingLength(pkt, n)
	if err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return append(pkt, body...), nil
}

type wsReader struct {
	conn *websocket.Conn
	cur  io.Reader
}

func (w *wsReader) Read(p []byte) (int, error) {
	for {
		if w.cur == nil {
			_, r, err := w.conn.NextReader()
			if err != nil {
				return 0, err
			}
			w.cur = r
		}
		n, err := w.cur.Read(p)
		if errors.Is(err, io.EOF) {
			w.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

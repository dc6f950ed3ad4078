// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport_test

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/mqttlite/testutil"
	"github.com/absmach/mqttlite/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	resolved []netip.Addr
	connects []error
	sent     []int
	received chan []byte
}

func newRecorder() *recorder {
	return &recorder{received: make(chan []byte, 16)}
}

func (r *recorder) handlers() transport.Handlers {
	return transport.Handlers{
		OnResolve: func(addr netip.Addr, err error) {
			r.mu.Lock()
			r.resolved = append(r.resolved, addr)
			r.mu.Unlock()
		},
		OnConnect: func(err error) {
			r.mu.Lock()
			r.connects = append(r.connects, err)
			r.mu.Unlock()
		},
		OnSent: func(n int) {
			r.mu.Lock()
			r.sent = append(r.sent, n)
			r.mu.Unlock()
		},
		OnReceive: func(data []byte) {
			r.received <- data
		},
	}
}

func (r *recorder) next(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-r.received:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return nil
	}
}

var connect = []byte{
	0x10, 0x12,
	0x00, 0x06, 'M', 'Q', 'I', 's', 'd', 'p', 0x03, 0x02, 0x00, 0x3C,
	0x00, 0x04, 'd', 'e', 'v', '1',
}

func openTCP(t *testing.T, b *testutil.Broker, cfg transport.Config) (*transport.TCP, *recorder) {
	t.Helper()

	cfg.IP = b.Host()
	cfg.Port = b.Port()
	tr := transport.NewTCP(cfg)
	t.Cleanup(func() { tr.Close() })

	rec := newRecorder()
	tr.SetHandlers(rec.handlers())
	require.NoError(t, tr.Resolve(context.Background()))
	require.NoError(t, tr.Open(context.Background()))
	return tr, rec
}

func TestTCP_ConnectExchange(t *testing.T) {
	b := testutil.NewTCPBroker(t, testutil.Accept(0))
	tr, rec := openTCP(t, b, transport.Config{})

	require.NoError(t, tr.Send(connect, true))
	assert.Equal(t, testutil.ConnAck(0), rec.next(t))

	got, err := b.WaitReceived(1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, connect, got[0])

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []int{len(connect)}, rec.sent)
	require.Len(t, rec.connects, 1)
	assert.NoError(t, rec.connects[0])
	require.Len(t, rec.resolved, 1)
	assert.Equal(t, b.Host(), rec.resolved[0].String())
}

func TestTCP_ReplyTimeout(t *testing.T) {
	b := testutil.NewTCPBroker(t, testutil.Silent())
	tr, rec := openTCP(t, b, transport.Config{ReplyTimeout: 50 * time.Millisecond})

	require.NoError(t, tr.Send([]byte{0xC0, 0x00}, true))
	assert.Nil(t, rec.next(t))
}

func TestTCP_ReplyCancelsTimeout(t *testing.T) {
	b := testutil.NewTCPBroker(t, testutil.Accept(0))
	tr, rec := openTCP(t, b, transport.Config{ReplyTimeout: 100 * time.Millisecond})

	require.NoError(t, tr.Send([]byte{0xC0, 0x00}, true))
	assert.Equal(t, []byte{0xD0, 0x00}, rec.next(t))

	select {
	case data := <-rec.received:
		t.Fatalf("unexpected delivery %v", data)
	case <-time.After(250 * time.Millisecond):
	}
}

func TestTCP_MultiByteLengthFraming(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	// PUBLISH QoS 0, topic "t", remaining length 2+1+2+300 = 305 = 0xB1 0x02.
	echo := append([]byte{0x30, 0xB1, 0x02, 0x00, 0x01, 't', 0x00, 0x01}, payload...)

	b := testutil.NewTCPBroker(t, func(pkt []byte) [][]byte {
		return [][]byte{echo[:10], echo[10:]}
	})
	tr, rec := openTCP(t, b, transport.Config{})

	require.NoError(t, tr.Send([]byte{0xC0, 0x00}, true))
	assert.Equal(t, echo, rec.next(t))
}

func TestTCP_BufferSize(t *testing.T) {
	b := testutil.NewTCPBroker(t, testutil.Accept(0))
	tr, _ := openTCP(t, b, transport.Config{BufferSize: 4})

	err := tr.Send(connect, true)
	assert.ErrorIs(t, err, transport.ErrPacketTooLarge)
	assert.ErrorIs(t, tr.Send(nil, true), transport.ErrEmptyPacket)
}

// oversizedThenPingResp answers the first packet with a 20-byte PUBLISH and
// every later one with PINGRESP.
func oversizedThenPingResp() testutil.Responder {
	var n atomic.Int32
	return func([]byte) [][]byte {
		if n.Add(1) == 1 {
			publish := []byte{0x30, 0x12, 0x00, 0x01, 't', 0x00, 0x01}
			return [][]byte{append(publish, make([]byte, 13)...)}
		}
		return [][]byte{{0xD0, 0x00}}
	}
}

func TestTCP_OversizedReplyDropsConnection(t *testing.T) {
	b := testutil.NewTCPBroker(t, oversizedThenPingResp())
	tr, rec := openTCP(t, b, transport.Config{BufferSize: 8, ReplyTimeout: time.Minute})

	require.NoError(t, tr.Send([]byte{0xC0, 0x00}, true))
	assert.Nil(t, rec.next(t), "exchange completes at once")

	// Nothing reads the old connection anymore, so sends fail fast.
	assert.ErrorIs(t, tr.Send([]byte{0xC0, 0x00}, true), transport.ErrNotConnected)

	require.NoError(t, tr.Open(context.Background()))
	require.NoError(t, tr.Send([]byte{0xC0, 0x00}, true))
	assert.Equal(t, []byte{0xD0, 0x00}, rec.next(t))
}

func TestTCP_NoReplyExpectedDoesNotTimeOut(t *testing.T) {
	b := testutil.NewTCPBroker(t, testutil.Silent())
	tr, rec := openTCP(t, b, transport.Config{ReplyTimeout: 30 * time.Millisecond})

	require.NoError(t, tr.Send([]byte{0x30, 0x05, 0x00, 0x01, 't', 0x00, 0x01}, false))
	select {
	case data := <-rec.received:
		t.Fatalf("unexpected delivery %v", data)
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, tr.Send([]byte{0xC0, 0x00}, true))
	assert.Nil(t, rec.next(t))
}

func TestTCP_ConnectionLostCompletesExchange(t *testing.T) {
	b := testutil.NewTCPBroker(t, testutil.Silent())
	tr, rec := openTCP(t, b, transport.Config{ReplyTimeout: time.Minute})

	require.NoError(t, tr.Send([]byte{0xC0, 0x00}, true))
	_, err := b.WaitReceived(1, time.Second)
	require.NoError(t, err)
	b.Close()

	assert.Nil(t, rec.next(t))
}

func TestTCP_Lifecycle(t *testing.T) {
	b := testutil.NewTCPBroker(t, testutil.Accept(0))

	tr := transport.NewTCP(transport.Config{IP: b.Host(), Port: b.Port()})
	rec := newRecorder()
	tr.SetHandlers(rec.handlers())

	assert.ErrorIs(t, tr.Open(context.Background()), transport.ErrNotResolved)
	assert.ErrorIs(t, tr.Send(connect, true), transport.ErrNotConnected)

	require.NoError(t, tr.Resolve(context.Background()))
	require.NoError(t, tr.Open(context.Background()))
	assert.ErrorIs(t, tr.Open(context.Background()), transport.ErrAlreadyOpen)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send(connect, true), transport.ErrClosed)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.connects, 3)
	assert.ErrorIs(t, rec.connects[0], transport.ErrNotResolved)
	assert.NoError(t, rec.connects[1])
	assert.ErrorIs(t, rec.connects[2], transport.ErrAlreadyOpen)
}

func TestTCP_DialFailure(t *testing.T) {
	b := testutil.NewTCPBroker(t, nil)
	port := b.Port()
	b.Close()

	tr := transport.NewTCP(transport.Config{IP: "127.0.0.1", Port: port, DialTimeout: time.Second})
	require.NoError(t, tr.Resolve(context.Background()))
	assert.Error(t, tr.Open(context.Background()))
}

func TestTCP_SOCKS5ProxyURL(t *testing.T) {
	tr := transport.NewTCP(transport.Config{
		IP:          "127.0.0.1",
		Port:        1883,
		SOCKS5Proxy: "http://proxy.invalid:8080",
		DialTimeout: time.Second,
	})
	require.NoError(t, tr.Resolve(context.Background()))

	// Only socks5 proxies are supported.
	assert.Error(t, tr.Open(context.Background()))
}

func TestWebSocket_ConnectExchange(t *testing.T) {
	b := testutil.NewWSBroker(t, "/mqtt", testutil.Accept(0))

	tr := transport.NewWebSocket(transport.Config{IP: b.Host(), Hostname: "localhost", Port: b.Port()})
	t.Cleanup(func() { tr.Close() })
	rec := newRecorder()
	tr.SetHandlers(rec.handlers())

	require.NoError(t, tr.Resolve(context.Background()))
	require.NoError(t, tr.Open(context.Background()))

	require.NoError(t, tr.Send(connect, true))
	assert.Equal(t, testutil.ConnAck(0), rec.next(t))

	require.NoError(t, tr.Send([]byte{0xC0, 0x00}, true))
	assert.Equal(t, []byte{0xD0, 0x00}, rec.next(t))

	got, err := b.WaitReceived(2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, connect, got[0])
	assert.Equal(t, []byte{0xC0, 0x00}, got[1])

	require.NoError(t, tr.Close())
}

func TestWebSocket_OversizedReplyDropsConnection(t *testing.T) {
	b := testutil.NewWSBroker(t, "/mqtt", oversizedThenPingResp())

	tr := transport.NewWebSocket(transport.Config{IP: b.Host(), Port: b.Port(), BufferSize: 8, ReplyTimeout: time.Minute})
	t.Cleanup(func() { tr.Close() })
	rec := newRecorder()
	tr.SetHandlers(rec.handlers())
	require.NoError(t, tr.Resolve(context.Background()))
	require.NoError(t, tr.Open(context.Background()))

	require.NoError(t, tr.Send([]byte{0xC0, 0x00}, true))
	assert.Nil(t, rec.next(t))
	assert.ErrorIs(t, tr.Send([]byte{0xC0, 0x00}, true), transport.ErrNotConnected)
}

func TestWebSocket_WrongPath(t *testing.T) {
	b := testutil.NewWSBroker(t, "/mqtt", testutil.Accept(0))

	tr := transport.NewWebSocket(transport.Config{IP: b.Host(), Port: b.Port(), Path: "/other"})
	require.NoError(t, tr.Resolve(context.Background()))
	assert.Error(t, tr.Open(context.Background()))
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, transport.Config{}.Validate())
	assert.Error(t, transport.Config{Hostname: "h", BufferSize: -1}.Validate())
	assert.NoError(t, transport.Config{Hostname: "h"}.Validate())
	assert.NoError(t, transport.Config{IP: "10.0.0.1"}.Validate())
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mqttlite/client"
	"github.com/absmach/mqttlite/packets"
	"github.com/absmach/mqttlite/ratelimit"
	"github.com/absmach/mqttlite/session"
	"github.com/absmach/mqttlite/storage"
	"github.com/absmach/mqttlite/storage/memory"
	"github.com/absmach/mqttlite/testutil"
	"github.com/absmach/mqttlite/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	req  packets.PacketType
	resp *packets.Response
	err  error
}

type replies struct {
	mu   sync.Mutex
	list []reply
	ch   chan reply
}

func newReplies() *replies {
	return &replies{ch: make(chan reply, 16)}
}

func (r *replies) handler(req packets.PacketType, resp *packets.Response, err error) {
	r.mu.Lock()
	r.list = append(r.list, reply{req, resp, err})
	r.mu.Unlock()
	r.ch <- reply{req, resp, err}
}

func (r *replies) all() []reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reply(nil), r.list...)
}

func (r *replies) next(t *testing.T) reply {
	t.Helper()
	select {
	case rep := <-r.ch:
		return rep
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return reply{}
	}
}

func newOpenClient(t *testing.T, opts *client.Options) (*client.Client, *testutil.Transport, *replies) {
	t.Helper()

	if opts == nil {
		opts = client.NewOptions()
	}
	rec := newReplies()
	opts.SetOnReply(rec.handler)

	fake := testutil.NewTransport()
	c, err := client.New(opts, session.New("dev1"), fake)
	require.NoError(t, err)
	require.NoError(t, c.Open(context.Background()))
	require.Equal(t, client.StateOpen, c.State())
	return c, fake, rec
}

func TestNew(t *testing.T) {
	fake := testutil.NewTransport()

	_, err := client.New(nil, nil, fake)
	assert.ErrorIs(t, err, client.ErrNilSession)

	_, err = client.New(nil, session.New("dev1"), nil)
	assert.ErrorIs(t, err, client.ErrNilTransport)

	_, err = client.New(client.NewOptions().SetMaxPacketSize(-1), session.New("dev1"), fake)
	assert.ErrorIs(t, err, client.ErrInvalidSize)

	c, err := client.New(nil, session.New("dev1"), fake)
	require.NoError(t, err)
	assert.Equal(t, client.StateIdle, c.State())
}

func TestConnect(t *testing.T) {
	c, fake, rec := newOpenClient(t, nil)

	require.NoError(t, c.Connect())
	assert.Equal(t, uint16(1), c.Session().PacketID())
	assert.Equal(t, client.StateAwaitingReply, c.State())

	sent := fake.Sent()
	require.Len(t, sent, 1)
	pkt := sent[0]
	assert.Equal(t, byte(0x10), pkt[0])
	vh := pkt[2:]
	assert.Equal(t, byte(0x02), vh[9], "clean session only")
	assert.Equal(t, []byte{0x00, 0x3C}, vh[10:12], "keepalive 60")

	fake.Deliver([]byte{0x20, 0x02, 0x00, 0x00})

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, packets.Connect, got[0].req)
	require.NotNil(t, got[0].resp)
	assert.Equal(t, packets.ConnAck, got[0].resp.PacketType)
	assert.NoError(t, got[0].err)
	assert.True(t, c.Connected())
	assert.Equal(t, client.StateOpen, c.State())
}

func TestConnectRefused(t *testing.T) {
	c, fake, rec := newOpenClient(t, nil)

	require.NoError(t, c.Connect())
	fake.Deliver(testutil.ConnAck(5))

	got := rec.all()
	require.Len(t, got, 1)
	var code packets.ConnAckCode
	require.True(t, errors.As(got[0].err, &code))
	assert.Equal(t, packets.ConnRefusedNotAuth, code)
	assert.False(t, c.Connected())
}

func TestConnectValidation(t *testing.T) {
	rec := newReplies()
	fake := testutil.NewTransport()
	sess := session.New("dev1")
	sess.WillFlag = true

	c, err := client.New(client.NewOptions().SetOnReply(rec.handler), sess, fake)
	require.NoError(t, err)
	require.NoError(t, c.Open(context.Background()))

	err = c.Connect()
	assert.ErrorIs(t, err, packets.ErrMissingWillTopic)
	assert.ErrorIs(t, err, packets.ErrConfiguration)
	assert.Empty(t, fake.Sent())
	assert.Equal(t, uint16(0), sess.PacketID())
	assert.Equal(t, client.StateOpen, c.State())
}

func TestPublishQoS0CompletesOnce(t *testing.T) {
	c, fake, rec := newOpenClient(t, nil)

	require.NoError(t, c.Publish("t", []byte("m"), 0))

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, packets.Publish, got[0].req)
	assert.Nil(t, got[0].resp)
	assert.NoError(t, got[0].err)
	assert.Equal(t, client.StateOpen, c.State())
	assert.Equal(t, uint16(1), c.Session().PacketID())
	assert.Equal(t, [][]byte{{0x30, 0x06, 0x00, 0x01, 't', 0x00, 0x00, 'm'}}, fake.Sent())
	assert.Equal(t, []bool{false}, fake.ExpectedReplies())

	// A late timeout with nothing pending is ignored.
	fake.Timeout()
	assert.Len(t, rec.all(), 1)
}

func TestReplyTimerOnlyWhenReplyExpected(t *testing.T) {
	c, fake, rec := newOpenClient(t, nil)

	require.NoError(t, c.Connect())
	fake.Deliver(testutil.ConnAck(0))
	require.NoError(t, c.Publish("t", []byte("m"), 0))
	require.NoError(t, c.Publish("t", []byte("m"), 1))
	fake.Deliver(testutil.PubAck(2))
	require.NoError(t, c.Ping())
	fake.Deliver([]byte{0xD0, 0x00})
	require.NoError(t, c.Disconnect())

	assert.Equal(t, []bool{true, false, true, true, false}, fake.ExpectedReplies())
	for _, r := range rec.all() {
		assert.NoError(t, r.err, r.req.String())
	}
}

func TestPublishQoS1(t *testing.T) {
	c, fake, rec := newOpenClient(t, nil)
	c.Session().SetPacketID(41)

	require.NoError(t, c.Publish("sensors/temp", []byte("21.5"), 1))
	assert.Equal(t, uint16(42), c.Session().PacketID())
	assert.Empty(t, rec.all())

	id, ok := testutil.PublishID(fake.Sent()[0])
	require.True(t, ok)
	assert.Equal(t, uint16(41), id)

	fake.Deliver(testutil.PubAck(41))

	got := rec.all()
	require.Len(t, got, 1)
	assert.NoError(t, got[0].err)
	assert.Equal(t, packets.PubAck, got[0].resp.PacketType)
	assert.Equal(t, uint16(41), got[0].resp.PacketID)
}

func TestPublishQoS1WrongPacketID(t *testing.T) {
	c, fake, rec := newOpenClient(t, nil)

	require.NoError(t, c.Publish("t", []byte("m"), 1))
	fake.Deliver(testutil.PubAck(9))

	got := rec.all()
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].err, client.ErrUnexpectedPacket)
	assert.Equal(t, client.StateOpen, c.State())
}

func TestPublishDefault(t *testing.T) {
	c, fake, rec := newOpenClient(t, nil)
	c.Session().SetQoS(1).SetRetain(true)

	require.NoError(t, c.PublishDefault("t", []byte("m")))
	assert.Equal(t, byte(0x33), fake.Sent()[0][0])
	assert.Empty(t, rec.all())
}

func TestPublishUnsupportedQoS(t *testing.T) {
	c, fake, rec := newOpenClient(t, nil)

	for _, qos := range []byte{2, 3} {
		err := c.Publish("t", []byte("m"), qos)
		assert.ErrorIs(t, err, packets.ErrUnsupportedQoS)
	}
	assert.Empty(t, fake.Sent())
	assert.Empty(t, rec.all())
	assert.Equal(t, uint16(0), c.Session().PacketID())
	assert.Equal(t, client.StateOpen, c.State())
}

func TestPacketIDOnlyAdvancesOnConnectAndPublish(t *testing.T) {
	c, fake, _ := newOpenClient(t, nil)

	require.NoError(t, c.Connect())
	fake.Deliver(testutil.ConnAck(0))
	assert.Equal(t, uint16(1), c.Session().PacketID())

	require.NoError(t, c.Publish("t", []byte("m"), 0))
	assert.Equal(t, uint16(2), c.Session().PacketID())

	require.NoError(t, c.Ping())
	fake.Deliver([]byte{0xD0, 0x00})
	assert.Equal(t, uint16(2), c.Session().PacketID())

	require.NoError(t, c.Disconnect())
	assert.Equal(t, uint16(2), c.Session().PacketID())
}

func TestPacketIDWraps(t *testing.T) {
	c, _, _ := newOpenClient(t, nil)
	c.Session().SetPacketID(65535)

	require.NoError(t, c.Publish("t", []byte("m"), 0))
	assert.Equal(t, uint16(0), c.Session().PacketID())
}

func TestExchangeInFlight(t *testing.T) {
	c, fake, rec := newOpenClient(t, nil)

	require.NoError(t, c.Connect())
	assert.ErrorIs(t, c.Publish("t", []byte("m"), 0), client.ErrExchangeInFlight)
	assert.ErrorIs(t, c.Ping(), client.ErrExchangeInFlight)
	assert.Len(t, fake.Sent(), 1)
	assert.Equal(t, uint16(1), c.Session().PacketID())

	fake.Deliver(testutil.ConnAck(0))
	require.Len(t, rec.all(), 1)

	require.NoError(t, c.Publish("t", []byte("m"), 0))
	assert.Len(t, fake.Sent(), 2)
}

func TestReplyTimeout(t *testing.T) {
	c, fake, rec := newOpenClient(t, nil)

	require.NoError(t, c.Ping())
	fake.Timeout()

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, packets.PingReq, got[0].req)
	assert.Nil(t, got[0].resp)
	assert.ErrorIs(t, got[0].err, client.ErrReplyTimeout)
	assert.Equal(t, client.StateOpen, c.State())
}

func TestUnexpectedReply(t *testing.T) {
	c, fake, rec := newOpenClient(t, nil)

	require.NoError(t, c.Ping())
	fake.Deliver(testutil.ConnAck(0))

	require.NoError(t, c.Ping())
	fake.Deliver([]byte{0xF0, 0x00})

	got := rec.all()
	require.Len(t, got, 2)
	assert.ErrorIs(t, got[0].err, client.ErrUnexpectedPacket)
	assert.Equal(t, packets.ConnAck, got[0].resp.PacketType)
	assert.ErrorIs(t, got[1].err, packets.ErrInvalidPacket)
	assert.Nil(t, got[1].resp)
}

func TestUnsolicitedPacketIgnored(t *testing.T) {
	c, fake, rec := newOpenClient(t, nil)

	fake.Deliver([]byte{0xD0, 0x00})
	assert.Empty(t, rec.all())
	assert.Equal(t, client.StateOpen, c.State())
}

func TestSendFailure(t *testing.T) {
	c, fake, rec := newOpenClient(t, nil)
	fake.SendErr = errors.New("link down")

	err := c.Publish("t", []byte("m"), 0)
	assert.ErrorIs(t, err, fake.SendErr)
	assert.Equal(t, uint16(0), c.Session().PacketID())
	assert.Empty(t, rec.all())
	assert.Equal(t, client.StateOpen, c.State())
}

func TestNotOpen(t *testing.T) {
	fake := testutil.NewTransport()
	c, err := client.New(nil, session.New("dev1"), fake)
	require.NoError(t, err)

	assert.ErrorIs(t, c.Publish("t", []byte("m"), 0), client.ErrNotOpen)
	assert.ErrorIs(t, c.Connect(), client.ErrNotOpen)
	assert.Empty(t, fake.Sent())
}

func TestResolveAndOpenErrors(t *testing.T) {
	fake := testutil.NewTransport()
	fake.ResolveErr = transport.ErrNoAddress
	c, err := client.New(nil, session.New("dev1"), fake)
	require.NoError(t, err)

	assert.ErrorIs(t, c.Open(context.Background()), transport.ErrNoAddress)
	assert.Equal(t, client.StateIdle, c.State())

	fake.ResolveErr = nil
	fake.OpenErr = errors.New("refused")
	require.NoError(t, c.Resolve(context.Background()))
	assert.ErrorIs(t, c.Open(context.Background()), fake.OpenErr)
	assert.Equal(t, client.StateResolved, c.State())

	fake.OpenErr = nil
	require.NoError(t, c.Open(context.Background()))
	assert.ErrorIs(t, c.Open(context.Background()), client.ErrAlreadyOpen)
	assert.ErrorIs(t, c.Resolve(context.Background()), client.ErrAlreadyOpen)
}

func TestMaxPacketSize(t *testing.T) {
	c, fake, _ := newOpenClient(t, client.NewOptions().SetMaxPacketSize(16))

	err := c.Publish("t", make([]byte, 64), 0)
	assert.ErrorIs(t, err, packets.ErrBufferTooSmall)
	assert.Empty(t, fake.Sent())
	assert.Equal(t, uint16(0), c.Session().PacketID())

	require.NoError(t, c.Publish("t", []byte("m"), 0))
}

func TestRateLimited(t *testing.T) {
	l := ratelimit.New(ratelimit.Config{Enabled: true, Rate: 0.001, Burst: 1})
	defer l.Stop()
	c, fake, _ := newOpenClient(t, client.NewOptions().SetLimiter(l))

	require.NoError(t, c.Publish("t", []byte("m"), 0))
	assert.ErrorIs(t, c.Publish("t", []byte("m"), 0), client.ErrRateLimited)
	assert.Len(t, fake.Sent(), 1)
	assert.Equal(t, uint16(1), c.Session().PacketID())
	assert.Equal(t, client.StateOpen, c.State())
}

func TestDisconnect(t *testing.T) {
	c, fake, rec := newOpenClient(t, nil)

	require.NoError(t, c.Disconnect())
	assert.Equal(t, [][]byte{{0xE0, 0x00}}, fake.Sent())
	assert.Equal(t, 1, fake.Closed())
	assert.Equal(t, client.StateClosed, c.State())

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, packets.Disconnect, got[0].req)
	assert.Nil(t, got[0].resp)
	assert.NoError(t, got[0].err)

	assert.ErrorIs(t, c.Publish("t", []byte("m"), 0), client.ErrClientClosed)
	assert.ErrorIs(t, c.Open(context.Background()), client.ErrClientClosed)
	require.NoError(t, c.Close())
	assert.Equal(t, 1, fake.Closed())
}

func TestCloseCompletesPending(t *testing.T) {
	c, fake, rec := newOpenClient(t, nil)

	require.NoError(t, c.Connect())
	require.NoError(t, c.Close())

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, packets.Connect, got[0].req)
	assert.ErrorIs(t, got[0].err, client.ErrClientClosed)

	// A late reply finds nothing pending.
	fake.Deliver(testutil.ConnAck(0))
	assert.Len(t, rec.all(), 1)
}

func TestPacketIDPersistence(t *testing.T) {
	store := memory.New()
	opts := client.NewOptions().SetStore(store)

	c, _, _ := newOpenClient(t, opts)
	require.NoError(t, c.Publish("t", []byte("a"), 0))
	require.NoError(t, c.Publish("t", []byte("b"), 0))
	require.NoError(t, c.Close())

	st, err := store.Load(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, uint16(2), st.PacketID)

	sess := session.New("dev1")
	fake := testutil.NewTransport()
	c2, err := client.New(client.NewOptions().SetStore(store), sess, fake)
	require.NoError(t, err)
	require.NoError(t, c2.Open(context.Background()))
	assert.Equal(t, uint16(2), sess.PacketID())

	require.NoError(t, c2.Publish("t", []byte("c"), 0))
	id, ok := testutil.PacketID(fake.Sent()[0])
	require.True(t, ok)
	assert.Equal(t, uint16(2), id)
}

func TestResetSession(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Save(ctx, &storage.State{ClientID: "dev1", PacketID: 500}))

	sess := session.New("dev1")
	fake := testutil.NewTransport()
	c, err := client.New(client.NewOptions().SetStore(store), sess, fake)
	require.NoError(t, err)

	require.NoError(t, c.ResetSession(ctx))
	_, err = store.Load(ctx, "dev1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, c.Open(ctx))
	assert.Equal(t, uint16(0), sess.PacketID(), "deleted state is not restored")

	require.NoError(t, c.Publish("t", []byte("a"), 0))
	id, ok := testutil.PacketID(fake.Sent()[0])
	require.True(t, ok)
	assert.Equal(t, uint16(0), id)

	st, err := store.Load(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, uint16(1), st.PacketID)
}

func TestResetSessionInFlight(t *testing.T) {
	c, _, _ := newOpenClient(t, client.NewOptions().SetStore(memory.New()))

	require.NoError(t, c.Ping())
	assert.ErrorIs(t, c.ResetSession(context.Background()), client.ErrExchangeInFlight)
}

func TestOverTCP(t *testing.T) {
	b := testutil.NewTCPBroker(t, testutil.Accept(0))

	tr := transport.NewTCP(transport.Config{IP: b.Host(), Port: b.Port(), ReplyTimeout: time.Second})
	rec := newReplies()
	c, err := client.New(client.NewOptions().SetOnReply(rec.handler).SetDebug(true), session.New("dev1"), tr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Open(context.Background()))

	require.NoError(t, c.Connect())
	rep := rec.next(t)
	require.NoError(t, rep.err)
	assert.Equal(t, packets.ConnAck, rep.resp.PacketType)

	require.NoError(t, c.Publish("t", []byte("hello"), 1))
	rep = rec.next(t)
	require.NoError(t, rep.err)
	assert.Equal(t, packets.PubAck, rep.resp.PacketType)
	assert.Equal(t, uint16(1), rep.resp.PacketID)

	require.NoError(t, c.Ping())
	rep = rec.next(t)
	require.NoError(t, rep.err)
	assert.Equal(t, packets.PingResp, rep.resp.PacketType)

	require.NoError(t, c.Disconnect())
	rep = rec.next(t)
	assert.Equal(t, packets.Disconnect, rep.req)

	got, err := b.WaitReceived(4, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(0x10), got[0][0])
	assert.Equal(t, byte(0x32), got[1][0])
	assert.Equal(t, []byte{0xC0, 0x00}, got[2])
	assert.Equal(t, []byte{0xE0, 0x00}, got[3])
}

func TestOverTCPReplyTimeout(t *testing.T) {
	b := testutil.NewTCPBroker(t, testutil.Silent())

	tr := transport.NewTCP(transport.Config{IP: b.Host(), Port: b.Port(), ReplyTimeout: 50 * time.Millisecond})
	rec := newReplies()
	c, err := client.New(client.NewOptions().SetOnReply(rec.handler), session.New("dev1"), tr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Open(context.Background()))
	require.NoError(t, c.Connect())

	rep := rec.next(t)
	assert.Equal(t, packets.Connect, rep.req)
	assert.ErrorIs(t, rep.err, client.ErrReplyTimeout)
}

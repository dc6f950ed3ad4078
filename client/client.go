// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client drives MQTT 3.1 exchanges over a transport: it builds and
// assembles outbound packets, keeps at most one exchange outstanding and
// reports every completion through Options.OnReply.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mqttlite/internal/bufpool"
	"github.com/absmach/mqttlite/packets"
	"github.com/absmach/mqttlite/session"
	"github.com/absmach/mqttlite/storage"
	"github.com/absmach/mqttlite/transport"
	"go.opentelemetry.io/otel/trace"
)

// Client is a single-exchange MQTT 3.1 publisher.
type Client struct {
	opts    *Options
	session *session.Options
	tr      transport.Transport
	logger  *slog.Logger
	state   *stateManager
	metrics *metrics
	tracer  trace.Tracer

	// mu serializes sends and guards pending.
	mu        sync.Mutex
	pending   *exchange
	restored  bool
	connected atomic.Bool
}

// exchange is a sent packet awaiting its reply.
type exchange struct {
	req   packets.PacketType
	id    uint16
	start time.Time
	span  trace.Span
}

// New creates a client that sends through tr. The session options are owned
// by the caller and must not be mutated while an exchange is in flight.
func New(opts *Options, sess *session.Options, tr transport.Transport) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNilSession
	}
	if tr == nil {
		return nil, ErrNilTransport
	}

	m, err := newMetrics(opts.MeterProvider)
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:    opts,
		session: sess,
		tr:      tr,
		logger:  opts.logger(),
		state:   newStateManager(),
		metrics: m,
		tracer:  newTracer(opts.TracerProvider),
	}

	tr.SetHandlers(transport.Handlers{
		OnResolve: c.onResolve,
		OnConnect: c.onConnect,
		OnSent:    c.onSent,
		OnReceive: c.onReceive,
	})

	return c, nil
}

// State returns the current client state.
func (c *Client) State() State {
	return c.state.get()
}

// Connected reports whether the broker accepted the last CONNECT.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Session returns the session options the client sends with.
func (c *Client) Session() *session.Options {
	return c.session
}

// Resolve locates the broker.
func (c *Client) Resolve(ctx context.Context) error {
	if c.state.isClosed() {
		return ErrClientClosed
	}
	if !c.state.transitionFrom(StateResolving, StateIdle, StateResolved) {
		return ErrAlreadyOpen
	}

	if err := c.tr.Resolve(ctx); err != nil {
		c.state.transition(StateResolving, StateIdle)
		c.metrics.recordError(packets.Invalid, "resolve")
		return fmt.Errorf("failed to resolve broker: %w", err)
	}

	c.state.transition(StateResolving, StateResolved)
	return nil
}

// Open connects the transport, resolving the broker first if needed, and
// restores the packet identifier from the store.
func (c *Client) Open(ctx context.Context) error {
	if c.state.isClosed() {
		return ErrClientClosed
	}
	if c.state.get() == StateIdle {
		if err := c.Resolve(ctx); err != nil {
			return err
		}
	}
	if !c.state.transition(StateResolved, StateOpening) {
		return ErrAlreadyOpen
	}

	c.restore(ctx)

	if err := c.tr.Open(ctx); err != nil {
		c.state.transition(StateOpening, StateResolved)
		c.metrics.recordError(packets.Invalid, "open")
		return fmt.Errorf("failed to open transport: %w", err)
	}

	if !c.state.transition(StateOpening, StateOpen) {
		return ErrClientClosed
	}
	return nil
}

// Connect sends CONNECT built from the session options. The CONNACK is
// reported through OnReply; a refusal carries its packets.ConnAckCode as the
// error.
func (c *Client) Connect() error {
	if len(c.session.ClientID) > session.MaxClientIDLength {
		c.logger.Warn("client_id_exceeds_mqtt31_limit",
			slog.String("client_id", c.session.ClientID),
			slog.Int("limit", session.MaxClientIDLength))
	}

	return c.send(packets.Connect, "", true, func() (*packets.Packet, error) {
		return packets.NewConnect(c.session)
	})
}

// Publish sends message to topic at QoS 0 or 1. QoS 0 completes as soon as
// the packet is handed to the transport. QoS 1 completes on PUBACK.
func (c *Client) Publish(topic string, message []byte, qos byte) error {
	err := c.send(packets.Publish, topic, qos > 0, func() (*packets.Packet, error) {
		return packets.NewPublish(c.session, topic, message, qos)
	})
	if err != nil {
		return err
	}

	if qos == 0 {
		c.reply(packets.Publish, nil, nil)
	}
	return nil
}

// PublishDefault publishes with the session's default QoS.
func (c *Client) PublishDefault(topic string, message []byte) error {
	return c.Publish(topic, message, c.session.QoS)
}

// Ping sends PINGREQ and completes on PINGRESP.
func (c *Client) Ping() error {
	return c.send(packets.PingReq, "", true, func() (*packets.Packet, error) {
		return packets.NewPingReq(), nil
	})
}

// Disconnect sends DISCONNECT, closes the client and completes without
// waiting for the broker.
func (c *Client) Disconnect() error {
	err := c.send(packets.Disconnect, "", false, func() (*packets.Packet, error) {
		return packets.NewDisconnect(), nil
	})
	if err != nil {
		return err
	}

	if err := c.Close(); err != nil {
		c.logger.Warn("transport_close_failed", slog.String("error", err.Error()))
	}
	c.reply(packets.Disconnect, nil, nil)
	return nil
}

// Close closes the transport. An exchange still awaiting its reply completes
// with ErrClientClosed.
func (c *Client) Close() error {
	for {
		s := c.state.get()
		if s == StateClosed {
			return nil
		}
		if c.state.transition(s, StateClosed) {
			break
		}
	}

	c.mu.Lock()
	ex := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.connected.Store(false)
	err := c.tr.Close()

	if ex != nil {
		endSpan(ex.span, ErrClientClosed)
		c.reply(ex.req, nil, ErrClientClosed)
	}
	return err
}

// send builds, assembles and hands one packet to the transport. Packet
// identifiers advance only once CONNECT or PUBLISH has been handed over.
func (c *Client) send(req packets.PacketType, topic string, expectReply bool, build func() (*packets.Packet, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := build()
	if err != nil {
		c.metrics.recordError(req, "build")
		return err
	}

	if !c.state.transition(StateOpen, StateAwaitingReply) {
		switch c.state.get() {
		case StateClosed:
			return ErrClientClosed
		case StateAwaitingReply:
			return ErrExchangeInFlight
		default:
			return ErrNotOpen
		}
	}

	if req == packets.Publish && !c.opts.Limiter.Allow(topic) {
		c.state.transition(StateAwaitingReply, StateOpen)
		c.metrics.recordError(req, "rate_limited")
		return ErrRateLimited
	}

	if err := p.Fits(c.opts.MaxPacketSize); err != nil {
		c.state.transition(StateAwaitingReply, StateOpen)
		c.metrics.recordError(req, "too_large")
		return err
	}

	buf := bufpool.Get(p.Len())
	defer bufpool.Put(buf)
	if _, err := p.WriteTo(buf); err != nil {
		c.state.transition(StateAwaitingReply, StateOpen)
		return err
	}

	ex := &exchange{
		req:   req,
		id:    p.ID,
		start: time.Now(),
		span:  startSpan(c.tracer, req, p.ID),
	}
	if expectReply {
		c.pending = ex
	}

	if err := c.tr.Send(buf.Bytes(), expectReply); err != nil {
		c.pending = nil
		c.state.transition(StateAwaitingReply, StateOpen)
		c.metrics.recordError(req, "transport")
		endSpan(ex.span, err)
		return fmt.Errorf("failed to send %s: %w", req, err)
	}

	c.metrics.recordSent(req, buf.Len())
	c.logger.Debug("packet_sent",
		slog.String("type", req.String()),
		slog.Int("len", buf.Len()),
		slog.Int("packet_id", int(p.ID)))

	if req == packets.Connect || req == packets.Publish {
		c.session.IncrementPacketID()
		c.persist()
	}

	if !expectReply {
		c.state.transition(StateAwaitingReply, StateOpen)
		endSpan(ex.span, nil)
	}
	return nil
}

func (c *Client) onReceive(data []byte) {
	c.mu.Lock()
	ex := c.pending
	if ex == nil {
		c.mu.Unlock()
		if len(data) == 0 {
			c.logger.Debug("stale_reply_timeout_ignored")
			return
		}
		c.logger.Debug("unsolicited_packet_ignored",
			slog.String("type", packets.TypeOf(data[0]).String()),
			slog.Int("len", len(data)))
		return
	}
	c.pending = nil
	c.state.transition(StateAwaitingReply, StateOpen)
	c.mu.Unlock()

	resp, err := c.evaluate(ex, data)
	endSpan(ex.span, err)

	switch {
	case errors.Is(err, ErrReplyTimeout):
		c.metrics.recordError(ex.req, "timeout")
		c.logger.Warn("reply_timeout",
			slog.String("request", ex.req.String()),
			slog.Int("packet_id", int(ex.id)))
	case resp != nil:
		c.metrics.recordReply(ex.req, resp.PacketType, time.Since(ex.start))
		c.logger.Debug("packet_received",
			slog.String("type", resp.PacketType.String()),
			slog.Int("len", len(data)),
			slog.Int("packet_id", int(resp.PacketID)))
		if err != nil {
			c.metrics.recordError(ex.req, "rejected")
			c.logger.Warn("exchange_failed",
				slog.String("request", ex.req.String()),
				slog.String("reply", resp.PacketType.String()),
				slog.String("error", err.Error()))
		}
	default:
		c.metrics.recordError(ex.req, "malformed")
		c.logger.Warn("malformed_reply",
			slog.String("request", ex.req.String()),
			slog.String("error", err.Error()))
	}

	c.reply(ex.req, resp, err)
}

// evaluate parses a reply and checks it against the exchange it completes.
func (c *Client) evaluate(ex *exchange, data []byte) (*packets.Response, error) {
	if len(data) == 0 {
		return nil, ErrReplyTimeout
	}

	resp, err := packets.Parse(data)
	if err != nil {
		return nil, err
	}

	if want := ex.req.Reply(); resp.PacketType != want {
		return &resp, fmt.Errorf("%w: %s while awaiting %s", ErrUnexpectedPacket, resp.PacketType, want)
	}

	switch resp.PacketType {
	case packets.ConnAck:
		if !resp.ReturnCode.Accepted() {
			c.connected.Store(false)
			return &resp, resp.ReturnCode
		}
		c.connected.Store(true)
	case packets.PubAck:
		if resp.PacketID != ex.id {
			return &resp, fmt.Errorf("%w: PUBACK for packet %d, sent %d", ErrUnexpectedPacket, resp.PacketID, ex.id)
		}
	}

	return &resp, nil
}

func (c *Client) reply(req packets.PacketType, resp *packets.Response, err error) {
	if c.opts.OnReply != nil {
		c.opts.OnReply(req, resp, err)
	}
}

func (c *Client) onResolve(addr netip.Addr, err error) {
	if err != nil {
		c.logger.Warn("broker_resolve_failed", slog.String("error", err.Error()))
		return
	}
	c.logger.Debug("broker_resolved", slog.String("addr", addr.String()))
}

func (c *Client) onConnect(err error) {
	if err != nil {
		c.logger.Warn("transport_open_failed", slog.String("error", err.Error()))
		return
	}
	c.logger.Debug("transport_open")
}

func (c *Client) onSent(n int) {
	c.logger.Debug("bytes_sent", slog.Int("len", n))
}

// ResetSession deletes the persisted session state and restarts packet
// identifiers from zero. A later Open does not restore anything.
func (c *Client) ResetSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil {
		return ErrExchangeInFlight
	}
	c.session.SetPacketID(0)
	c.restored = true

	if c.opts.Store == nil {
		return nil
	}
	err := c.opts.Store.Delete(ctx, c.session.ClientID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete session state: %w", err)
	}
	c.logger.Debug("session_reset", slog.String("client_id", c.session.ClientID))
	return nil
}

// restore loads the persisted packet identifier once per client.
func (c *Client) restore(ctx context.Context) {
	if c.opts.Store == nil || c.restored {
		return
	}
	c.restored = true

	st, err := c.opts.Store.Load(ctx, c.session.ClientID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return
	case err != nil:
		c.logger.Warn("session_restore_failed",
			slog.String("client_id", c.session.ClientID),
			slog.String("error", err.Error()))
		return
	}

	c.session.SetPacketID(st.PacketID)
	c.logger.Debug("session_restored",
		slog.String("client_id", c.session.ClientID),
		slog.Int("packet_id", int(st.PacketID)))
}

func (c *Client) persist() {
	if c.opts.Store == nil {
		return
	}

	st := &storage.State{
		ClientID:  c.session.ClientID,
		PacketID:  c.session.PacketID(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := c.opts.Store.Save(context.Background(), st); err != nil {
		c.logger.Warn("session_persist_failed",
			slog.String("client_id", st.ClientID),
			slog.String("error", err.Error()))
	}
}

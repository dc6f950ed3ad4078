// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/mqttlite/client"
	"github.com/absmach/mqttlite/config"
	"github.com/absmach/mqttlite/packets"
	mqtttls "github.com/absmach/mqttlite/pkg/tls"
	"github.com/absmach/mqttlite/ratelimit"
	"github.com/absmach/mqttlite/session"
	"github.com/absmach/mqttlite/storage"
	"github.com/absmach/mqttlite/storage/badger"
	"github.com/absmach/mqttlite/storage/memory"
	"github.com/absmach/mqttlite/transport"
	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel"
)

const (
	exitOK = iota
	exitFailure
	exitRefused
	exitTimeout
)

// rateLimitBackoff is how long a throttled publish waits before retrying.
const rateLimitBackoff = 50 * time.Millisecond

type result struct {
	req  packets.PacketType
	resp *packets.Response
	err  error
}

// publisher drives one CONNECT, PUBLISH..., DISCONNECT run.
type publisher struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  *client.Client
	store   storage.Store
	limiter *ratelimit.PublishLimiter
	replies chan result
}

func newPublisher(cfg *config.Config, logger *slog.Logger) (*publisher, error) {
	tcfg, err := transportConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	var tr transport.Transport
	switch cfg.Broker.Transport {
	case "ws":
		tr = transport.NewWebSocket(tcfg)
	default:
		tr = transport.NewTCP(tcfg)
	}
	if cfg.Broker.Breaker.Enabled {
		tr = transport.NewBreaker(cfg.Session.ClientID, tr, transport.BreakerConfig{
			FailureThreshold: cfg.Broker.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Broker.Breaker.ResetTimeout,
		}, logger)
	}

	store, err := newStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(limiterConfig(cfg.Publish))

	p := &publisher{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		limiter: limiter,
		replies: make(chan result, 4),
	}

	opts := client.NewOptions().
		SetLogger(logger).
		SetDebug(cfg.Log.Packets).
		SetOnReply(p.onReply).
		SetLimiter(limiter).
		SetMeterProvider(otel.GetMeterProvider()).
		SetTracerProvider(otel.GetTracerProvider())
	if cfg.Broker.BufferSize > 0 {
		opts.SetMaxPacketSize(cfg.Broker.BufferSize)
	}
	if store != nil {
		opts.SetStore(store)
	}

	c, err := client.New(opts, sessionOptions(cfg.Session), tr)
	if err != nil {
		p.close()
		return nil, err
	}
	p.client = c

	return p, nil
}

func transportConfig(cfg *config.Config, logger *slog.Logger) (transport.Config, error) {
	b := cfg.Broker
	tcfg := transport.Config{
		Hostname:     b.Hostname,
		IP:           b.IP,
		Port:         b.Port,
		Path:         b.WSPath,
		BufferSize:   b.BufferSize,
		ReplyTimeout: b.ReplyTimeout,
		DialTimeout:  b.DialTimeout,
		DNSServers:   b.DNSServers,
		SOCKS5Proxy:  b.SOCKS5Proxy,
		Logger:       logger,
	}

	if b.TLS.Enabled {
		tlsCfg, err := mqtttls.LoadClientConfig(&mqtttls.Config{
			CAFile:             b.TLS.CAFile,
			CertFile:           b.TLS.CertFile,
			KeyFile:            b.TLS.KeyFile,
			ServerName:         b.TLS.ServerName,
			InsecureSkipVerify: b.TLS.InsecureSkipVerify,
		})
		if err != nil {
			return transport.Config{}, fmt.Errorf("failed to load TLS configuration: %w", err)
		}
		tcfg.TLSConfig = tlsCfg
	}
	logger.Info("Transport configured",
		slog.String("transport", b.Transport),
		slog.String("security", mqtttls.SecurityStatus(tcfg.TLSConfig)))

	return tcfg, tcfg.Validate()
}

func limiterConfig(p config.PublishConfig) ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	cfg.Enabled = p.Rate > 0 || p.TopicRate > 0
	cfg.Rate = p.Rate
	cfg.Burst = p.Burst
	cfg.TopicRate = p.TopicRate
	cfg.TopicBurst = p.TopicBurst
	return cfg
}

func sessionOptions(s config.SessionConfig) *session.Options {
	opts := session.New(s.ClientID).
		SetKeepAlive(s.KeepAlive).
		SetCleanSession(s.CleanSession).
		SetDup(s.Dup).
		SetRetain(s.Retain).
		SetQoS(s.QoS)
	if s.Username != "" {
		opts.SetCredentials(s.Username, s.Password)
	}
	if s.Will.Topic != "" {
		opts.SetWill(s.Will.Topic, s.Will.Message, s.Will.QoS, s.Will.Retain)
	}
	return opts
}

// newStore returns nil when packet identifiers are not persisted.
func newStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "badger":
		s, err := badger.New(badger.Config{
			Dir:        cfg.BadgerDir,
			SyncWrites: true,
			GCInterval: 5 * time.Minute,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, nil
	}
}

func (p *publisher) onReply(req packets.PacketType, resp *packets.Response, err error) {
	select {
	case p.replies <- result{req: req, resp: resp, err: err}:
	default:
		p.logger.Warn("reply_dropped", slog.String("request", req.String()))
	}
}

// exchange sends one packet and waits for its completion.
func (p *publisher) exchange(ctx context.Context, send func() error) error {
	if err := send(); err != nil {
		return err
	}

	select {
	case r := <-p.replies:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *publisher) run(ctx context.Context) error {
	if p.cfg.Storage.Reset {
		if err := p.client.ResetSession(ctx); err != nil {
			return err
		}
		p.logger.Info("Session state reset", slog.String("client_id", p.cfg.Session.ClientID))
	}

	if err := p.client.Open(ctx); err != nil {
		return fmt.Errorf("failed to open connection: %w", err)
	}

	if err := p.exchange(ctx, p.client.Connect); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	p.logger.Info("Connected", slog.String("client_id", p.cfg.Session.ClientID))

	payload, err := p.payload()
	if err != nil {
		return err
	}

	pub := p.cfg.Publish
	for i := 0; i < pub.Count; i++ {
		if i > 0 && pub.Interval > 0 {
			select {
			case <-time.After(pub.Interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := p.exchange(ctx, func() error { return p.publish(ctx, payload) }); err != nil {
			return fmt.Errorf("publish %d failed: %w", i+1, err)
		}
		p.logger.Info("Published",
			slog.String("topic", pub.Topic),
			slog.Int("bytes", len(payload)),
			slog.Int("seq", i+1))
	}

	if err := p.exchange(ctx, p.client.Disconnect); err != nil {
		return fmt.Errorf("disconnect failed: %w", err)
	}
	return nil
}

func (p *publisher) publish(ctx context.Context, payload []byte) error {
	for {
		err := p.client.Publish(p.cfg.Publish.Topic, payload, p.cfg.Session.QoS)
		if !errors.Is(err, client.ErrRateLimited) {
			return err
		}

		select {
		case <-time.After(rateLimitBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *publisher) payload() ([]byte, error) {
	msg := []byte(p.cfg.Publish.Message)
	if !p.cfg.Publish.Gzip {
		return msg, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(msg); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	return buf.Bytes(), nil
}

func (p *publisher) close() {
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			p.logger.Warn("Failed to close client", slog.String("error", err.Error()))
		}
	}
	p.limiter.Stop()
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			p.logger.Warn("Failed to close store", slog.String("error", err.Error()))
		}
	}
}

func exitCode(err error) int {
	var code packets.ConnAckCode
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &code):
		return exitRefused
	case errors.Is(err, client.ErrReplyTimeout):
		return exitTimeout
	default:
		return exitFailure
	}
}

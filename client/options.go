// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"log/slog"

	"github.com/absmach/mqttlite/packets"
	"github.com/absmach/mqttlite/ratelimit"
	"github.com/absmach/mqttlite/storage"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxPacketSize bounds assembled packets unless configured otherwise.
const DefaultMaxPacketSize = 4096

// ReplyHandler is called once per exchange. req is the packet type that was
// sent. resp is nil when no reply was expected or none arrived. err is nil on
// success, ErrReplyTimeout on timeout, a packets.ConnAckCode when the broker
// refused the connection, or a protocol error.
type ReplyHandler func(req packets.PacketType, resp *packets.Response, err error)

// Options configures the client. The zero value is usable.
type Options struct {
	Logger *slog.Logger
	Debug  bool

	// MaxPacketSize bounds assembled packets. Zero means unbounded.
	MaxPacketSize int

	OnReply ReplyHandler

	// Store persists the packet identifier across restarts. Optional.
	Store storage.Store
	// Limiter throttles publishes. Optional.
	Limiter *ratelimit.PublishLimiter

	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// NewOptions returns options with default values.
func NewOptions() *Options {
	return &Options{
		Logger:        slog.Default(),
		MaxPacketSize: DefaultMaxPacketSize,
	}
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetDebug turns debug logging of every packet on or off.
func (o *Options) SetDebug(on bool) *Options {
	o.Debug = on
	return o
}

// SetMaxPacketSize sets the largest packet the client will assemble.
func (o *Options) SetMaxPacketSize(n int) *Options {
	o.MaxPacketSize = n
	return o
}

// SetOnReply sets the exchange completion callback.
func (o *Options) SetOnReply(fn ReplyHandler) *Options {
	o.OnReply = fn
	return o
}

// SetStore sets the packet identifier store.
func (o *Options) SetStore(s storage.Store) *Options {
	o.Store = s
	return o
}

// SetLimiter sets the publish limiter.
func (o *Options) SetLimiter(l *ratelimit.PublishLimiter) *Options {
	o.Limiter = l
	return o
}

// SetMeterProvider sets the meter provider used for client metrics.
func (o *Options) SetMeterProvider(mp metric.MeterProvider) *Options {
	o.MeterProvider = mp
	return o
}

// SetTracerProvider sets the tracer provider used for exchange spans.
func (o *Options) SetTracerProvider(tp trace.TracerProvider) *Options {
	o.TracerProvider = tp
	return o
}

// Validate checks the options.
func (o *Options) Validate() error {
	if o.MaxPacketSize < 0 {
		return ErrInvalidSize
	}
	return nil
}

func (o *Options) logger() *slog.Logger {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	if o.Debug {
		return slog.New(debugHandler{l.Handler()})
	}
	return l
}

// debugHandler lets debug records through whatever level the wrapped handler
// was configured with.
type debugHandler struct {
	slog.Handler
}

func (h debugHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelDebug || h.Handler.Enabled(ctx, level)
}

func (h debugHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return debugHandler{h.Handler.WithAttrs(attrs)}
}

func (h debugHandler) WithGroup(name string) slog.Handler {
	return debugHandler{h.Handler.WithGroup(name)}
}

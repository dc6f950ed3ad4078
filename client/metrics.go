// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/mqttlite/packets"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/absmach/mqttlite/client"

// metrics holds the client instruments.
type metrics struct {
	packetsSent metric.Int64Counter
	bytesSent   metric.Int64Counter
	replies     metric.Int64Counter
	errors      metric.Int64Counter
	latency     metric.Float64Histogram
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	m := &metrics{}
	var err error

	m.packetsSent, err = meter.Int64Counter(
		"mqtt.client.packets.sent",
		metric.WithDescription("Packets handed to the transport"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create packetsSent counter: %w", err)
	}

	m.bytesSent, err = meter.Int64Counter(
		"mqtt.client.bytes.sent",
		metric.WithDescription("Bytes handed to the transport"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesSent counter: %w", err)
	}

	m.replies, err = meter.Int64Counter(
		"mqtt.client.replies",
		metric.WithDescription("Replies received from the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replies counter: %w", err)
	}

	m.errors, err = meter.Int64Counter(
		"mqtt.client.errors",
		metric.WithDescription("Failed exchanges by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errors counter: %w", err)
	}

	m.latency, err = meter.Float64Histogram(
		"mqtt.client.exchange.duration",
		metric.WithDescription("Time from send to reply"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}

	return m, nil
}

func (m *metrics) recordSent(t packets.PacketType, n int) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("type", t.String()))
	m.packetsSent.Add(ctx, 1, attrs)
	m.bytesSent.Add(ctx, int64(n), attrs)
}

func (m *metrics) recordReply(req, resp packets.PacketType, d time.Duration) {
	ctx := context.Background()
	m.replies.Add(ctx, 1, metric.WithAttributes(attribute.String("type", resp.String())))
	m.latency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("type", req.String())))
}

func (m *metrics) recordError(req packets.PacketType, kind string) {
	m.errors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", req.String()),
		attribute.String("kind", kind),
	))
}

func newTracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(instrumentationName)
}

func startSpan(tracer trace.Tracer, req packets.PacketType, id uint16) trace.Span {
	_, span := tracer.Start(context.Background(), "mqtt."+req.String(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mqtt.packet.type", req.String()),
			attribute.Int("mqtt.packet.id", int(id)),
		))
	return span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Package telemetry exports bridge metrics and game events over OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/manamana32321/factorio-bridge"

// Metrics holds the bridge counters. A nil *Metrics records nothing, so
// components can take one optionally.
type Metrics struct {
	lines       metric.Int64Counter
	events      metric.Int64Counter
	deliveries  metric.Int64Counter
	drops       metric.Int64Counter
	failures    metric.Int64Counter
	commands    metric.Int64Counter
	transitions metric.Int64Counter
}

// NewMetrics registers the counters on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.lines, "factorio_bridge_log_lines", "Log lines read per server"},
		{&m.events, "factorio_bridge_events", "Game events parsed per server and type"},
		{&m.deliveries, "factorio_bridge_deliveries", "Notifications delivered"},
		{&m.drops, "factorio_bridge_drops", "Notifications dropped after retries"},
		{&m.failures, "factorio_bridge_handler_failures", "Line handler failures per server"},
		{&m.commands, "factorio_bridge_rcon_commands", "RCON commands executed per server"},
		{&m.transitions, "factorio_bridge_health_transitions", "Server connectivity transitions"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *Metrics) LineRead(ctx context.Context, server string) {
	if m == nil {
		return
	}
	m.lines.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server)))
}

func (m *Metrics) EventParsed(ctx context.Context, server, eventType string) {
	if m == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("type", eventType),
	))
}

func (m *Metrics) Delivered(ctx context.Context, server string) {
	if m == nil {
		return
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server)))
}

func (m *Metrics) Dropped(ctx context.Context, server, reason string) {
	if m == nil {
		return
	}
	m.drops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) HandlerFailed(ctx context.Context, server string) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server)))
}

func (m *Metrics) CommandExecuted(ctx context.Context, server string, ok bool) {
	if m == nil {
		return
	}
	m.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server", server),
		attribute.Bool("ok", ok),
	))
}

func (m *Metrics) HealthChanged(ctx context.Context, server string, up bool) {
	if m == nil {
		return
	}
	state := "down"
	if up {
		state = "up"
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("state", state),
	))
}

package telemetry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/manamana32321/factorio-bridge/internal/event"
	"github.com/manamana32321/factorio-bridge/internal/telemetry"
)

type memoryExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *memoryExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *memoryExporter) Shutdown(context.Context) error   { return nil }
func (e *memoryExporter) ForceFlush(context.Context) error { return nil }

func (e *memoryExporter) all() []sdklog.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sdklog.Record(nil), e.records...)
}

func newEventLogger(t *testing.T, types ...string) (*telemetry.EventLogger, *memoryExporter) {
	t.Helper()
	exp := &memoryExporter{}
	lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exp)))
	t.Cleanup(func() { _ = lp.Shutdown(context.Background()) })
	return telemetry.NewEventLogger(lp.Logger("test"), types), exp
}

func attrs(r sdklog.Record) map[string]string {
	out := map[string]string{}
	r.WalkAttributes(func(kv otellog.KeyValue) bool {
		out[kv.Key] = kv.Value.AsString()
		return true
	})
	return out
}

func TestEventLogger_Emit(t *testing.T) {
	l, exp := newEventLogger(t, "all")
	ts := time.Date(2025, 11, 30, 17, 44, 59, 0, time.UTC)

	l.Emit(context.Background(), event.Event{
		Type:     event.TypeChat,
		Player:   "Alice",
		Message:  "hello",
		Metadata: map[string]string{"channel": "chat"},
		Server:   "prod",
		Time:     ts,
	})

	records := exp.all()
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, "chat", r.Body().AsString())
	assert.Equal(t, ts, r.Timestamp())
	assert.Equal(t, map[string]string{
		"server":  "prod",
		"player":  "Alice",
		"message": "hello",
		"channel": "chat",
	}, attrs(r))
}

func TestEventLogger_Filter(t *testing.T) {
	l, exp := newEventLogger(t, "join", "CHAT", "bogus")

	assert.True(t, l.Allowed(event.TypeJoin))
	assert.True(t, l.Allowed(event.TypeChat))
	assert.False(t, l.Allowed(event.TypeDeath))

	ctx := context.Background()
	l.Emit(ctx, event.Event{Type: event.TypeDeath, Player: "Bob", Server: "prod"})
	l.Emit(ctx, event.Event{Type: event.TypeJoin, Player: "Bob", Server: "prod"})
	require.Len(t, exp.all(), 1)
	assert.Equal(t, "join", exp.all()[0].Body().AsString())

	none, _ := newEventLogger(t)
	assert.False(t, none.Allowed(event.TypeJoin))

	var nilLogger *telemetry.EventLogger
	assert.False(t, nilLogger.Allowed(event.TypeJoin))
	nilLogger.Emit(ctx, event.Event{Type: event.TypeJoin})
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals
}

func TestMetrics_Counters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := telemetry.NewMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	m.LineRead(ctx, "prod")
	m.LineRead(ctx, "dev")
	m.EventParsed(ctx, "prod", "JOIN")
	m.Delivered(ctx, "prod")
	m.Dropped(ctx, "prod", "permanent")
	m.HandlerFailed(ctx, "dev")
	m.CommandExecuted(ctx, "prod", true)
	m.HealthChanged(ctx, "prod", false)

	totals := collect(t, reader)
	assert.Equal(t, int64(2), totals["factorio_bridge_log_lines"])
	assert.Equal(t, int64(1), totals["factorio_bridge_events"])
	assert.Equal(t, int64(1), totals["factorio_bridge_deliveries"])
	assert.Equal(t, int64(1), totals["factorio_bridge_drops"])
	assert.Equal(t, int64(1), totals["factorio_bridge_handler_failures"])
	assert.Equal(t, int64(1), totals["factorio_bridge_rcon_commands"])
	assert.Equal(t, int64(1), totals["factorio_bridge_health_transitions"])
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *telemetry.Metrics
	ctx := context.Background()
	m.LineRead(ctx, "prod")
	m.EventParsed(ctx, "prod", "JOIN")
	m.Delivered(ctx, "prod")
	m.Dropped(ctx, "prod", "x")
	m.HandlerFailed(ctx, "prod")
	m.CommandExecuted(ctx, "prod", false)
	m.HealthChanged(ctx, "prod", true)
}

func TestSetup_Disabled(t *testing.T) {
	p, err := telemetry.Setup(context.Background(), telemetry.Config{ServiceName: "factorio-bridge"})
	require.NoError(t, err)
	assert.NotNil(t, p.Logger())

	m, err := telemetry.NewMetrics(p.MeterProvider)
	require.NoError(t, err)
	m.LineRead(context.Background(), "prod")
	assert.NoError(t, p.Shutdown(context.Background()))
}

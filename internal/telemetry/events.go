package telemetry

import (
	"context"
	"sort"
	"strings"
	"time"

	otellog "go.opentelemetry.io/otel/log"

	"github.com/manamana32321/factorio-bridge/internal/event"
)

// EventLogger sends game events as structured OTel log records, for a log
// backend such as Loki to index.
type EventLogger struct {
	logger otellog.Logger
	filter event.Filter
}

// NewEventLogger returns an EventLogger emitting only the listed event types.
// The entry "all" allows every type; an empty list allows none.
func NewEventLogger(logger otellog.Logger, types []string) *EventLogger {
	return &EventLogger{logger: logger, filter: event.NewFilter(types)}
}

// Allowed reports whether events of type t are emitted.
func (l *EventLogger) Allowed(t event.Type) bool {
	if l == nil || l.logger == nil {
		return false
	}
	return l.filter.Allows(t)
}

// Emit records e. Filtered events are ignored.
func (l *EventLogger) Emit(ctx context.Context, e event.Event) {
	if !l.Allowed(e.Type) {
		return
	}

	attrs := []otellog.KeyValue{
		otellog.String("server", e.Server),
	}
	if e.Player != "" {
		attrs = append(attrs, otellog.String("player", e.Player))
	}
	if e.Message != "" {
		attrs = append(attrs, otellog.String("message", e.Message))
	}
	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, otellog.String(k, e.Metadata[k]))
	}

	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var r otellog.Record
	r.SetTimestamp(ts)
	r.SetSeverity(otellog.SeverityInfo)
	r.SetBody(otellog.StringValue(strings.ToLower(string(e.Type))))
	r.AddAttributes(attrs...)
	l.logger.Emit(ctx, r)
}

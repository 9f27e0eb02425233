// Package bridge connects the log tailers, the event parser and the
// notification router, and relays chat back into the game.
package bridge

import (
	"context"
	"time"

	"github.com/manamana32321/factorio-bridge/internal/event"
	"github.com/manamana32321/factorio-bridge/internal/logging"
	"github.com/manamana32321/factorio-bridge/internal/telemetry"
)

// LineParser turns a log line into an event.
type LineParser interface {
	ParseLine(line string) (event.Event, bool)
}

// EventRouter delivers an event to a chat channel.
type EventRouter interface {
	Route(ctx context.Context, e event.Event, override string) bool
}

// EventSink records events, e.g. as log records.
type EventSink interface {
	Emit(ctx context.Context, e event.Event)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEventSink records every parsed event in sink.
func WithEventSink(sink EventSink) Option {
	return func(p *Pipeline) { p.sink = sink }
}

// WithRouteFilter forwards only the selected event types to chat.
func WithRouteFilter(f event.Filter) Option {
	return func(p *Pipeline) { p.filter = f }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l logging.Logger) Option {
	return func(p *Pipeline) { p.log = logging.OrNop(l) }
}

// WithMetrics counts lines and events.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline handles the lines of every server. HandleLine is called from the
// consumer goroutine of the line's server, so a slow delivery only holds up
// the server it belongs to.
type Pipeline struct {
	parser  LineParser
	router  EventRouter
	sink    EventSink
	filter  event.Filter
	now     func() time.Time
	log     logging.Logger
	metrics *telemetry.Metrics
}

// NewPipeline returns a pipeline parsing with parser and delivering through
// router. router may be nil when no chat destination is configured.
func NewPipeline(parser LineParser, router EventRouter, opts ...Option) *Pipeline {
	p := &Pipeline{
		parser: parser,
		router: router,
		filter: event.AllowAll(),
		now:    time.Now,
		log:    logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// HandleLine parses line from server and forwards the resulting event. It
// has the shape of a tailer handler.
func (p *Pipeline) HandleLine(ctx context.Context, line, server string) error {
	p.metrics.LineRead(ctx, server)

	e, ok := p.parser.ParseLine(line)
	if !ok {
		return nil
	}
	e.Server = server
	e.Time = p.now()

	p.metrics.EventParsed(ctx, server, string(e.Type))
	p.log.Debugw("event parsed", "server", server, "type", string(e.Type), "player", e.Player)

	if p.sink != nil {
		p.sink.Emit(ctx, e)
	}
	if p.router != nil && p.filter.Allows(e.Type) {
		p.router.Route(ctx, e, "")
	}
	return nil
}

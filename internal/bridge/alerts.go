package bridge

import (
	"context"
	"time"

	"github.com/manamana32321/factorio-bridge/internal/event"
	"github.com/manamana32321/factorio-bridge/internal/health"
)

// Alerts turns health notifications into SERVER events routed to each
// server's alert channel.
type Alerts struct {
	router       EventRouter
	sink         EventSink
	destinations map[string]string // server tag -> alert destination
	now          func() time.Time
}

// NewAlerts returns a health.Notifier delivering through router. A server
// without an alert destination falls back to normal event routing.
func NewAlerts(router EventRouter, sink EventSink, destinations map[string]string) *Alerts {
	return &Alerts{router: router, sink: sink, destinations: destinations, now: time.Now}
}

// Notify implements health.Notifier.
func (a *Alerts) Notify(ctx context.Context, n health.Notification) {
	e := AlertEvent(n, a.now())
	if a.sink != nil {
		a.sink.Emit(ctx, e)
	}
	if a.router != nil {
		a.router.Route(ctx, e, a.destinations[n.Server])
	}
}

// AlertEvent converts a health notification into a SERVER event.
func AlertEvent(n health.Notification, at time.Time) event.Event {
	summary := n.Summary()
	meta := map[string]string{
		"state":    n.State.String(),
		"previous": n.Previous.String(),
	}
	if n.Heartbeat {
		meta["heartbeat"] = "true"
	}
	if n.Error != "" {
		meta["error"] = n.Error
	}
	return event.Event{
		Type:      event.TypeServer,
		Message:   summary,
		Emoji:     n.Emoji(),
		Formatted: summary,
		Metadata:  meta,
		Server:    n.Server,
		Time:      at,
	}
}

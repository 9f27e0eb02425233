// Package notify renders game events and delivers them to chat channels.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/manamana32321/factorio-bridge/internal/event"
	"github.com/manamana32321/factorio-bridge/internal/logging"
	"github.com/manamana32321/factorio-bridge/internal/telemetry"
)

const (
	DefaultMaxRetries = 3

	// MaxMessageLength is the longest message the platform accepts.
	MaxMessageLength = 2000

	maxRetryAfter = 30 * time.Second
)

// Routes maps events to destinations. A destination is a channel id or a
// webhook URL.
type Routes struct {
	// Channels maps a channel name declared by a pattern (metadata
	// "channel") to a destination.
	Channels map[string]string
	// Servers holds the default destination of each server.
	Servers map[string]string
	// Default is used when nothing more specific applies.
	Default string
}

// Option configures a Router.
type Option func(*Router)

// WithMaxRetries bounds retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(r *Router) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithRetryInterval sets the first wait between attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.retryInterval = d
		}
	}
}

// WithRate paces sends to each destination. A non-positive limit disables
// pacing.
func WithRate(perSecond float64, burst int) Option {
	return func(r *Router) {
		if perSecond <= 0 {
			r.limit = rate.Inf
			return
		}
		r.limit = rate.Limit(perSecond)
		if burst > 0 {
			r.burst = burst
		}
	}
}

// WithLogger sets the router logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Router) { r.log = logging.OrNop(l) }
}

// WithMetrics counts deliveries and drops.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithEmbeds sends events as embeds when the sender is a RichSender.
func WithEmbeds(enabled bool) Option {
	return func(r *Router) { r.embeds = enabled }
}

// Router picks the destination of each event, renders it and delivers it
// with bounded retries. Delivery is best effort: failures are logged and
// reported as false, never returned or raised.
type Router struct {
	sender        Sender
	routes        Routes
	maxRetries    int
	retryInterval time.Duration
	limit         rate.Limit
	burst         int
	log           logging.Logger
	metrics       *telemetry.Metrics
	embeds        bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRouter returns a router delivering through sender.
func NewRouter(sender Sender, routes Routes, opts ...Option) *Router {
	r := &Router{
		sender:        sender,
		routes:        routes,
		maxRetries:    DefaultMaxRetries,
		retryInterval: time.Second,
		limit:         rate.Inf,
		burst:         1,
		log:           logging.Nop(),
		limiters:      make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve returns the destination of e. Priority: override, then the
// channel declared in the event metadata, then the server default, then the
// global default. Named channels are looked up in Routes.Channels; an
// override that names no channel is used as a destination itself. An
// undeclared metadata channel falls through.
func (r *Router) Resolve(e event.Event, override string) string {
	if override != "" {
		if dest, ok := r.routes.Channels[override]; ok {
			return dest
		}
		return override
	}
	if name := e.Channel(); name != "" {
		if dest, ok := r.routes.Channels[name]; ok && dest != "" {
			return dest
		}
	}
	if dest := r.routes.Servers[e.Server]; dest != "" {
		return dest
	}
	return r.routes.Default
}

// Route renders e and delivers it to its destination.
func (r *Router) Route(ctx context.Context, e event.Event, override string) bool {
	text := event.Render(e)
	if text == "" {
		return false
	}
	dest := r.Resolve(e, override)
	if dest == "" {
		r.log.Debugw("no destination for event", "server", e.Server, "type", string(e.Type))
		r.metrics.Dropped(ctx, e.Server, "no_destination")
		return false
	}
	if rs, ok := r.sender.(RichSender); ok && r.embeds {
		embed := Embed(e)
		return r.deliver(ctx, e.Server, dest, func(ctx context.Context) error {
			return rs.SendEmbed(ctx, dest, embed)
		})
	}
	return r.Deliver(ctx, e.Server, dest, text)
}

// Deliver sends text to dest, retrying transient failures. server is only
// used for logs and metrics.
func (r *Router) Deliver(ctx context.Context, server, dest, text string) bool {
	text = clip(text, MaxMessageLength)
	return r.deliver(ctx, server, dest, func(ctx context.Context) error {
		return r.sender.Send(ctx, dest, text)
	})
}

func (r *Router) deliver(ctx context.Context, server, dest string, send func(context.Context) error) (ok bool) {
	log := r.log.With("server", server, "destination", redact(dest))
	defer func() {
		if p := recover(); p != nil {
			log.Errorw("delivery panicked", "panic", fmt.Sprint(p))
			r.metrics.Dropped(ctx, server, "panic")
			ok = false
		}
	}()

	limiter := r.limiter(dest)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryInterval
	b.MaxElapsedTime = 0
	hinted := &hintedBackOff{BackOff: backoff.WithMaxRetries(b, uint64(r.maxRetries))}

	attempt := 0
	op := func() error {
		attempt++
		if err := limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := send(ctx)
		if err == nil {
			return nil
		}
		de := Classify(dest, err)
		if !de.Retryable {
			return backoff.Permanent(de)
		}
		hinted.hint = min(de.RetryAfter, maxRetryAfter)
		log.Debugw("delivery failed, will retry", "attempt", attempt, "status", de.Status, "retry_after", de.RetryAfter.String(), "error", err)
		return de
	}

	err := backoff.Retry(op, backoff.WithContext(hinted, ctx))
	if err != nil {
		de := Classify(dest, err)
		reason := "permanent"
		if de.Retryable {
			reason = "retries_exhausted"
		}
		log.Warnw("notification dropped", "reason", reason, "attempts", attempt, "status", de.Status, "error", err)
		r.metrics.Dropped(ctx, server, reason)
		return false
	}
	r.metrics.Delivered(ctx, server)
	return true
}

func (r *Router) limiter(dest string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[dest]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[dest] = l
	}
	return l
}

// hintedBackOff waits for the platform-indicated duration when one was
// given, and for the wrapped policy otherwise. It never extends the number
// of attempts.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if b.hint > 0 {
		d, b.hint = b.hint, 0
	}
	return d
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-3]) + "..."
}

package rcon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/manamana32321/factorio-bridge/internal/logging"
)

// ErrUnknownServer is returned for a tag the pool does not know.
var ErrUnknownServer = errors.New("rcon: unknown server")

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the pool logger.
func WithPoolLogger(l logging.Logger) PoolOption {
	return func(p *Pool) { p.log = logging.OrNop(l) }
}

// WithRetryInterval sets the wait before the reconnect-and-retry attempt.
func WithRetryInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.retryInterval = d
		}
	}
}

// WithBreakerTimeout sets how long a tripped breaker rejects commands before
// letting a trial request through.
func WithBreakerTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.breakerTimeout = d
		}
	}
}

// Pool owns one Client per server. Execute adds the reconnect policy: a
// failed command is retried once on a fresh session, and a server that keeps
// failing is short-circuited by a breaker until its timeout elapses.
type Pool struct {
	log            logging.Logger
	retryInterval  time.Duration
	breakerTimeout time.Duration

	mu      sync.RWMutex
	servers map[string]*pooled
}

type pooled struct {
	client  *Client
	breaker *gobreaker.CircuitBreaker
}

// NewPool returns an empty pool.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		log:            logging.Nop(),
		retryInterval:  500 * time.Millisecond,
		breakerTimeout: 30 * time.Second,
		servers:        make(map[string]*pooled),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Add registers the client of server tag.
func (p *Pool) Add(tag string, c *Client) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.servers[tag]; dup {
		return fmt.Errorf("rcon: server %q already registered", tag)
	}
	log := p.log
	p.servers[tag] = &pooled{
		client: c,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        tag,
			MaxRequests: 1,
			Timeout:     p.breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				// Cancellation and rejected commands say nothing about the server.
				return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
					rejected(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warnw("rcon breaker state changed", "server", name, "from", from.String(), "to", to.String())
			},
		}),
	}
	return nil
}

// Client returns the client of server tag.
func (p *Pool) Client(tag string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.servers[tag]
	if !ok {
		return nil, false
	}
	return s.client, true
}

// Tags returns the registered server tags in sorted order.
func (p *Pool) Tags() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tags := make([]string, 0, len(p.servers))
	for tag := range p.servers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Execute runs command on server tag, connecting if needed and retrying once
// on a fresh session after a failure.
func (p *Pool) Execute(ctx context.Context, tag, command string) (string, error) {
	p.mu.RLock()
	s, ok := p.servers[tag]
	p.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownServer, tag)
	}

	out, err := s.breaker.Execute(func() (interface{}, error) {
		var resp string
		op := func() error {
			if err := s.client.Connect(ctx); err != nil {
				if errors.Is(err, ErrAuthFailed) || ctx.Err() != nil {
					return backoff.Permanent(err)
				}
				return err
			}
			r, err := s.client.Execute(ctx, command)
			if err != nil {
				if rejected(err) || ctx.Err() != nil {
					return backoff.Permanent(err)
				}
				return err
			}
			resp = r
			return nil
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.retryInterval
		b.MaxElapsedTime = 0
		err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 1), ctx))
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("server %s: %w", tag, err)
	}
	return out.(string), nil
}

// rejected reports errors raised before the command reached the server.
func rejected(err error) bool {
	return errors.Is(err, ErrEmptyCommand) || errors.Is(err, ErrCommandTooLong)
}

// Probe checks connectivity of server tag. It bypasses the breaker so the
// health monitor always observes the real state.
func (p *Pool) Probe(ctx context.Context, tag string) error {
	c, ok := p.Client(tag)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, tag)
	}
	return c.Probe(ctx)
}

// ConnectAll tries to connect every client once. Failures are logged, not
// returned: servers may come up later and are reconnected on demand.
func (p *Pool) ConnectAll(ctx context.Context) {
	for _, tag := range p.Tags() {
		c, _ := p.Client(tag)
		if err := c.Connect(ctx); err != nil {
			p.log.Warnw("rcon initial connect failed", "server", tag, "error", err)
		}
	}
}

// Close disconnects every client.
func (p *Pool) Close() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var errs []error
	for tag, s := range p.servers {
		if err := s.client.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", tag, err))
		}
	}
	return errors.Join(errs...)
}

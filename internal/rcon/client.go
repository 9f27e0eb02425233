// Package rcon talks to a game server's remote console.
package rcon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorcon/rcon"

	"github.com/manamana32321/factorio-bridge/internal/logging"
)

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultTimeout     = 10 * time.Second

	// MaxCommandLength is the longest command accepted by Execute, fixed by
	// the underlying RCON library.
	MaxCommandLength = rcon.MaxCommandLen
)

var (
	// ErrNotConnected is returned by Execute when the session is not ready.
	ErrNotConnected = errors.New("rcon: not connected")

	// ErrAuthFailed is returned when the server rejects the password.
	ErrAuthFailed = errors.New("rcon: authentication failed")

	// ErrEmptyCommand is returned for blank commands.
	ErrEmptyCommand = errors.New("rcon: empty command")

	// ErrCommandTooLong is returned for commands over MaxCommandLength.
	ErrCommandTooLong = errors.New("rcon: command too long")
)

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	// StateConnecting covers the TCP dial and the password handshake.
	StateConnecting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Option configures a Client.
type Option func(*Client)

// WithDialTimeout sets the TCP dial timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithTimeout sets the read/write deadline for each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Client) { c.log = logging.OrNop(l) }
}

// Client is a single RCON session to one server. Requests are serialized:
// only one command is in flight at a time, so the request id of every reply
// belongs to the request that is waiting for it.
type Client struct {
	addr        string
	password    string
	dialTimeout time.Duration
	timeout     time.Duration
	log         logging.Logger

	mu   sync.Mutex
	conn *rcon.Conn

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos
}

// NewClient returns a disconnected client for host:port.
func NewClient(host string, port int, password string, opts ...Option) *Client {
	c := &Client{
		addr:        net.JoinHostPort(host, strconv.Itoa(port)),
		password:    password,
		dialTimeout: DefaultDialTimeout,
		timeout:     DefaultTimeout,
		log:         logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.log = c.log.With("addr", c.addr)
	return c
}

// Addr returns the server address.
func (c *Client) Addr() string { return c.addr }

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// IsConnected reports whether the session is authenticated and ready.
func (c *Client) IsConnected() bool { return c.State() == StateReady }

// LastActivity returns the time of the last successful exchange.
func (c *Client) LastActivity() time.Time {
	n := c.lastActivity.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Connect dials and authenticates. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dialTimeout := c.dialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < dialTimeout {
			dialTimeout = left
		}
	}

	c.state.Store(int32(StateConnecting))
	conn, err := rcon.Dial(c.addr, c.password,
		rcon.SetDialTimeout(dialTimeout),
		rcon.SetDeadline(c.timeout),
	)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		if errors.Is(err, rcon.ErrAuthFailed) {
			return fmt.Errorf("rcon connect %s: %w", c.addr, ErrAuthFailed)
		}
		return fmt.Errorf("rcon connect %s: %w", c.addr, err)
	}

	c.conn = conn
	c.touch()
	c.state.Store(int32(StateReady))
	c.log.Infow("rcon connected")
	return nil
}

// Disconnect closes the session. Safe to call when not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	c.state.Store(int32(StateDisconnected))
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Execute sends command and returns the server's reply. On a transport error
// the session is closed and the client becomes disconnected; callers decide
// whether to reconnect and retry. Rejected commands leave the session open.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", ErrEmptyCommand
	}
	if len(command) > MaxCommandLength {
		return "", fmt.Errorf("%w (%d bytes, max %d)", ErrCommandTooLong, len(command), MaxCommandLength)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.conn == nil {
		return "", ErrNotConnected
	}

	resp, err := c.conn.Execute(command)
	switch {
	case errors.Is(err, rcon.ErrCommandTooLong):
		return "", ErrCommandTooLong
	case errors.Is(err, rcon.ErrCommandEmpty):
		return "", ErrEmptyCommand
	case err != nil:
		c.log.Warnw("rcon command failed, session closed", "error", err)
		_ = c.closeLocked()
		return "", fmt.Errorf("rcon execute: %w", err)
	}
	c.touch()
	return resp, nil
}

// Probe checks that the server answers, connecting first if needed.
func (c *Client) Probe(ctx context.Context) error {
	c.mu.Lock()
	err := c.connectLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = c.Execute(ctx, "/version")
	return err
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

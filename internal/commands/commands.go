// Package commands implements the admin and query commands users issue from
// the chat platform.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/manamana32321/factorio-bridge/internal/health"
	"github.com/manamana32321/factorio-bridge/internal/logging"
	"github.com/manamana32321/factorio-bridge/internal/ratelimit"
	"github.com/manamana32321/factorio-bridge/internal/telemetry"
)

// Request is one command invocation.
type Request struct {
	Name      string
	Args      []string
	ChannelID string
	UserID    string
	UserName  string
	Admin     bool
}

// Handler answers a request with a reply text. A returned error is shown to
// the user.
type Handler func(ctx context.Context, req Request) (string, error)

// Registrar is the chat platform's command registration capability.
type Registrar interface {
	RegisterCommand(name string, h Handler)
}

// Executor runs RCON commands on servers.
type Executor interface {
	Execute(ctx context.Context, server, command string) (string, error)
}

// StatusSource reports server connectivity.
type StatusSource interface {
	StatusOf(server string) (health.Status, bool)
}

// ReloadFunc reloads the pattern set, returning the number of patterns
// loaded and the diagnostics of skipped rules.
type ReloadFunc func(ctx context.Context) (int, []error, error)

// Server is a configured game server.
type Server struct {
	Tag     string
	Name    string
	Channel string // channel bound to the server, for target selection
}

var (
	// ErrUsage is wrapped by errors caused by bad arguments.
	ErrUsage = errors.New("usage")
	// ErrForbidden is returned for admin commands issued by non-admins.
	ErrForbidden = errors.New("this command is restricted to admins")
)

// Option configures Commands.
type Option func(*Commands)

// WithCooldown limits how often each user may run commands.
func WithCooldown(w *ratelimit.Window) Option {
	return func(c *Commands) { c.cooldown = w }
}

// WithHealth enables connectivity in status replies.
func WithHealth(s StatusSource) Option {
	return func(c *Commands) { c.health = s }
}

// WithReload enables the reload command.
func WithReload(f ReloadFunc) Option {
	return func(c *Commands) { c.reload = f }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Commands) { c.log = logging.OrNop(l) }
}

// WithMetrics counts executed RCON commands.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Commands) { c.metrics = m }
}

// WithPrefix sets the prefix shown in help and usage texts.
func WithPrefix(p string) Option {
	return func(c *Commands) { c.prefix = p }
}

type command struct {
	name    string
	usage   string
	help    string
	admin   bool
	handler Handler
}

// Commands holds the command set and its collaborators.
type Commands struct {
	exec     Executor
	servers  []Server
	byTag    map[string]Server
	byChan   map[string]string
	cooldown *ratelimit.Window
	health   StatusSource
	reload   ReloadFunc
	log      logging.Logger
	metrics  *telemetry.Metrics
	prefix   string
	cmds     []command
}

// New returns the command set for servers.
func New(exec Executor, servers []Server, opts ...Option) *Commands {
	c := &Commands{
		exec:    exec,
		servers: servers,
		byTag:   make(map[string]Server, len(servers)),
		byChan:  make(map[string]string),
		log:     logging.Nop(),
		prefix:  "!",
	}
	for _, s := range servers {
		c.byTag[s.Tag] = s
		if s.Channel != "" {
			if _, taken := c.byChan[s.Channel]; !taken {
				c.byChan[s.Channel] = s.Tag
			}
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.cmds = c.table()
	return c
}

// Names returns the command names in sorted order.
func (c *Commands) Names() []string {
	names := make([]string, 0, len(c.cmds))
	for _, s := range c.cmds {
		names = append(names, s.name)
	}
	sort.Strings(names)
	return names
}

// Register installs every command in r.
func (c *Commands) Register(r Registrar) {
	for _, s := range c.cmds {
		r.RegisterCommand(s.name, c.wrap(s))
	}
}

// Handle runs the command named in req directly.
func (c *Commands) Handle(ctx context.Context, req Request) (string, error) {
	for _, s := range c.cmds {
		if s.name == req.Name {
			return c.wrap(s)(ctx, req)
		}
	}
	return "", fmt.Errorf("unknown command %q, try %shelp", req.Name, c.prefix)
}

func (c *Commands) wrap(s command) Handler {
	return func(ctx context.Context, req Request) (reply string, err error) {
		if s.admin && !req.Admin {
			return "", ErrForbidden
		}
		if c.cooldown != nil && req.UserID != "" {
			if ok, wait := c.cooldown.Allow(req.UserID); !ok {
				return "", fmt.Errorf("slow down, try again in %s", wait.Round(time.Second))
			}
		}
		defer func() {
			if r := recover(); r != nil {
				c.log.Errorw("command panicked", "command", s.name, "panic", r)
				reply, err = "", errors.New("internal error")
			}
		}()
		reply, err = s.handler(ctx, req)
		if errors.Is(err, ErrUsage) {
			err = fmt.Errorf("usage: %s%s %s", c.prefix, s.name, s.usage)
		}
		if err != nil {
			c.log.Infow("command failed", "command", s.name, "user", req.UserName, "error", err)
		}
		return reply, err
	}
}

// target picks the server a request addresses: the first argument when it
// names a server, else the channel's server, else the first server. The
// remaining arguments are returned.
func (c *Commands) target(req Request) (Server, []string, error) {
	args := req.Args
	if len(args) > 0 {
		if s, ok := c.byTag[args[0]]; ok {
			return s, args[1:], nil
		}
	}
	if tag, ok := c.byChan[req.ChannelID]; ok {
		return c.byTag[tag], args, nil
	}
	if len(c.servers) == 0 {
		return Server{}, args, errors.New("no servers configured")
	}
	return c.servers[0], args, nil
}

func (c *Commands) run(ctx context.Context, server, command string) (string, error) {
	resp, err := c.exec.Execute(ctx, server, command)
	c.metrics.CommandExecuted(ctx, server, err == nil)
	if err != nil {
		c.log.Warnw("rcon command failed", "server", server, "error", err)
		return "", fmt.Errorf("server %s did not answer", server)
	}
	return strings.TrimSpace(resp), nil
}

func label(s Server) string {
	if s.Name != "" && s.Name != s.Tag {
		return fmt.Sprintf("%s (%s)", s.Name, s.Tag)
	}
	return s.Tag
}

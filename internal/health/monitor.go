// Package health watches RCON connectivity of every server and reports
// changes.
package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/manamana32321/factorio-bridge/internal/logging"
	"github.com/manamana32321/factorio-bridge/internal/telemetry"
)

const (
	DefaultInterval      = 30 * time.Second
	DefaultAlertInterval = 5 * time.Minute
	DefaultProbeTimeout  = 5 * time.Second
)

// Mode selects when a server's notifications are sent.
type Mode string

const (
	// ModeEdge notifies when the observed state changes.
	ModeEdge Mode = "edge"
	// ModeInterval notifies the current state every alert interval.
	ModeInterval Mode = "interval"
)

// ParseMode validates a configured mode. Empty means edge.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeEdge:
		return ModeEdge, nil
	case ModeInterval:
		return ModeInterval, nil
	}
	return "", fmt.Errorf("unknown alert mode %q (want edge or interval)", s)
}

// State is the observed connectivity of a server.
type State int

const (
	StateUnknown State = iota
	StateUp
	StateDown
)

func (s State) String() string {
	switch s {
	case StateUp:
		return "up"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// Prober checks connectivity of one server.
type Prober interface {
	Probe(ctx context.Context, server string) error
}

// Notifier receives the notifications of the monitor.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Notification describes one state report for a server.
type Notification struct {
	Server    string
	Name      string
	State     State
	Previous  State
	Since     time.Time
	Heartbeat bool   // sent by interval mode, not caused by a change
	Error     string // last probe error when down
}

// Emoji returns the status marker of the notification.
func (n Notification) Emoji() string {
	if n.State == StateUp {
		return "🟢"
	}
	return "🔴"
}

// Summary describes the notification without the status marker.
func (n Notification) Summary() string {
	label := n.Server
	if n.Name != "" && n.Name != n.Server {
		label = fmt.Sprintf("%s (%s)", n.Name, n.Server)
	}
	switch {
	case n.Heartbeat && n.State == StateUp:
		return fmt.Sprintf("**%s** is up", label)
	case n.Heartbeat:
		return fmt.Sprintf("**%s** is down%s", label, errSuffix(n.Error))
	case n.State == StateUp:
		return fmt.Sprintf("**%s** is back online", label)
	default:
		return fmt.Sprintf("**%s** is unreachable%s", label, errSuffix(n.Error))
	}
}

// Text renders the notification for a chat channel.
func (n Notification) Text() string {
	return n.Emoji() + " " + n.Summary()
}

func errSuffix(e string) string {
	if e == "" {
		return ""
	}
	return ": " + e
}

// Target is a server watched by the monitor.
type Target struct {
	Server string
	Name   string
	Mode   Mode
}

// Status is the last observation of a server.
type Status struct {
	Server    string
	Name      string
	Mode      Mode
	State     State
	Since     time.Time // last transition
	CheckedAt time.Time
	LastAlert time.Time
	Error     string
}

type alertState struct {
	target    Target
	state     State
	since     time.Time
	checkedAt time.Time
	lastAlert time.Time
	lastErr   string
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithAlertInterval sets the heartbeat period of interval mode.
func WithAlertInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.alertInterval = d
		}
	}
}

// WithProbeTimeout bounds each probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the monitor logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Monitor) { m.log = logging.OrNop(l) }
}

// WithMetrics counts state transitions.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

// Monitor polls every target and notifies on state changes (edge mode) or
// periodically (interval mode). Each server's alert state is only touched by
// the polling cycle.
type Monitor struct {
	prober        Prober
	notifier      Notifier
	interval      time.Duration
	alertInterval time.Duration
	probeTimeout  time.Duration
	now           func() time.Time
	log           logging.Logger
	metrics       *telemetry.Metrics

	mu      sync.RWMutex
	order   []string
	servers map[string]*alertState
}

// NewMonitor returns a monitor for targets.
func NewMonitor(targets []Target, prober Prober, notifier Notifier, opts ...Option) (*Monitor, error) {
	if prober == nil {
		return nil, errors.New("health: nil prober")
	}
	if notifier == nil {
		notifier = NotifierFunc(func(context.Context, Notification) {})
	}
	m := &Monitor{
		prober:        prober,
		notifier:      notifier,
		interval:      DefaultInterval,
		alertInterval: DefaultAlertInterval,
		probeTimeout:  DefaultProbeTimeout,
		now:           time.Now,
		log:           logging.Nop(),
		servers:       make(map[string]*alertState, len(targets)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	for _, t := range targets {
		if t.Server == "" {
			return nil, errors.New("health: target without server tag")
		}
		if _, dup := m.servers[t.Server]; dup {
			return nil, fmt.Errorf("health: duplicate server %q", t.Server)
		}
		if t.Mode == "" {
			t.Mode = ModeEdge
		}
		m.order = append(m.order, t.Server)
		m.servers[t.Server] = &alertState{target: t}
	}
	return m, nil
}

// Run polls until ctx is cancelled. The first cycle runs immediately.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Infow("health monitor started", "servers", len(m.order), "interval", m.interval.String())
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one polling cycle: every server is probed concurrently, then
// the observations are applied in configuration order.
func (m *Monitor) Check(ctx context.Context) {
	results := make([]error, len(m.order))

	var g errgroup.Group
	for i, tag := range m.order {
		i, tag := i, tag
		g.Go(func() error {
			results[i] = m.probe(ctx, tag)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return
	}
	for i, tag := range m.order {
		if n, ok := m.observe(tag, results[i]); ok {
			m.notify(ctx, n)
		}
	}
}

func (m *Monitor) probe(ctx context.Context, tag string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	return m.prober.Probe(ctx, tag)
}

// observe records the probe result of tag and returns the notification to
// send, if any.
func (m *Monitor) observe(tag string, probeErr error) (Notification, bool) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.servers[tag]
	next := StateUp
	s.lastErr = ""
	if probeErr != nil {
		next = StateDown
		s.lastErr = probeErr.Error()
	}

	prev := s.state
	changed := prev != next
	if changed {
		s.state = next
		s.since = now
	}
	s.checkedAt = now

	if changed {
		m.log.Infow("server connectivity changed", "server", tag, "from", prev.String(), "to", next.String(), "error", s.lastErr)
		if prev != StateUnknown {
			m.metrics.HealthChanged(context.Background(), tag, next == StateUp)
		}
	}

	n := Notification{
		Server:   tag,
		Name:     s.target.Name,
		State:    next,
		Previous: prev,
		Since:    s.since,
		Error:    s.lastErr,
	}

	switch s.target.Mode {
	case ModeInterval:
		if !s.lastAlert.IsZero() && now.Sub(s.lastAlert) < m.alertInterval {
			return Notification{}, false
		}
		n.Heartbeat = true
	default:
		// A server found up at startup is not news; one found down is.
		if !changed || (prev == StateUnknown && next == StateUp) {
			return Notification{}, false
		}
	}
	s.lastAlert = now
	return n, true
}

func (m *Monitor) notify(ctx context.Context, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("health notifier panicked", "server", n.Server, "panic", r)
		}
	}()
	m.notifier.Notify(ctx, n)
}

// Status returns the last observation of every server in configuration order.
func (m *Monitor) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.order))
	for _, tag := range m.order {
		out = append(out, m.statusLocked(tag))
	}
	return out
}

// StatusOf returns the last observation of server.
func (m *Monitor) StatusOf(server string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.servers[server]; !ok {
		return Status{}, false
	}
	return m.statusLocked(server), true
}

func (m *Monitor) statusLocked(tag string) Status {
	s := m.servers[tag]
	return Status{
		Server:    tag,
		Name:      s.target.Name,
		Mode:      s.target.Mode,
		State:     s.state,
		Since:     s.since,
		CheckedAt: s.checkedAt,
		LastAlert: s.lastAlert,
		Error:     s.lastErr,
	}
}

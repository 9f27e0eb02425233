package tailer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/manamana32321/factorio-bridge/internal/logging"
	"github.com/manamana32321/factorio-bridge/internal/telemetry"
)

const (
	// DefaultQueueSize is the per-server buffer between tailer and handler.
	DefaultQueueSize = 256

	// DefaultDrainTimeout bounds how long Stop waits for queued lines.
	DefaultDrainTimeout = 5 * time.Second
)

// ErrNoServers is returned when a Multi is built without any server.
var ErrNoServers = errors.New("no servers configured")

// ConfigError reports a malformed server entry passed to NewMulti.
type ConfigError struct {
	Server  string
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Server == "" {
		return fmt.Sprintf("server config: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("server %q: %s: %s", e.Server, e.Field, e.Message)
}

// Source describes the log file of one server.
type Source struct {
	Path         string
	PollInterval time.Duration // zero uses the Multi default
}

// Handler receives a line together with the tag of the server it came from.
// Errors and panics are logged and counted; they never stop tailing.
type Handler func(ctx context.Context, line, server string) error

// ServerStatus is a point-in-time view of one server's tailer.
type ServerStatus struct {
	Path     string
	Active   bool
	State    State
	Lines    int64 // lines handed to the handler
	Failures int64 // handler errors and panics
}

// MultiOption configures a Multi.
type MultiOption func(*Multi)

// WithDefaultPollInterval sets the poll interval for sources without one.
func WithDefaultPollInterval(d time.Duration) MultiOption {
	return func(m *Multi) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithQueueSize sets the per-server queue capacity.
func WithQueueSize(n int) MultiOption {
	return func(m *Multi) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithDrainTimeout sets how long queued lines may still be handled after the
// tailers stop.
func WithDrainTimeout(d time.Duration) MultiOption {
	return func(m *Multi) {
		if d > 0 {
			m.drainTimeout = d
		}
	}
}

// WithMultiLogger sets the logger.
func WithMultiLogger(l logging.Logger) MultiOption {
	return func(m *Multi) { m.log = logging.OrNop(l) }
}

// WithMultiMetrics counts handler failures.
func WithMultiMetrics(metrics *telemetry.Metrics) MultiOption {
	return func(m *Multi) { m.metrics = metrics }
}

// Multi runs one Tailer per server. Each server has its own bounded queue and
// handler goroutine, so a slow or failing handler for one server does not
// hold back the others. Lines of a single server reach the handler in file
// order.
type Multi struct {
	sources      map[string]Source
	handler      Handler
	interval     time.Duration
	queueSize    int
	drainTimeout time.Duration
	log          logging.Logger
	metrics      *telemetry.Metrics

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	cancel  context.CancelFunc // ends the handler context
	servers map[string]*serverTail
	wg      sync.WaitGroup
}

type serverTail struct {
	tag      string
	tailer   *Tailer
	queue    chan string
	lines    atomic.Int64
	failures atomic.Int64
}

// NewMulti validates sources and returns a stopped Multi. It fails with
// ErrNoServers for an empty map and with *ConfigError for a malformed entry.
func NewMulti(sources map[string]Source, handler Handler, opts ...MultiOption) (*Multi, error) {
	if len(sources) == 0 {
		return nil, ErrNoServers
	}
	if handler == nil {
		return nil, &ConfigError{Field: "handler", Message: "handler is required"}
	}
	for tag, src := range sources {
		if err := validateSource(tag, src); err != nil {
			return nil, err
		}
	}

	m := &Multi{
		sources:      make(map[string]Source, len(sources)),
		handler:      handler,
		interval:     DefaultPollInterval,
		queueSize:    DefaultQueueSize,
		drainTimeout: DefaultDrainTimeout,
		log:          logging.Nop(),
	}
	for tag, src := range sources {
		m.sources[tag] = src
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

func validateSource(tag string, src Source) error {
	if strings.TrimSpace(tag) == "" {
		return &ConfigError{Field: "tag", Message: "server tag is required"}
	}
	if strings.TrimSpace(src.Path) == "" {
		return &ConfigError{Server: tag, Field: "log_path", Message: "log path is required"}
	}
	if strings.ContainsRune(src.Path, 0) {
		return &ConfigError{Server: tag, Field: "log_path", Message: "log path contains a NUL byte"}
	}
	if info, err := os.Stat(src.Path); err == nil && info.IsDir() {
		return &ConfigError{Server: tag, Field: "log_path", Message: "log path is a directory"}
	}
	if src.PollInterval < 0 {
		return &ConfigError{Server: tag, Field: "poll_interval", Message: "poll interval must not be negative"}
	}
	return nil
}

// Tags returns the configured server tags in sorted order.
func (m *Multi) Tags() []string {
	tags := make([]string, 0, len(m.sources))
	for tag := range m.sources {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Start launches every server's tailer and handler goroutine.
func (m *Multi) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyStarted
	}

	stop := make(chan struct{})
	servers := make(map[string]*serverTail, len(m.sources))
	for _, tag := range m.Tags() {
		src := m.sources[tag]
		st := &serverTail{tag: tag, queue: make(chan string, m.queueSize)}
		interval := src.PollInterval
		if interval == 0 {
			interval = m.interval
		}
		st.tailer = New(src.Path, m.enqueue(ctx, st, stop),
			WithPollInterval(interval),
			WithLogger(m.log.With("server", tag)),
		)
		servers[tag] = st
	}

	// Handlers outlive ctx so lines queued at shutdown are still delivered.
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	for _, st := range servers {
		m.wg.Add(1)
		go m.consume(hctx, st)
	}

	var g errgroup.Group
	for _, st := range servers {
		st := st
		g.Go(func() error {
			if err := st.tailer.Start(ctx); err != nil {
				return fmt.Errorf("start tailer %s: %w", st.tag, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		close(stop)
		m.shutdown(servers, cancel)
		return err
	}

	m.stop = stop
	m.cancel = cancel
	m.servers = servers
	m.running = true
	m.log.Infow("multi-server tailer started", "servers", len(servers))
	return nil
}

// Stop stops every tailer, then lets each handler goroutine finish the lines
// already queued, cancelling their context after the drain timeout. A
// failure stopping one tailer does not prevent stopping the others. Safe to
// call when not started.
func (m *Multi) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	servers, cancel := m.servers, m.cancel
	m.mu.Unlock()

	m.shutdown(servers, cancel)
	m.log.Infow("multi-server tailer stopped")
}

// Run starts the tailers and blocks until ctx is done, then stops them.
func (m *Multi) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	m.Stop()
	return nil
}

func (m *Multi) shutdown(servers map[string]*serverTail, cancel context.CancelFunc) {
	for _, st := range servers {
		m.stopTailer(st)
	}
	for _, st := range servers {
		close(st.queue)
	}
	timer := time.AfterFunc(m.drainTimeout, cancel)
	m.wg.Wait()
	timer.Stop()
	cancel()
}

func (m *Multi) stopTailer(st *serverTail) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("stopping tailer panicked", "server", st.tag, "panic", r)
		}
	}()
	st.tailer.Stop()
}

// Status returns the state of every server's tailer.
func (m *Multi) Status() map[string]ServerStatus {
	m.mu.Lock()
	servers := m.servers
	m.mu.Unlock()

	out := make(map[string]ServerStatus, len(m.sources))
	for tag, src := range m.sources {
		s := ServerStatus{Path: src.Path, State: StateClosed}
		if st, ok := servers[tag]; ok {
			s.Active = st.tailer.Active()
			s.State = st.tailer.State()
			s.Lines = st.lines.Load()
			s.Failures = st.failures.Load()
		}
		out[tag] = s
	}
	return out
}

// enqueue returns the line callback of a server's tailer. It blocks when the
// server's queue is full, which only delays that server's own polling.
func (m *Multi) enqueue(ctx context.Context, st *serverTail, stop <-chan struct{}) LineFunc {
	return func(line string) {
		select {
		case st.queue <- line:
		case <-stop:
		case <-ctx.Done():
		}
	}
}

func (m *Multi) consume(ctx context.Context, st *serverTail) {
	defer m.wg.Done()
	for line := range st.queue {
		m.dispatch(ctx, st, line)
	}
}

func (m *Multi) dispatch(ctx context.Context, st *serverTail, line string) {
	st.lines.Add(1)
	defer func() {
		if r := recover(); r != nil {
			st.failures.Add(1)
			m.metrics.HandlerFailed(ctx, st.tag)
			m.log.Errorw("line handler panicked, line skipped", "server", st.tag, "panic", r)
		}
	}()
	if err := m.handler(ctx, line, st.tag); err != nil {
		st.failures.Add(1)
		m.metrics.HandlerFailed(ctx, st.tag)
		m.log.Warnw("line handler failed, line skipped", "server", st.tag, "error", err)
	}
}

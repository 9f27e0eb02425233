// Package tailer follows append-only log files by polling, delivering each
// completed line in file order.
package tailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manamana32321/factorio-bridge/internal/logging"
)

const (
	// DefaultPollInterval is how often the file is checked for new data.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultMaxLineBytes bounds the partial-line buffer. A line that grows
	// past it is delivered in pieces.
	DefaultMaxLineBytes = 256 * 1024

	readChunk = 32 * 1024
)

// State is the lifecycle state of a Tailer.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateTailing
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateTailing:
		return "tailing"
	case StateRecovering:
		return "recovering"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrAlreadyStarted is returned by Start on a tailer that is running.
var ErrAlreadyStarted = errors.New("tailer already started")

// LineFunc receives one completed line, without its line terminator.
type LineFunc func(line string)

// Option configures a Tailer.
type Option func(*Tailer)

// WithPollInterval sets the polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(t *Tailer) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithMaxLineBytes sets the partial-line buffer bound.
func WithMaxLineBytes(n int) Option {
	return func(t *Tailer) {
		if n > 0 {
			t.maxLine = n
		}
	}
}

// WithLogger sets the tailer's logger.
func WithLogger(l logging.Logger) Option {
	return func(t *Tailer) { t.log = logging.OrNop(l) }
}

// Tailer follows a single file. All read state (handle, offset, partial
// line) is owned by the polling goroutine.
type Tailer struct {
	path     string
	onLine   LineFunc
	interval time.Duration
	maxLine  int
	log      logging.Logger

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// owned by the polling goroutine once started
	file    *os.File
	ident   os.FileInfo
	offset  int64
	partial []byte
	split   bool // partial was flushed for length; the line's newline is pending
}

// New creates a tailer for path that calls onLine for every completed line.
func New(path string, onLine LineFunc, opts ...Option) *Tailer {
	t := &Tailer{
		path:     path,
		onLine:   onLine,
		interval: DefaultPollInterval,
		maxLine:  DefaultMaxLineBytes,
		log:      logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.log = t.log.With("path", path)
	return t
}

// Path returns the followed file path.
func (t *Tailer) Path() string { return t.path }

// State returns the current lifecycle state.
func (t *Tailer) State() State { return State(t.state.Load()) }

// Active reports whether the polling loop is running. It turns false once
// the loop exits, whether through Stop or the start context ending.
func (t *Tailer) Active() bool {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Start opens the file positioned at its end, so existing content is not
// replayed, and launches the polling loop. A missing file is not an error:
// it is retried on every poll and read from its beginning once it appears.
func (t *Tailer) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return ErrAlreadyStarted
	}

	t.state.Store(int32(StateOpening))
	if err := t.open(true); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			t.log.Infow("log file not present yet, waiting for it")
		} else {
			t.log.Warnw("open log file failed, will retry", "error", err)
			t.state.Store(int32(StateRecovering))
		}
	} else {
		t.state.Store(int32(StateTailing))
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx, t.done)
	return nil
}

// Stop cancels the polling loop, waits for it to exit and closes the file.
// It is safe to call on a tailer that was never started, and more than once.
func (t *Tailer) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	t.closeFile()
	t.state.Store(int32(StateClosed))
}

func (t *Tailer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.safePoll(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				t.log.Warnw("poll failed, recovering", "error", err)
				t.closeFile()
				t.state.Store(int32(StateRecovering))
			}
		}
	}
}

func (t *Tailer) safePoll(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during poll: %v", r)
		}
	}()
	return t.poll(ctx)
}

// poll performs one read cycle.
func (t *Tailer) poll(ctx context.Context) error {
	if t.file == nil {
		if err := t.open(false); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		t.state.Store(int32(StateTailing))
	}

	info, err := os.Stat(t.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Rotated away and not recreated yet: finish the old handle.
		if err := t.drain(ctx); err != nil {
			return err
		}
		t.log.Infow("log file removed, waiting for a new one")
		t.closeFile()
		t.forget()
		t.state.Store(int32(StateOpening))
		return nil
	case err != nil:
		return fmt.Errorf("stat: %w", err)
	}

	if !os.SameFile(t.ident, info) {
		if err := t.drain(ctx); err != nil {
			return err
		}
		t.log.Infow("log file rotated, reopening from start")
		t.closeFile()
		t.forget()
		if err := t.open(false); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				t.state.Store(int32(StateOpening))
				return nil
			}
			return err
		}
	} else if info.Size() < t.offset {
		t.log.Infow("log file truncated, reading from start", "size", info.Size(), "offset", t.offset)
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("seek after truncation: %w", err)
		}
		t.offset = 0
		t.resetLine()
	}

	return t.drain(ctx)
}

// open opens the file. With atEnd the read position is the current end of
// file; otherwise a known file resumes at its last offset and a new file is
// read from the beginning.
func (t *Tailer) open(atEnd bool) error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return fmt.Errorf("%s: not a regular file", t.path)
	}

	switch {
	case atEnd:
		t.offset = info.Size()
		t.resetLine()
	case t.ident != nil && os.SameFile(t.ident, info) && info.Size() >= t.offset:
		// resume where we stopped
	default:
		t.offset = 0
		t.resetLine()
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		f.Close()
		return err
	}

	t.file = f
	t.ident = info
	return nil
}

// drain reads everything currently available and delivers complete lines.
func (t *Tailer) drain(ctx context.Context) error {
	buf := make([]byte, readChunk)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := t.file.Read(buf)
		if n > 0 {
			t.offset += int64(n)
			t.consume(buf[:n])
		}
		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
	}
}

func (t *Tailer) consume(data []byte) {
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			t.partial = append(t.partial, data...)
			if len(t.partial) >= t.maxLine {
				t.emit(t.partial)
				t.partial = t.partial[:0]
				t.split = true
			}
			return
		}
		switch {
		case len(t.partial) > 0:
			t.partial = append(t.partial, data[:i]...)
			t.emit(t.partial)
			t.partial = t.partial[:0]
		case i > 0 || !t.split:
			t.emit(data[:i])
		}
		t.split = false
		data = data[i+1:]
	}
}

func (t *Tailer) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if t.onLine == nil {
		return
	}
	t.onLine(string(line))
}

func (t *Tailer) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}

// forget drops the identity of the previous file so the next open starts
// from the beginning.
func (t *Tailer) forget() {
	t.ident = nil
	t.offset = 0
	t.resetLine()
}

func (t *Tailer) resetLine() {
	t.partial = t.partial[:0]
	t.split = false
}

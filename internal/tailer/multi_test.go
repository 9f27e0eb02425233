package tailer_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manamana32321/factorio-bridge/internal/tailer"
)

type tagged struct {
	line   string
	server string
}

type taggedCollector struct {
	mu  sync.Mutex
	got []tagged
}

func (c *taggedCollector) handle(_ context.Context, line, server string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, tagged{line: line, server: server})
	return nil
}

func (c *taggedCollector) forServer(server string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, g := range c.got {
		if g.server == server {
			out = append(out, g.line)
		}
	}
	return out
}

func (c *taggedCollector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func twoServers(t *testing.T) (map[string]tailer.Source, string, string) {
	t.Helper()
	dir := t.TempDir()
	prod := filepath.Join(dir, "prod.log")
	dev := filepath.Join(dir, "dev.log")
	require.NoError(t, os.WriteFile(prod, nil, 0o644))
	require.NoError(t, os.WriteFile(dev, nil, 0o644))
	return map[string]tailer.Source{
		"prod": {Path: prod},
		"dev":  {Path: dev},
	}, prod, dev
}

func TestNewMulti_Validation(t *testing.T) {
	noop := func(context.Context, string, string) error { return nil }

	_, err := tailer.NewMulti(nil, noop)
	assert.ErrorIs(t, err, tailer.ErrNoServers)

	_, err = tailer.NewMulti(map[string]tailer.Source{}, noop)
	assert.ErrorIs(t, err, tailer.ErrNoServers)

	_, err = tailer.NewMulti(map[string]tailer.Source{"prod": {}}, noop)
	var cfgErr *tailer.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "prod", cfgErr.Server)
	assert.Equal(t, "log_path", cfgErr.Field)

	_, err = tailer.NewMulti(map[string]tailer.Source{"prod": {Path: t.TempDir()}}, noop)
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, err.Error(), "directory")

	_, err = tailer.NewMulti(map[string]tailer.Source{"": {Path: "/tmp/x.log"}}, noop)
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "tag", cfgErr.Field)

	_, err = tailer.NewMulti(map[string]tailer.Source{"prod": {Path: "/tmp/x.log"}}, nil)
	require.True(t, errors.As(err, &cfgErr))
}

func TestMulti_TagsLinesByServer(t *testing.T) {
	sources, prod, dev := twoServers(t)
	c := &taggedCollector{}

	m, err := tailer.NewMulti(sources, c.handle, tailer.WithDefaultPollInterval(testInterval))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, l := range []string{"p1", "p2", "p3"} {
			appendTo(t, prod, l+"\n")
		}
	}()
	go func() {
		defer wg.Done()
		for _, l := range []string{"d1", "d2", "d3"} {
			appendTo(t, dev, l+"\n")
		}
	}()
	wg.Wait()

	assert.Eventually(t, func() bool { return c.len() == 6 }, waitFor, tick)
	assert.Equal(t, []string{"p1", "p2", "p3"}, c.forServer("prod"))
	assert.Equal(t, []string{"d1", "d2", "d3"}, c.forServer("dev"))
}

func TestMulti_HandlerFailureIsIsolated(t *testing.T) {
	sources, prod, _ := twoServers(t)

	var mu sync.Mutex
	calls := 0
	var delivered []string
	handler := func(_ context.Context, line, server string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		switch calls {
		case 1:
			panic("boom")
		case 2:
			return errors.New("handler failed")
		}
		delivered = append(delivered, line)
		return nil
	}

	m, err := tailer.NewMulti(sources, handler, tailer.WithDefaultPollInterval(testInterval))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	appendTo(t, prod, "first\n")
	assert.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return calls == 1 }, waitFor, tick)
	appendTo(t, prod, "second\n")
	assert.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return calls == 2 }, waitFor, tick)
	appendTo(t, prod, "third\n")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, []string{"third"}, delivered)
	mu.Unlock()

	st := m.Status()["prod"]
	assert.Equal(t, int64(3), st.Lines)
	assert.Equal(t, int64(2), st.Failures)
}

func TestMulti_SlowServerDoesNotBlockOthers(t *testing.T) {
	sources, prod, dev := twoServers(t)

	release := make(chan struct{})
	c := &taggedCollector{}
	handler := func(ctx context.Context, line, server string) error {
		if server == "prod" {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return c.handle(ctx, line, server)
	}

	m, err := tailer.NewMulti(sources, handler, tailer.WithDefaultPollInterval(testInterval))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	appendTo(t, prod, "stuck\n")
	appendTo(t, dev, "d1\nd2\n")

	assert.Eventually(t, func() bool { return len(c.forServer("dev")) == 2 }, waitFor, tick)
	assert.Empty(t, c.forServer("prod"))

	close(release)
	assert.Eventually(t, func() bool { return len(c.forServer("prod")) == 1 }, waitFor, tick)
}

func TestMulti_StatusAndStop(t *testing.T) {
	sources, prod, _ := twoServers(t)
	c := &taggedCollector{}

	m, err := tailer.NewMulti(sources, c.handle, tailer.WithDefaultPollInterval(testInterval))
	require.NoError(t, err)

	before := m.Status()
	assert.False(t, before["prod"].Active)
	assert.Equal(t, prod, before["prod"].Path)

	m.Stop() // not started: no-op
	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), tailer.ErrAlreadyStarted)

	status := m.Status()
	require.Len(t, status, 2)
	assert.True(t, status["prod"].Active)
	assert.True(t, status["dev"].Active)
	assert.Equal(t, []string{"dev", "prod"}, m.Tags())

	m.Stop()
	m.Stop()
	status = m.Status()
	assert.False(t, status["prod"].Active)
	assert.Equal(t, tailer.StateClosed, status["prod"].State)
}

func TestMulti_RunStopsOnCancel(t *testing.T) {
	sources, _, _ := twoServers(t)
	c := &taggedCollector{}
	m, err := tailer.NewMulti(sources, c.handle, tailer.WithDefaultPollInterval(testInterval))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Eventually(t, func() bool { return m.Status()["prod"].Active }, waitFor, tick)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, m.Status()["prod"].Active)
}

func TestMulti_DrainsQueueAfterCancel(t *testing.T) {
	sources, prod, _ := twoServers(t)
	started := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	var handled []string
	var ctxErrs []error
	handler := func(ctx context.Context, line, server string) error {
		if line == "first" {
			close(started)
			<-release
		}
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, line)
		ctxErrs = append(ctxErrs, ctx.Err())
		return nil
	}

	m, err := tailer.NewMulti(sources, handler, tailer.WithDefaultPollInterval(testInterval))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Eventually(t, func() bool { return m.Status()["prod"].Active }, waitFor, tick)
	appendTo(t, prod, "first\nsecond\nthird\n")
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("handler never saw the first line")
	}
	time.Sleep(5 * testInterval)

	cancel()
	time.Sleep(3 * testInterval)
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, handled)
	assert.Equal(t, []error{nil, nil, nil}, ctxErrs)
}

func TestMulti_DrainTimeoutCancelsHandlers(t *testing.T) {
	sources, prod, _ := twoServers(t)
	got := make(chan error, 1)
	handler := func(ctx context.Context, line, server string) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	}

	m, err := tailer.NewMulti(sources, handler,
		tailer.WithDefaultPollInterval(testInterval),
		tailer.WithDrainTimeout(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	appendTo(t, prod, "stuck\n")
	assert.Eventually(t, func() bool { return m.Status()["prod"].Lines == 1 }, waitFor, tick)

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("Stop did not return after the drain timeout")
	}
	assert.ErrorIs(t, <-got, context.Canceled)
}

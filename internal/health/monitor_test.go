package health_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manamana32321/factorio-bridge/internal/health"
)

// scriptedProber returns the next scripted result per server; true is up.
type scriptedProber struct {
	mu     sync.Mutex
	script map[string][]bool
	panics map[string]bool
}

func (p *scriptedProber) Probe(_ context.Context, server string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panics[server] {
		panic("probe exploded")
	}
	steps := p.script[server]
	if len(steps) == 0 {
		return errors.New("no script")
	}
	up := steps[0]
	p.script[server] = steps[1:]
	if !up {
		return errors.New("connection refused")
	}
	return nil
}

type recorder struct {
	mu  sync.Mutex
	got []health.Notification
}

func (r *recorder) Notify(_ context.Context, n health.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recorder) all() []health.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]health.Notification(nil), r.got...)
}

type clock struct{ now time.Time }

func newClock() *clock {
	return &clock{now: time.Date(2025, 11, 30, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type upProber struct{}

func (upProber) Probe(context.Context, string) error { return nil }

func TestMonitor_EdgeModeNotifiesOnTransitions(t *testing.T) {
	prober := &scriptedProber{script: map[string][]bool{
		"prod": {true, true, false, false, true},
	}}
	rec := &recorder{}
	clk := newClock()

	m, err := health.NewMonitor([]health.Target{{Server: "prod", Name: "Production"}}, prober, rec,
		health.WithClock(clk.Now))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.Check(ctx)
		clk.Advance(30 * time.Second)
	}

	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, health.StateDown, got[0].State)
	assert.Equal(t, health.StateUp, got[0].Previous)
	assert.Equal(t, "connection refused", got[0].Error)
	assert.Equal(t, health.StateUp, got[1].State)
	assert.Equal(t, health.StateDown, got[1].Previous)
	assert.False(t, got[0].Heartbeat)
	assert.Contains(t, got[0].Text(), "Production (prod)")
	assert.Contains(t, got[0].Text(), "unreachable")
	assert.Contains(t, got[1].Text(), "back online")
}

func TestMonitor_DownAtStartIsReported(t *testing.T) {
	prober := &scriptedProber{script: map[string][]bool{"prod": {false, false}}}
	rec := &recorder{}
	m, err := health.NewMonitor([]health.Target{{Server: "prod"}}, prober, rec)
	require.NoError(t, err)

	m.Check(context.Background())
	m.Check(context.Background())

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, health.StateUnknown, got[0].Previous)
	assert.Equal(t, health.StateDown, got[0].State)
}

func TestMonitor_IntervalModeHeartbeats(t *testing.T) {
	prober := &scriptedProber{script: map[string][]bool{
		"prod": {true, true, true, false, false, false},
	}}
	rec := &recorder{}
	clk := newClock()

	m, err := health.NewMonitor([]health.Target{{Server: "prod", Mode: health.ModeInterval}}, prober, rec,
		health.WithClock(clk.Now), health.WithAlertInterval(time.Minute))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		m.Check(ctx)
		clk.Advance(30 * time.Second)
	}

	// Checks at 0s, 30s, 60s, 90s, 120s, 150s: heartbeats at 0s, 60s, 120s.
	got := rec.all()
	require.Len(t, got, 3)
	for _, n := range got {
		assert.True(t, n.Heartbeat)
	}
	assert.Equal(t, health.StateUp, got[0].State)
	assert.Equal(t, health.StateUp, got[1].State)
	assert.Equal(t, health.StateDown, got[2].State)
	assert.Contains(t, got[2].Text(), "is down")
}

func TestMonitor_ProbeFailuresAreIsolated(t *testing.T) {
	prober := &scriptedProber{
		script: map[string][]bool{"dev": {false, true}},
		panics: map[string]bool{"prod": true},
	}
	rec := &recorder{}
	m, err := health.NewMonitor([]health.Target{{Server: "prod"}, {Server: "dev"}}, prober, rec)
	require.NoError(t, err)

	m.Check(context.Background())
	m.Check(context.Background())

	prod, ok := m.StatusOf("prod")
	require.True(t, ok)
	assert.Equal(t, health.StateDown, prod.State)
	assert.Contains(t, prod.Error, "panic")

	dev, ok := m.StatusOf("dev")
	require.True(t, ok)
	assert.Equal(t, health.StateUp, dev.State)

	// prod down at start, dev down at start, dev back up.
	assert.Len(t, rec.all(), 3)
}

func TestMonitor_Status(t *testing.T) {
	prober := &scriptedProber{script: map[string][]bool{"a": {true}, "b": {false}}}
	clk := newClock()
	m, err := health.NewMonitor([]health.Target{{Server: "b", Name: "Bravo"}, {Server: "a"}}, prober, nil,
		health.WithClock(clk.Now))
	require.NoError(t, err)

	before := m.Status()
	require.Len(t, before, 2)
	assert.Equal(t, health.StateUnknown, before[0].State)

	m.Check(context.Background())
	st := m.Status()
	assert.Equal(t, "b", st[0].Server)
	assert.Equal(t, "Bravo", st[0].Name)
	assert.Equal(t, health.StateDown, st[0].State)
	assert.Equal(t, clk.Now(), st[0].Since)
	assert.Equal(t, health.StateUp, st[1].State)
	assert.Equal(t, health.ModeEdge, st[1].Mode)

	_, ok := m.StatusOf("missing")
	assert.False(t, ok)
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	m, err := health.NewMonitor([]health.Target{{Server: "prod"}}, upProber{}, nil, health.WithInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Eventually(t, func() bool {
		st, _ := m.StatusOf("prod")
		return st.State == health.StateUp
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestNewMonitor_Validation(t *testing.T) {
	_, err := health.NewMonitor(nil, nil, nil)
	assert.Error(t, err)

	p := &scriptedProber{}
	_, err = health.NewMonitor([]health.Target{{Server: ""}}, p, nil)
	assert.Error(t, err)
	_, err = health.NewMonitor([]health.Target{{Server: "a"}, {Server: "a"}}, p, nil)
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := health.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, health.ModeEdge, m)
	m, err = health.ParseMode("Interval")
	require.NoError(t, err)
	assert.Equal(t, health.ModeInterval, m)
	_, err = health.ParseMode("sometimes")
	assert.Error(t, err)
}

package bridge_test

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

	"github.com/manamana32321/factorio-bridge/internal/bridge"
	"github.com/manamana32321/factorio-bridge/internal/event"
	"github.com/manamana32321/factorio-bridge/internal/health"
	"github.com/manamana32321/factorio-bridge/internal/notify"
	"github.com/manamana32321/factorio-bridge/internal/parser"
	"github.com/manamana32321/factorio-bridge/internal/pattern"
	"github.com/manamana32321/factorio-bridge/internal/tailer"
)

var fixed = time.Date(2025, 11, 30, 17, 44, 59, 0, time.UTC)

type routed struct {
	event    event.Event
	override string
}

type fakeRouter struct {
	mu  sync.Mutex
	got []routed
}

func (r *fakeRouter) Route(_ context.Context, e event.Event, override string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, routed{event: e, override: override})
	return true
}

func (r *fakeRouter) all() []routed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]routed(nil), r.got...)
}

type fakeSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *fakeSink) Emit(_ context.Context, e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func testParser() *parser.Parser {
	return parser.New(pattern.NewSet(
		pattern.MustCompile("player_join", pattern.Rule{
			Pattern: `\[JOIN\] (?P<player>\S+) joined the game`,
			Type:    "join",
		}),
		pattern.MustCompile("player_chat", pattern.Rule{
			Pattern: `\[CHAT\] (?P<player>[^:]+): (?P<message>.*)`,
			Type:    "chat",
			Channel: "chat",
		}),
	))
}

func TestPipeline_HandleLine(t *testing.T) {
	router := &fakeRouter{}
	sink := &fakeSink{}
	p := bridge.NewPipeline(testParser(), router,
		bridge.WithEventSink(sink),
		bridge.WithClock(func() time.Time { return fixed }))

	ctx := context.Background()
	require.NoError(t, p.HandleLine(ctx, "[JOIN] Alice joined the game", "prod"))
	require.NoError(t, p.HandleLine(ctx, "2025-11-30 17:44:59 Random debug output", "prod"))
	require.NoError(t, p.HandleLine(ctx, "[CHAT] Bob: hi all", "dev"))

	got := router.all()
	require.Len(t, got, 2)
	assert.Equal(t, event.TypeJoin, got[0].event.Type)
	assert.Equal(t, "Alice", got[0].event.Player)
	assert.Equal(t, "prod", got[0].event.Server)
	assert.Equal(t, fixed, got[0].event.Time)
	assert.Equal(t, "", got[0].override)

	assert.Equal(t, "dev", got[1].event.Server)
	assert.Equal(t, "chat", got[1].event.Channel())
	assert.Len(t, sink.events, 2)
}

func TestPipeline_RouteFilter(t *testing.T) {
	router := &fakeRouter{}
	sink := &fakeSink{}
	p := bridge.NewPipeline(testParser(), router,
		bridge.WithEventSink(sink),
		bridge.WithRouteFilter(event.NewFilter([]string{"chat"})))

	ctx := context.Background()
	require.NoError(t, p.HandleLine(ctx, "[JOIN] Alice joined the game", "prod"))
	require.NoError(t, p.HandleLine(ctx, "[CHAT] Alice: hello", "prod"))

	got := router.all()
	require.Len(t, got, 1)
	assert.Equal(t, event.TypeChat, got[0].event.Type)
	assert.Len(t, sink.events, 2, "the sink sees filtered events too")
}

func TestPipeline_NilRouter(t *testing.T) {
	p := bridge.NewPipeline(testParser(), nil)
	assert.NoError(t, p.HandleLine(context.Background(), "[JOIN] Alice joined the game", "prod"))
}

// End to end: two tailed files, the real parser and a router delivering to
// a fake sender, routed by pattern channel and server default.
func TestPipeline_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	prodLog := filepath.Join(dir, "prod.log")
	devLog := filepath.Join(dir, "dev.log")
	require.NoError(t, os.WriteFile(prodLog, []byte("[JOIN] Old joined the game\n"), 0o644))
	require.NoError(t, os.WriteFile(devLog, nil, 0o644))

	var mu sync.Mutex
	delivered := map[string][]string{}
	sender := notify.SenderFunc(func(_ context.Context, dest, text string) error {
		mu.Lock()
		defer mu.Unlock()
		delivered[dest] = append(delivered[dest], text)
		return nil
	})
	router := notify.NewRouter(sender, notify.Routes{
		Channels: map[string]string{"chat": "chat-channel"},
		Servers:  map[string]string{"prod": "prod-channel", "dev": "dev-channel"},
	})
	p := bridge.NewPipeline(testParser(), router)

	m, err := tailer.NewMulti(map[string]tailer.Source{
		"prod": {Path: prodLog},
		"dev":  {Path: devLog},
	}, p.HandleLine, tailer.WithDefaultPollInterval(20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	appendLine(t, prodLog, "[JOIN] Alice joined the game")
	appendLine(t, devLog, "[CHAT] Bob: gg")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered["prod-channel"]) == 1 && len(delivered["chat-channel"]) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"➡️ **Alice** joined the game"}, delivered["prod-channel"])
	assert.Equal(t, []string{"💬 **Bob**: gg"}, delivered["chat-channel"])
	assert.Empty(t, delivered["dev-channel"])
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
}

type fakeExecutor struct {
	mu       sync.Mutex
	commands map[string][]string
	fail     map[string]bool
}

func (f *fakeExecutor) Execute(_ context.Context, server, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[server] {
		return "", errors.New("not connected")
	}
	if f.commands == nil {
		f.commands = map[string][]string{}
	}
	f.commands[server] = append(f.commands[server], command)
	return "", nil
}

func TestRelay(t *testing.T) {
	exec := &fakeExecutor{fail: map[string]bool{"broken": true}}
	r := bridge.NewRelay(exec, map[string]string{
		"prod":   "100",
		"dev":    "200",
		"mirror": "100",
		"broken": "200",
		"silent": "",
	}, nil)

	assert.Equal(t, []string{"mirror", "prod"}, r.Servers("100"))

	ctx := context.Background()
	n := r.Relay(ctx, bridge.InboundMessage{ChannelID: "100", Author: "ann", Content: `say "hi"`})
	assert.Equal(t, 2, n)
	want := `/silent-command game.print("[color=purple][Discord][/color] ann: say \"hi\"")`
	assert.Equal(t, []string{want}, exec.commands["prod"])
	assert.Equal(t, []string{want}, exec.commands["mirror"])

	assert.Equal(t, 1, r.Relay(ctx, bridge.InboundMessage{ChannelID: "200", Author: "ann", Content: "x"}))
	assert.Zero(t, r.Relay(ctx, bridge.InboundMessage{ChannelID: "999", Author: "ann", Content: "x"}))
	assert.Zero(t, r.Relay(ctx, bridge.InboundMessage{ChannelID: "100", Author: "ann", Content: "  "}))
}

func TestAlerts(t *testing.T) {
	router := &fakeRouter{}
	sink := &fakeSink{}
	a := bridge.NewAlerts(router, sink, map[string]string{"prod": "alerts"})

	var _ health.Notifier = a
	ctx := context.Background()
	a.Notify(ctx, health.Notification{Server: "prod", Name: "Production", State: health.StateDown, Previous: health.StateUp, Error: "refused"})
	a.Notify(ctx, health.Notification{Server: "dev", State: health.StateUp, Previous: health.StateDown})

	got := router.all()
	require.Len(t, got, 2)
	assert.Equal(t, "alerts", got[0].override)
	assert.Equal(t, event.TypeServer, got[0].event.Type)
	assert.Equal(t, "🔴 **Production (prod)** is unreachable: refused", event.Render(got[0].event))
	assert.Equal(t, "down", got[0].event.Metadata["state"])
	assert.Equal(t, "refused", got[0].event.Metadata["error"])

	assert.Equal(t, "", got[1].override)
	assert.Equal(t, "🟢 **dev** is back online", event.Render(got[1].event))
	assert.Len(t, sink.events, 2)
}

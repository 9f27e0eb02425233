package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"

	"github.com/manamana32321/factorio-bridge/internal/bridge"
	"github.com/manamana32321/factorio-bridge/internal/commands"
	"github.com/manamana32321/factorio-bridge/internal/config"
	"github.com/manamana32321/factorio-bridge/internal/discord"
	"github.com/manamana32321/factorio-bridge/internal/event"
	"github.com/manamana32321/factorio-bridge/internal/health"
	"github.com/manamana32321/factorio-bridge/internal/logging"
	"github.com/manamana32321/factorio-bridge/internal/notify"
	"github.com/manamana32321/factorio-bridge/internal/parser"
	"github.com/manamana32321/factorio-bridge/internal/pattern"
	"github.com/manamana32321/factorio-bridge/internal/ratelimit"
	"github.com/manamana32321/factorio-bridge/internal/rcon"
	"github.com/manamana32321/factorio-bridge/internal/tailer"
	"github.com/manamana32321/factorio-bridge/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func run(parent context.Context, path string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	providers, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:        cfg.OTel.Endpoint,
		ServiceName:     cfg.OTel.ServiceName,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsInterval: cfg.Metrics.Interval,
		LogsEnabled:     cfg.Loki.Enabled,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := providers.Shutdown(sctx); err != nil {
			log.Warnw("telemetry shutdown", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(providers.MeterProvider)
	if err != nil {
		return err
	}

	// Patterns
	loadOpts := []pattern.Option{pattern.WithAllowEmpty(cfg.Patterns.AllowEmpty), pattern.WithLogger(log)}
	loaded, err := pattern.LoadDir(cfg.Patterns.Dir, loadOpts...)
	if err != nil {
		return err
	}
	for _, w := range loaded.Warnings {
		log.Warnw("pattern skipped", "error", w)
	}
	p := parser.New(loaded.Set, parser.WithMaxLineLength(cfg.Patterns.MaxLineLength), parser.WithLogger(log))
	log.Infow("patterns loaded", "dir", cfg.Patterns.Dir, "patterns", loaded.Set.Len(), "files", len(loaded.Files))

	// RCON
	pool := rcon.NewPool(rcon.WithPoolLogger(log))
	defer pool.Close()
	for _, s := range cfg.Servers {
		client := rcon.NewClient(s.Host, s.Port, s.Password, rcon.WithLogger(log.With("server", s.Tag)))
		if err := pool.Add(s.Tag, client); err != nil {
			return err
		}
	}

	// Discord
	var bot *discord.Bot
	if cfg.Discord.Enabled {
		bot, err = discord.New(discord.Config{
			Token:      cfg.Discord.BotToken,
			Prefix:     cfg.Discord.CommandPrefix,
			AdminRoles: cfg.Discord.AdminRoles,
		}, log.With("component", "discord"))
		if err != nil {
			return err
		}
	}

	// Outbound notifications
	var router bridge.EventRouter
	if cfg.HasOutbound() {
		router, err = newRouter(cfg, bot, log, metrics)
		if err != nil {
			return err
		}
	}

	var sink bridge.EventSink
	pipeOpts := []bridge.Option{
		bridge.WithRouteFilter(event.NewFilter(cfg.Discord.Events)),
		bridge.WithLogger(log),
		bridge.WithMetrics(metrics),
	}
	if cfg.Loki.Enabled {
		sink = telemetry.NewEventLogger(providers.Logger(), cfg.Loki.Events)
		pipeOpts = append(pipeOpts, bridge.WithEventSink(sink))
	}
	pipeline := bridge.NewPipeline(p, router, pipeOpts...)

	sources := make(map[string]tailer.Source, len(cfg.Servers))
	for _, s := range cfg.Servers {
		sources[s.Tag] = tailer.Source{Path: s.LogPath, PollInterval: s.PollInterval}
	}
	tails, err := tailer.NewMulti(sources, pipeline.HandleLine,
		tailer.WithDefaultPollInterval(cfg.Tail.PollInterval),
		tailer.WithQueueSize(cfg.Tail.QueueSize),
		tailer.WithMultiLogger(log),
		tailer.WithMultiMetrics(metrics))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// Health
	var monitor *health.Monitor
	if cfg.Health.Enabled {
		targets := make([]health.Target, 0, len(cfg.Servers))
		destinations := make(map[string]string, len(cfg.Servers))
		for _, s := range cfg.Servers {
			mode, _ := health.ParseMode(s.AlertMode)
			targets = append(targets, health.Target{Server: s.Tag, Name: s.DisplayName(), Mode: mode})
			destinations[s.Tag] = s.AlertDestination()
		}
		monitor, err = health.NewMonitor(targets, pool, bridge.NewAlerts(router, sink, destinations),
			health.WithInterval(cfg.Health.Interval),
			health.WithAlertInterval(cfg.Health.AlertInterval),
			health.WithLogger(log),
			health.WithMetrics(metrics))
		if err != nil {
			return err
		}
		g.Go(func() error { return monitor.Run(gctx) })
	}

	reload := func(context.Context) (int, []error, error) {
		res, err := p.Reload(cfg.Patterns.Dir, pattern.WithAllowEmpty(cfg.Patterns.AllowEmpty))
		if err != nil {
			return 0, nil, err
		}
		return res.Set.Len(), res.Warnings, nil
	}

	// Commands and inbound relay
	if bot != nil {
		servers := make([]commands.Server, 0, len(cfg.Servers))
		bindings := make(map[string]string, len(cfg.Servers))
		for _, s := range cfg.Servers {
			servers = append(servers, commands.Server{Tag: s.Tag, Name: s.DisplayName(), Channel: s.InboundChannel()})
			bindings[s.Tag] = s.InboundChannel()
		}

		cmdOpts := []commands.Option{
			commands.WithReload(reload),
			commands.WithPrefix(cfg.Discord.CommandPrefix),
			commands.WithLogger(log),
			commands.WithMetrics(metrics),
		}
		if monitor != nil {
			cmdOpts = append(cmdOpts, commands.WithHealth(monitor))
		}
		if cd := cfg.Discord.Cooldown; cd.Commands > 0 && cd.Per > 0 {
			window := ratelimit.NewWindow(cd.Commands, cd.Per)
			cmdOpts = append(cmdOpts, commands.WithCooldown(window))
			g.Go(func() error { return pruneLoop(gctx, window, cd.Per) })
		}
		commands.New(pool, servers, cmdOpts...).Register(bot)

		relay := bridge.NewRelay(pool, bindings, log)
		bot.OnInbound(func(ctx context.Context, msg bridge.InboundMessage) {
			relay.Relay(ctx, msg)
		})
		g.Go(func() error { return bot.Start(gctx) })
	}

	g.Go(func() error {
		pool.ConnectAll(gctx)
		return nil
	})
	g.Go(func() error { return tails.Run(gctx) })
	g.Go(func() error { return reloadOnHangup(gctx, reload, log) })

	log.Infow("factorio-bridge started",
		"servers", cfg.Tags(),
		"discord", bot != nil,
		"outbound", router != nil,
		"health", monitor != nil,
		"metrics", cfg.Metrics.Enabled,
		"loki", cfg.Loki.Enabled)

	err = g.Wait()
	log.Infow("shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newRouter builds the notification router. Channel ids are sent through the
// bot; webhook URLs need no bot, so a bare session is used when it is off.
func newRouter(cfg config.Config, bot *discord.Bot, log logging.Logger, metrics *telemetry.Metrics) (*notify.Router, error) {
	var dispatcher notify.Dispatcher
	var session *discordgo.Session
	if bot != nil {
		session = bot.Session()
		dispatcher.Channels = notify.NewChannelSender(session)
	} else {
		var err error
		if session, err = discordgo.New(""); err != nil {
			return nil, fmt.Errorf("discordgo session: %w", err)
		}
	}
	dispatcher.Webhooks = notify.NewWebhookSender(session, cfg.Discord.WebhookUsername)

	routes := notify.Routes{
		Channels: cfg.Discord.WebhookChannels,
		Servers:  make(map[string]string, len(cfg.Servers)),
		Default:  cfg.Discord.DefaultWebhook,
	}
	if routes.Default == "" && bot != nil {
		routes.Default = cfg.Discord.DefaultChannel
	}
	for _, s := range cfg.Servers {
		if s.Channel != "" {
			routes.Servers[s.Tag] = s.Channel
		}
	}

	return notify.NewRouter(dispatcher, routes,
		notify.WithMaxRetries(cfg.Discord.MaxRetries),
		notify.WithRate(cfg.Discord.Rate, cfg.Discord.Burst),
		notify.WithEmbeds(cfg.Discord.Embeds),
		notify.WithLogger(log),
		notify.WithMetrics(metrics)), nil
}

func pruneLoop(ctx context.Context, w *ratelimit.Window, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Prune()
		}
	}
}

// reloadOnHangup reloads the pattern set on SIGHUP.
func reloadOnHangup(ctx context.Context, reload commands.ReloadFunc, log logging.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			n, warnings, err := reload(ctx)
			if err != nil {
				log.Errorw("pattern reload failed, keeping the current set", "error", err)
				continue
			}
			for _, w := range warnings {
				log.Warnw("pattern skipped", "error", w)
			}
			log.Infow("patterns reloaded on SIGHUP", "patterns", n)
		}
	}
}

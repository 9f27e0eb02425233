package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/manamana32321/factorio-bridge/internal/health"
	"github.com/manamana32321/factorio-bridge/internal/rcon"
)

func (c *Commands) table() []command {
	cmds := []command{
		{name: "help", help: "list commands", handler: c.help},
		{name: "servers", help: "list servers and their state", handler: c.listServers},
		{name: "status", usage: "[server]", help: "server state and player count", handler: c.status},
		{name: "players", usage: "[server]", help: "online players", handler: c.players},
		{name: "version", usage: "[server]", help: "game version", handler: c.query("/version", "version")},
		{name: "seed", usage: "[server]", help: "map seed", handler: c.query("/seed", "seed")},
		{name: "evolution", usage: "[server]", help: "enemy evolution", handler: c.query("/evolution", "evolution")},
		{name: "time", usage: "[server]", help: "play time", handler: c.query("/time", "time")},

		{name: "kick", usage: "[server] <player> [reason]", help: "kick a player", admin: true, handler: c.withReason(rcon.Kick)},
		{name: "ban", usage: "[server] <player> [reason]", help: "ban a player", admin: true, handler: c.withReason(rcon.Ban)},
		{name: "unban", usage: "[server] <player>", help: "unban a player", admin: true, handler: c.playerOnly(rcon.Unban)},
		{name: "mute", usage: "[server] <player>", help: "mute a player", admin: true, handler: c.playerOnly(rcon.Mute)},
		{name: "unmute", usage: "[server] <player>", help: "unmute a player", admin: true, handler: c.playerOnly(rcon.Unmute)},
		{name: "promote", usage: "[server] <player>", help: "make a player admin", admin: true, handler: c.playerOnly(rcon.Promote)},
		{name: "demote", usage: "[server] <player>", help: "revoke admin", admin: true, handler: c.playerOnly(rcon.Demote)},
		{name: "whisper", usage: "[server] <player> <message>", help: "message one player", admin: true, handler: c.whisper},
		{name: "broadcast", usage: "[server] <message>", help: "message every player", admin: true, handler: c.broadcast},
		{name: "save", usage: "[server] [name]", help: "save the game", admin: true, handler: c.save},
		{name: "research", usage: "[server] <technology>", help: "complete a technology", admin: true, handler: c.research},
	}
	if c.reload != nil {
		cmds = append(cmds, command{name: "reload", help: "reload log patterns", admin: true, handler: c.reloadPatterns})
	}
	return cmds
}

func (c *Commands) help(_ context.Context, req Request) (string, error) {
	var b strings.Builder
	b.WriteString("**Commands**")
	for _, s := range c.cmds {
		if s.admin && !req.Admin {
			continue
		}
		fmt.Fprintf(&b, "\n`%s%s", c.prefix, s.name)
		if s.usage != "" {
			b.WriteString(" " + s.usage)
		}
		fmt.Fprintf(&b, "` %s", s.help)
	}
	return b.String(), nil
}

func (c *Commands) listServers(_ context.Context, _ Request) (string, error) {
	if len(c.servers) == 0 {
		return "No servers configured.", nil
	}
	lines := make([]string, 0, len(c.servers))
	for _, s := range c.servers {
		line := "• " + label(s)
		if c.health != nil {
			if st, ok := c.health.StatusOf(s.Tag); ok {
				line += ": " + st.State.String()
			}
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func (c *Commands) status(ctx context.Context, req Request) (string, error) {
	s, _, err := c.target(req)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("**" + label(s) + "**")
	if c.health != nil {
		if st, ok := c.health.StatusOf(s.Tag); ok {
			fmt.Fprintf(&b, "\nState: %s", st.State)
			if st.State != health.StateUnknown && !st.Since.IsZero() {
				fmt.Fprintf(&b, " since %s", st.Since.UTC().Format(time.RFC3339))
			}
			if st.Error != "" {
				fmt.Fprintf(&b, " (%s)", st.Error)
			}
		}
	}
	resp, err := c.run(ctx, s.Tag, "/players online count")
	if err != nil {
		b.WriteString("\nRCON: unreachable")
		return b.String(), nil
	}
	fmt.Fprintf(&b, "\nPlayers online: %d", rcon.ParsePlayerCount(resp, c.warn(s.Tag, "player count")))
	return b.String(), nil
}

func (c *Commands) players(ctx context.Context, req Request) (string, error) {
	s, _, err := c.target(req)
	if err != nil {
		return "", err
	}
	resp, err := c.run(ctx, s.Tag, "/players online")
	if err != nil {
		return "", err
	}
	names := rcon.ParsePlayers(resp)
	if len(names) == 0 {
		return fmt.Sprintf("No players online on %s.", label(s)), nil
	}
	return fmt.Sprintf("Online on %s (%d): %s", label(s), len(names), strings.Join(names, ", ")), nil
}

func (c *Commands) query(rconCmd, what string) Handler {
	return func(ctx context.Context, req Request) (string, error) {
		s, _, err := c.target(req)
		if err != nil {
			return "", err
		}
		resp, err := c.run(ctx, s.Tag, rconCmd)
		if err != nil {
			return "", err
		}
		var value string
		switch what {
		case "version":
			value = rcon.ParseVersion(resp, c.warn(s.Tag, what))
		case "seed":
			value = rcon.ParseSeed(resp, c.warn(s.Tag, what))
		case "evolution":
			value = fmt.Sprintf("%.4f", rcon.ParseEvolution(resp, c.warn(s.Tag, what)))
		default:
			value = resp
		}
		if value == "" {
			value = "unknown"
		}
		return fmt.Sprintf("%s %s: %s", label(s), what, value), nil
	}
}

func (c *Commands) withReason(build func(player, reason string) (string, error)) Handler {
	return func(ctx context.Context, req Request) (string, error) {
		s, args, err := c.target(req)
		if err != nil {
			return "", err
		}
		if len(args) == 0 {
			return "", ErrUsage
		}
		cmd, err := build(args[0], strings.Join(args[1:], " "))
		if err != nil {
			return "", err
		}
		return c.confirm(ctx, s, cmd)
	}
}

func (c *Commands) playerOnly(build func(player string) (string, error)) Handler {
	return func(ctx context.Context, req Request) (string, error) {
		s, args, err := c.target(req)
		if err != nil {
			return "", err
		}
		if len(args) != 1 {
			return "", ErrUsage
		}
		cmd, err := build(args[0])
		if err != nil {
			return "", err
		}
		return c.confirm(ctx, s, cmd)
	}
}

func (c *Commands) whisper(ctx context.Context, req Request) (string, error) {
	s, args, err := c.target(req)
	if err != nil {
		return "", err
	}
	if len(args) < 2 {
		return "", ErrUsage
	}
	cmd, err := rcon.Whisper(args[0], strings.Join(args[1:], " "))
	if err != nil {
		return "", err
	}
	return c.confirm(ctx, s, cmd)
}

func (c *Commands) broadcast(ctx context.Context, req Request) (string, error) {
	s, args, err := c.target(req)
	if err != nil {
		return "", err
	}
	msg := strings.Join(args, " ")
	if strings.TrimSpace(msg) == "" {
		return "", ErrUsage
	}
	return c.confirm(ctx, s, rcon.Broadcast(fmt.Sprintf("[%s] %s", req.UserName, msg)))
}

func (c *Commands) save(ctx context.Context, req Request) (string, error) {
	s, args, err := c.target(req)
	if err != nil {
		return "", err
	}
	if len(args) > 1 {
		return "", ErrUsage
	}
	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	return c.confirm(ctx, s, rcon.Save(name))
}

func (c *Commands) research(ctx context.Context, req Request) (string, error) {
	s, args, err := c.target(req)
	if err != nil {
		return "", err
	}
	if len(args) != 1 {
		return "", ErrUsage
	}
	cmd, err := rcon.Research(args[0])
	if err != nil {
		return "", err
	}
	resp, err := c.run(ctx, s.Tag, cmd)
	if err != nil {
		return "", err
	}
	if resp != "ok" {
		return "", fmt.Errorf("%s: %s", args[0], resp)
	}
	return fmt.Sprintf("✅ %s researched on %s", args[0], label(s)), nil
}

func (c *Commands) reloadPatterns(ctx context.Context, _ Request) (string, error) {
	n, warnings, err := c.reload(ctx)
	if err != nil {
		return "", fmt.Errorf("reload failed, keeping the current patterns: %w", err)
	}
	reply := fmt.Sprintf("✅ Loaded %d patterns", n)
	if len(warnings) > 0 {
		reply += fmt.Sprintf(", %d skipped:", len(warnings))
		for i, w := range warnings {
			if i == 5 {
				reply += fmt.Sprintf("\n… and %d more", len(warnings)-i)
				break
			}
			reply += "\n• " + w.Error()
		}
	}
	return reply, nil
}

// confirm runs cmd and echoes the server reply, if any.
func (c *Commands) confirm(ctx context.Context, s Server, cmd string) (string, error) {
	resp, err := c.run(ctx, s.Tag, cmd)
	if err != nil {
		return "", err
	}
	if resp == "" {
		return fmt.Sprintf("✅ Done on %s", label(s)), nil
	}
	return fmt.Sprintf("✅ %s: %s", label(s), resp), nil
}

func (c *Commands) warn(server, query string) func(string) {
	return func(resp string) {
		c.log.Warnw("unexpected rcon reply", "server", server, "query", query, "response", resp)
	}
}

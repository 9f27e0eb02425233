package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manamana32321/factorio-bridge/internal/health"
	"github.com/manamana32321/factorio-bridge/internal/notify"
)

// ErrNoServers is returned when no server is configured.
var ErrNoServers = errors.New("config: no servers configured")

// Error is a configuration error of one field, optionally of one server.
type Error struct {
	Server  string
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Server != "" {
		return fmt.Sprintf("config: server %q: %s: %s", e.Server, e.Field, e.Message)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(server, field, format string, args ...interface{}) {
		errs = append(errs, &Error{Server: server, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if len(c.Servers) == 0 {
		return ErrNoServers
	}

	if strings.TrimSpace(c.Patterns.Dir) == "" {
		add("", "patterns.dir", "is required")
	}
	if c.Patterns.MaxLineLength < 0 {
		add("", "patterns.max_line_length", "must not be negative")
	}
	if c.Tail.PollInterval <= 0 {
		add("", "tail.poll_interval", "must be positive")
	}
	if c.Tail.QueueSize <= 0 {
		add("", "tail.queue_size", "must be positive")
	}
	if c.Health.Enabled && c.Health.Interval <= 0 {
		add("", "health.interval", "must be positive")
	}
	if _, err := health.ParseMode(c.Health.Mode); err != nil {
		add("", "health.mode", "%v", err)
	}
	if c.Discord.MaxRetries < 0 {
		add("", "discord.max_retries", "must not be negative")
	}
	if c.Discord.Rate < 0 {
		add("", "discord.rate", "must not be negative")
	}
	if c.Discord.Enabled && strings.TrimSpace(c.Discord.CommandPrefix) == "" {
		add("", "discord.command_prefix", "is required")
	}
	if c.Discord.Enabled && !c.HasOutbound() {
		add("", "discord.default_channel", "is required when DISCORD_BOT_TOKEN is set and no server channel is configured")
	}
	if w := c.Discord.DefaultWebhook; w != "" {
		if _, _, err := notify.ParseWebhookURL(w); err != nil {
			add("", "discord.default_webhook", "%v", err)
		}
	}
	for name, w := range c.Discord.WebhookChannels {
		if _, _, err := notify.ParseWebhookURL(w); err != nil {
			add("", "discord.webhook_channels."+name, "%v", err)
		}
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		id := s.Tag
		if id == "" {
			add(fmt.Sprintf("#%d", i+1), "tag", "is required")
			continue
		}
		if strings.ContainsAny(id, " \t\n") {
			add(id, "tag", "must not contain whitespace")
		}
		if seen[id] {
			add(id, "tag", "is not unique")
		}
		seen[id] = true

		if strings.TrimSpace(s.LogPath) == "" {
			add(id, "log_path", "is required")
		}
		if s.Port < 1 || s.Port > 65535 {
			add(id, "port", "%d is out of range 1-65535", s.Port)
		}
		if s.Password == "" {
			add(id, "password", "set %s or RCON_PASSWORD", PasswordEnv(id))
		}
		if s.PollInterval < 0 {
			add(id, "poll_interval", "must not be negative")
		}
		if _, err := health.ParseMode(s.AlertMode); err != nil {
			add(id, "alert_mode", "%v", err)
		}
	}

	return errors.Join(errs...)
}

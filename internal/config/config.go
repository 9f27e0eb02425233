// Package config loads the bridge configuration from a YAML file and the
// environment. Secrets are read from the environment only.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/manamana32321/factorio-bridge/internal/health"
)

// DefaultPath is used when CONFIG_PATH is not set.
const DefaultPath = "/etc/factorio-bridge/config.yaml"

type Config struct {
	Log      LogConfig      `yaml:"log"`
	OTel     OTelConfig     `yaml:"otel"`
	Patterns PatternsConfig `yaml:"patterns"`
	Tail     TailConfig     `yaml:"tail"`
	Health   HealthConfig   `yaml:"health"`
	Discord  DiscordConfig  `yaml:"discord"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Loki     LokiConfig     `yaml:"loki"`
	Servers  []ServerConfig `yaml:"servers"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

type OTelConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

type PatternsConfig struct {
	Dir           string `yaml:"dir"`
	AllowEmpty    bool   `yaml:"allow_empty"`
	MaxLineLength int    `yaml:"max_line_length"`
}

type TailConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	QueueSize    int           `yaml:"queue_size"`
}

type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	Mode          string        `yaml:"mode"` // edge or interval
	AlertInterval time.Duration `yaml:"alert_interval"`
}

type DiscordConfig struct {
	Enabled         bool              `yaml:"enabled"`
	BotToken        string            `yaml:"-"` // from env only
	DefaultChannel  string            `yaml:"default_channel"`
	CommandPrefix   string            `yaml:"command_prefix"`
	AdminRoles      []string          `yaml:"admin_roles"`
	WebhookChannels map[string]string `yaml:"webhook_channels"`
	DefaultWebhook  string            `yaml:"default_webhook"`
	WebhookUsername string            `yaml:"webhook_username"`
	Embeds          bool              `yaml:"embeds"` // send events as embeds instead of plain text
	MaxRetries      int               `yaml:"max_retries"`
	Rate            float64           `yaml:"rate"` // messages per second per destination, 0 disables pacing
	Burst           int               `yaml:"burst"`
	Cooldown        CooldownConfig    `yaml:"cooldown"`
	Events          EventList         `yaml:"events"` // event types forwarded to chat
}

type CooldownConfig struct {
	Commands int           `yaml:"commands"`
	Per      time.Duration `yaml:"per"`
}

type MetricsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type LokiConfig struct {
	Enabled bool      `yaml:"enabled"`
	Events  EventList `yaml:"events"` // "all" or a list of event types
}

type ServerConfig struct {
	Tag          string        `yaml:"tag"`
	Name         string        `yaml:"name"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"-"` // from env only
	LogPath      string        `yaml:"log_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Channel      string        `yaml:"channel"`
	ChatChannel  string        `yaml:"chat_channel"` // inbound relay source, defaults to Channel
	AlertChannel string        `yaml:"alert_channel"`
	AlertMode    string        `yaml:"alert_mode"`
}

// DisplayName returns the server name, falling back to its tag.
func (s ServerConfig) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Tag
}

// InboundChannel returns the channel whose messages are relayed into game.
func (s ServerConfig) InboundChannel() string {
	if s.ChatChannel != "" {
		return s.ChatChannel
	}
	return s.Channel
}

// AlertDestination returns where health notifications of s go.
func (s ServerConfig) AlertDestination() string {
	if s.AlertChannel != "" {
		return s.AlertChannel
	}
	return s.Channel
}

// EventList is either the scalar "all" or a sequence of event type names.
type EventList []string

func (l *EventList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*l = EventList{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*l = list
		return nil
	}
	return fmt.Errorf("line %d: events must be \"all\" or a list", value.Line)
}

func defaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "info", Encoding: "json"},
		OTel: OTelConfig{
			ServiceName: "factorio-bridge",
		},
		Patterns: PatternsConfig{
			Dir:           "/etc/factorio-bridge/patterns",
			MaxLineLength: 1000,
		},
		Tail: TailConfig{
			PollInterval: 500 * time.Millisecond,
			QueueSize:    256,
		},
		Health: HealthConfig{
			Enabled:       true,
			Interval:      30 * time.Second,
			Mode:          string(health.ModeEdge),
			AlertInterval: 5 * time.Minute,
		},
		Discord: DiscordConfig{
			Enabled:       true,
			CommandPrefix: "!",
			MaxRetries:    3,
			Rate:          5,
			Burst:         5,
			Cooldown:      CooldownConfig{Commands: 5, Per: 30 * time.Second},
			Events:        EventList{"all"},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Interval: 15 * time.Second,
		},
		Loki: LokiConfig{
			Enabled: true,
			Events:  EventList{"all"},
		},
	}
}

// Load reads the file at path, applies environment overrides and validates
// the result. A missing file is not an error; everything may then come from
// defaults, though at least one server must be configured somewhere.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyServerDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	c.Discord.BotToken = getenv("DISCORD_BOT_TOKEN")
	if v := getenv("DISCORD_CHANNEL_ID"); v != "" {
		c.Discord.DefaultChannel = v
	}
	if v := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" && c.OTel.Endpoint == "" {
		c.OTel.Endpoint = strings.TrimPrefix(strings.TrimPrefix(v, "http://"), "https://")
	}
	if c.Discord.BotToken == "" {
		c.Discord.Enabled = false
	}

	shared := getenv("RCON_PASSWORD")
	for i := range c.Servers {
		s := &c.Servers[i]
		s.Password = shared
		if v := getenv(PasswordEnv(s.Tag)); v != "" {
			s.Password = v
		}
	}
}

func (c *Config) applyServerDefaults() {
	for i := range c.Servers {
		s := &c.Servers[i]
		s.Tag = strings.TrimSpace(s.Tag)
		if s.Host == "" {
			s.Host = "localhost"
		}
		if s.Port == 0 {
			s.Port = 27015
		}
		if s.AlertMode == "" {
			s.AlertMode = c.Health.Mode
		}
	}
}

// PasswordEnv returns the environment variable holding the RCON password
// of server tag, e.g. RCON_PASSWORD_PROD_EU for "prod-eu".
func PasswordEnv(tag string) string {
	r := strings.NewReplacer("-", "_", ".", "_", " ", "_")
	return "RCON_PASSWORD_" + strings.ToUpper(r.Replace(tag))
}

// Server returns the server with tag.
func (c *Config) Server(tag string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.Tag == tag {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// Tags returns the server tags in configuration order.
func (c *Config) Tags() []string {
	tags := make([]string, len(c.Servers))
	for i, s := range c.Servers {
		tags[i] = s.Tag
	}
	return tags
}

// HasOutbound reports whether any notification destination is configured.
func (c *Config) HasOutbound() bool {
	if c.Discord.DefaultWebhook != "" || len(c.Discord.WebhookChannels) > 0 {
		return true
	}
	if !c.Discord.Enabled {
		return false
	}
	if c.Discord.DefaultChannel != "" {
		return true
	}
	for _, s := range c.Servers {
		if s.Channel != "" {
			return true
		}
	}
	return false
}

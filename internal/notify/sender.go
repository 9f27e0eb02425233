package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// Sender delivers text to a destination on the chat platform.
type Sender interface {
	Send(ctx context.Context, destination, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, destination, text string) error

func (f SenderFunc) Send(ctx context.Context, destination, text string) error {
	return f(ctx, destination, text)
}

// requestOptions hand retries to the router: the client must neither sleep
// on rate limits nor retry on its own.
func requestOptions(ctx context.Context) []discordgo.RequestOption {
	return []discordgo.RequestOption{
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(0),
	}
}

// ChannelMessenger is the part of *discordgo.Session used by ChannelSender.
type ChannelMessenger interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// ChannelSender posts messages to channels through a bot session.
type ChannelSender struct {
	session ChannelMessenger
}

func NewChannelSender(session ChannelMessenger) *ChannelSender {
	return &ChannelSender{session: session}
}

func (s *ChannelSender) Send(ctx context.Context, channelID, text string) error {
	if _, err := s.session.ChannelMessageSend(channelID, text, requestOptions(ctx)...); err != nil {
		return fmt.Errorf("send to channel %s: %w", channelID, err)
	}
	return nil
}

// WebhookExecutor is the part of *discordgo.Session used by WebhookSender.
type WebhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// WebhookSender posts messages through webhook URLs. No bot token is needed.
type WebhookSender struct {
	session  WebhookExecutor
	username string
}

// NewWebhookSender returns a sender posting as username (empty keeps the
// webhook's own name).
func NewWebhookSender(session WebhookExecutor, username string) *WebhookSender {
	return &WebhookSender{session: session, username: username}
}

func (s *WebhookSender) Send(ctx context.Context, webhookURL, text string) error {
	id, token, err := ParseWebhookURL(webhookURL)
	if err != nil {
		return &DeliveryError{Channel: webhookURL, Err: err}
	}
	params := &discordgo.WebhookParams{Content: text, Username: s.username}
	if _, err := s.session.WebhookExecute(id, token, false, params, requestOptions(ctx)...); err != nil {
		return fmt.Errorf("execute webhook %s: %w", id, err)
	}
	return nil
}

// ErrInvalidWebhook is returned for URLs that are not webhook URLs.
var ErrInvalidWebhook = errors.New("invalid webhook URL")

// IsWebhookURL reports whether destination looks like a webhook URL rather
// than a channel id.
func IsWebhookURL(destination string) bool {
	return strings.HasPrefix(destination, "https://") || strings.HasPrefix(destination, "http://")
}

// ParseWebhookURL extracts the id and token of
// https://discord.com/api/webhooks/<id>/<token>.
func ParseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", ErrInvalidWebhook
}

// Dispatcher sends to webhook URLs through one sender and to channel ids
// through another. Either may be nil when that kind is not configured.
type Dispatcher struct {
	Channels Sender
	Webhooks Sender
}

func (d Dispatcher) Send(ctx context.Context, destination, text string) error {
	s := d.Channels
	kind := "channel"
	if IsWebhookURL(destination) {
		s, kind = d.Webhooks, "webhook"
	}
	if s == nil {
		return &DeliveryError{Channel: destination, Err: fmt.Errorf("no %s sender configured", kind)}
	}
	return s.Send(ctx, destination, text)
}

// redact hides the token of webhook URLs in logs and errors.
func redact(destination string) string {
	if !IsWebhookURL(destination) {
		return destination
	}
	if id, _, err := ParseWebhookURL(destination); err == nil {
		return "webhook:" + id
	}
	return "webhook:?"
}

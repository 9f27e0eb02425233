package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/manamana32321/factorio-bridge/internal/event"
)

// MaxEmbedDescription is the platform limit for an embed description.
const MaxEmbedDescription = 4096

// RichSender delivers an embed. Senders that cannot are sent the embed's
// description as plain text.
type RichSender interface {
	SendEmbed(ctx context.Context, destination string, embed *discordgo.MessageEmbed) error
}

var typeColors = map[event.Type]int{
	event.TypeJoin:        0x2ecc71,
	event.TypeLeave:       0x95a5a6,
	event.TypeChat:        0x3498db,
	event.TypeDeath:       0xe74c3c,
	event.TypeResearch:    0x9b59b6,
	event.TypeMilestone:   0xf1c40f,
	event.TypeAchievement: 0xf1c40f,
	event.TypeServer:      0xe67e22,
	event.TypeTask:        0x1abc9c,
}

// Embed renders e as a rich message: the rendered text as description, a
// color per event type, the server tag as footer and the event time.
func Embed(e event.Event) *discordgo.MessageEmbed {
	text := event.Render(e)
	if text == "" {
		return nil
	}
	embed := &discordgo.MessageEmbed{
		Description: clip(text, MaxEmbedDescription),
		Color:       typeColors[e.Type],
	}
	if e.Server != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: e.Server}
	}
	if !e.Time.IsZero() {
		embed.Timestamp = e.Time.UTC().Format(time.RFC3339)
	}
	return embed
}

func (s *ChannelSender) SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error {
	if _, err := s.session.ChannelMessageSendEmbed(channelID, embed, requestOptions(ctx)...); err != nil {
		return fmt.Errorf("send embed to channel %s: %w", channelID, err)
	}
	return nil
}

func (s *WebhookSender) SendEmbed(ctx context.Context, webhookURL string, embed *discordgo.MessageEmbed) error {
	id, token, err := ParseWebhookURL(webhookURL)
	if err != nil {
		return &DeliveryError{Channel: webhookURL, Err: err}
	}
	params := &discordgo.WebhookParams{Username: s.username, Embeds: []*discordgo.MessageEmbed{embed}}
	if _, err := s.session.WebhookExecute(id, token, false, params, requestOptions(ctx)...); err != nil {
		return fmt.Errorf("execute webhook %s: %w", id, err)
	}
	return nil
}

func (d Dispatcher) SendEmbed(ctx context.Context, destination string, embed *discordgo.MessageEmbed) error {
	s := d.Channels
	if IsWebhookURL(destination) {
		s = d.Webhooks
	}
	if rs, ok := s.(RichSender); ok {
		return rs.SendEmbed(ctx, destination, embed)
	}
	return d.Send(ctx, destination, embed.Description)
}

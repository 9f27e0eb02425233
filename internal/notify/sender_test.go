package notify_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manamana32321/factorio-bridge/internal/notify"
)

type fakeSession struct {
	channel, content string
	embed            *discordgo.MessageEmbed
	webhookID, token string
	params           *discordgo.WebhookParams
	options          int
	err              error
}

func (f *fakeSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.channel, f.content, f.options = channelID, content, len(options)
	return &discordgo.Message{}, f.err
}

func (f *fakeSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.channel, f.embed, f.options = channelID, embed, len(options)
	return &discordgo.Message{}, f.err
}

func (f *fakeSession) WebhookExecute(webhookID, token string, _ bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.webhookID, f.token, f.params, f.options = webhookID, token, data, len(options)
	return nil, f.err
}

func TestParseWebhookURL(t *testing.T) {
	id, token, err := notify.ParseWebhookURL(urlA)
	require.NoError(t, err)
	assert.Equal(t, "111", id)
	assert.Equal(t, "token-a", token)

	_, _, err = notify.ParseWebhookURL("https://discord.com/api/channels/1")
	assert.ErrorIs(t, err, notify.ErrInvalidWebhook)
	_, _, err = notify.ParseWebhookURL("https://discord.com/api/webhooks/111")
	assert.ErrorIs(t, err, notify.ErrInvalidWebhook)

	assert.True(t, notify.IsWebhookURL(urlA))
	assert.False(t, notify.IsWebhookURL("123456"))
}

func TestChannelSender(t *testing.T) {
	fs := &fakeSession{}
	require.NoError(t, notify.NewChannelSender(fs).Send(context.Background(), "123", "hello"))
	assert.Equal(t, "123", fs.channel)
	assert.Equal(t, "hello", fs.content)
	assert.Equal(t, 3, fs.options)

	fs.err = restError(403)
	err := notify.NewChannelSender(fs).Send(context.Background(), "123", "hello")
	require.Error(t, err)
	de := notify.Classify("123", err)
	assert.Equal(t, 403, de.Status)
	assert.False(t, de.Retryable)
}

func TestWebhookSender(t *testing.T) {
	fs := &fakeSession{}
	s := notify.NewWebhookSender(fs, "Factorio")
	require.NoError(t, s.Send(context.Background(), urlB, "hello"))
	assert.Equal(t, "222", fs.webhookID)
	assert.Equal(t, "token-b", fs.token)
	assert.Equal(t, "hello", fs.params.Content)
	assert.Equal(t, "Factorio", fs.params.Username)

	err := s.Send(context.Background(), "https://example.com/nope", "hello")
	assert.ErrorIs(t, err, notify.ErrInvalidWebhook)
	assert.False(t, notify.Classify("", err).Retryable)
}

func TestDispatcher(t *testing.T) {
	channels := &fakeSender{}
	webhooks := &fakeSender{}
	d := notify.Dispatcher{Channels: channels, Webhooks: webhooks}
	ctx := context.Background()

	require.NoError(t, d.Send(ctx, "123", "a"))
	require.NoError(t, d.Send(ctx, urlA, "b"))
	assert.Equal(t, []sent{{dest: "123", text: "a"}}, channels.sent)
	assert.Equal(t, []sent{{dest: urlA, text: "b"}}, webhooks.sent)

	err := notify.Dispatcher{Channels: channels}.Send(ctx, urlA, "c")
	var de *notify.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.Retryable)
	assert.NotContains(t, err.Error(), "token-a")
}

func TestClassify(t *testing.T) {
	withHeader := &discordgo.RESTError{Response: &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"1.5"}},
	}}

	tests := []struct {
		name       string
		err        error
		status     int
		retryable  bool
		retryAfter time.Duration
	}{
		{"rate limit", rateLimited(2 * time.Second), 429, true, 2 * time.Second},
		{"429 header", withHeader, 429, true, 1500 * time.Millisecond},
		{"server error", restError(503), 503, true, 0},
		{"not found", restError(404), 404, false, 0},
		{"forbidden", restError(403), 403, false, 0},
		{"network", errors.New("dial tcp: connection refused"), 0, true, 0},
		{"cancelled", context.Canceled, 0, false, 0},
		{"deadline", context.DeadlineExceeded, 0, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := notify.Classify("100", tt.err)
			require.NotNil(t, de)
			assert.Equal(t, tt.status, de.Status)
			assert.Equal(t, tt.retryable, de.Retryable)
			assert.Equal(t, tt.retryAfter, de.RetryAfter)
			assert.ErrorIs(t, de, tt.err)
		})
	}

	assert.Nil(t, notify.Classify("100", nil))
}

package bridge

import (
	"context"
	"sort"
	"strings"

	"github.com/manamana32321/factorio-bridge/internal/logging"
	"github.com/manamana32321/factorio-bridge/internal/rcon"
)

// Executor runs an RCON command on a server.
type Executor interface {
	Execute(ctx context.Context, server, command string) (string, error)
}

// InboundMessage is a chat message posted on the chat platform.
type InboundMessage struct {
	Source    string // platform name shown in game
	ChannelID string
	Author    string
	Content   string
}

// Relay prints chat messages in the game of every server bound to the
// message's channel.
type Relay struct {
	exec     Executor
	channels map[string][]string // channel id -> server tags
	log      logging.Logger
}

// NewRelay binds channel ids to servers. bindings maps server tag to the
// channel relayed into it; servers without a channel are not bound.
func NewRelay(exec Executor, bindings map[string]string, log logging.Logger) *Relay {
	r := &Relay{exec: exec, channels: make(map[string][]string), log: logging.OrNop(log)}
	for tag, channel := range bindings {
		if channel == "" {
			continue
		}
		r.channels[channel] = append(r.channels[channel], tag)
	}
	for _, tags := range r.channels {
		sort.Strings(tags)
	}
	return r
}

// Servers returns the tags bound to channelID.
func (r *Relay) Servers(channelID string) []string {
	return r.channels[channelID]
}

// Relay sends msg to the servers bound to its channel and returns how many
// accepted it. Failures are logged.
func (r *Relay) Relay(ctx context.Context, msg InboundMessage) int {
	if strings.TrimSpace(msg.Content) == "" {
		return 0
	}
	source := msg.Source
	if source == "" {
		source = "Discord"
	}
	cmd := rcon.ChatRelay(source, msg.Author, msg.Content)

	delivered := 0
	for _, tag := range r.channels[msg.ChannelID] {
		if _, err := r.exec.Execute(ctx, tag, cmd); err != nil {
			r.log.Warnw("relay to game failed", "server", tag, "author", msg.Author, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}


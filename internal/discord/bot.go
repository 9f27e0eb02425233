// Package discord connects the bridge to a Discord bot: it dispatches
// prefixed commands and hands other messages to the inbound relay.
package discord

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/manamana32321/factorio-bridge/internal/bridge"
	"github.com/manamana32321/factorio-bridge/internal/commands"
	"github.com/manamana32321/factorio-bridge/internal/logging"
	"github.com/manamana32321/factorio-bridge/internal/notify"
)

// InboundFunc receives chat messages that are not commands.
type InboundFunc func(ctx context.Context, msg bridge.InboundMessage)

// Config configures a Bot.
type Config struct {
	Token      string
	Prefix     string
	AdminRoles []string // role ids or names
}

// Bot is a Discord gateway session with command dispatch.
type Bot struct {
	session    *discordgo.Session
	prefix     string
	adminRoles map[string]bool
	log        logging.Logger

	mu        sync.RWMutex
	handlers  map[string]commands.Handler
	inbound   InboundFunc
	botUserID string
	ctx       context.Context
}

// New creates the bot session. Nothing is sent until Start.
func New(cfg Config, log logging.Logger) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discordgo session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "!"
	}
	b := &Bot{
		session:    session,
		prefix:     prefix,
		adminRoles: make(map[string]bool, len(cfg.AdminRoles)),
		log:        logging.OrNop(log),
		handlers:   make(map[string]commands.Handler),
		ctx:        context.Background(),
	}
	for _, r := range cfg.AdminRoles {
		b.adminRoles[strings.ToLower(r)] = true
	}
	session.AddHandler(b.onMessage)
	return b, nil
}

// Session returns the underlying session, used by the notification senders.
func (b *Bot) Session() *discordgo.Session { return b.session }

// RegisterCommand implements commands.Registrar.
func (b *Bot) RegisterCommand(name string, h commands.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[strings.ToLower(name)] = h
}

// OnInbound sets the receiver of non-command messages.
func (b *Bot) OnInbound(f InboundFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inbound = f
}

// Start opens the gateway connection and blocks until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	user := b.session.State.User
	b.mu.Lock()
	b.botUserID = user.ID
	b.mu.Unlock()
	b.log.Infow("discord bot connected", "user", user.Username)

	<-ctx.Done()
	if err := b.session.Close(); err != nil {
		b.log.Warnw("discord close", "error", err)
	}
	return nil
}

// message is the part of a Discord message the bot acts on.
type message struct {
	ChannelID string
	GuildID   string
	AuthorID  string
	Author    string
	IsBot     bool
	Content   string
	Roles     []string
}

func (b *Bot) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	author := m.Author.GlobalName
	if author == "" {
		author = m.Author.Username
	}
	msg := message{
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		AuthorID:  m.Author.ID,
		Author:    author,
		IsBot:     m.Author.Bot,
		Content:   m.Content,
	}
	if m.Member != nil {
		msg.Roles = b.roleNames(s, m.GuildID, m.Member.Roles)
	}

	b.mu.RLock()
	ctx := b.ctx
	b.mu.RUnlock()

	reply, ok := b.handle(ctx, msg)
	if !ok {
		return
	}
	if _, err := s.ChannelMessageSend(m.ChannelID, clip(reply), discordgo.WithContext(ctx)); err != nil {
		b.log.Warnw("command reply failed", "error", notify.Classify(m.ChannelID, err))
	}
}

// roleNames returns the role ids followed by the names resolvable from the
// session state, so admin roles may be configured either way.
func (b *Bot) roleNames(s *discordgo.Session, guildID string, ids []string) []string {
	roles := append([]string(nil), ids...)
	if s == nil || s.State == nil {
		return roles
	}
	for _, id := range ids {
		if r, err := s.State.Role(guildID, id); err == nil && r != nil {
			roles = append(roles, r.Name)
		}
	}
	return roles
}

// handle dispatches msg and returns the reply to post, if any.
func (b *Bot) handle(ctx context.Context, msg message) (string, bool) {
	b.mu.RLock()
	self := b.botUserID
	inbound := b.inbound
	b.mu.RUnlock()

	if msg.IsBot || (self != "" && msg.AuthorID == self) {
		return "", false
	}
	if strings.TrimSpace(msg.Content) == "" {
		return "", false
	}

	name, args, ok := ParseCommand(b.prefix, msg.Content)
	if !ok {
		if inbound != nil {
			inbound(ctx, bridge.InboundMessage{
				Source:    "Discord",
				ChannelID: msg.ChannelID,
				Author:    msg.Author,
				Content:   msg.Content,
			})
		}
		return "", false
	}

	b.mu.RLock()
	h, found := b.handlers[name]
	b.mu.RUnlock()
	if !found {
		return "", false
	}

	reply, err := h(ctx, commands.Request{
		Name:      name,
		Args:      args,
		ChannelID: msg.ChannelID,
		UserID:    msg.AuthorID,
		UserName:  msg.Author,
		Admin:     b.isAdmin(msg.Roles),
	})
	if err != nil {
		return "⚠️ " + err.Error(), true
	}
	if reply == "" {
		return "", false
	}
	return reply, true
}

func (b *Bot) isAdmin(roles []string) bool {
	for _, r := range roles {
		if b.adminRoles[strings.ToLower(r)] {
			return true
		}
	}
	return false
}

// ParseCommand splits "<prefix>name arg..." into a lowercase name and its
// arguments.
func ParseCommand(prefix, content string) (string, []string, bool) {
	content = strings.TrimSpace(content)
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

func clip(s string) string {
	if utf8.RuneCountInString(s) <= notify.MaxMessageLength {
		return s
	}
	r := []rune(s)
	return string(r[:notify.MaxMessageLength-1]) + "…"
}

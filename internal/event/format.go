package event

import (
	"strings"
)

// kind holds the default presentation of an event type.
type kind struct {
	emoji    string
	template string
}

var kinds = map[Type]kind{
	TypeJoin:        {emoji: "➡️", template: "**{player}** joined the game"},
	TypeLeave:       {emoji: "⬅️", template: "**{player}** left the game"},
	TypeChat:        {emoji: "💬", template: "**{player}**: {message}"},
	TypeDeath:       {emoji: "💀", template: "**{player}** died {message}"},
	TypeResearch:    {emoji: "🔬", template: "Research completed: **{message}**"},
	TypeMilestone:   {emoji: "🏆", template: "Milestone reached: **{message}**"},
	TypeAchievement: {emoji: "🏅", template: "**{player}** earned **{message}**"},
	TypeServer:      {emoji: "🖥️", template: "{message}"},
	TypeTask:        {emoji: "📋", template: "{message}"},
	TypeUnknown:     {emoji: "❔", template: "{message}"},
}

// DefaultEmoji returns the emoji used for t when a pattern declares none.
func DefaultEmoji(t Type) string {
	if k, ok := kinds[t]; ok {
		return k.emoji
	}
	return kinds[TypeUnknown].emoji
}

// DefaultTemplate returns the fallback message template for t.
func DefaultTemplate(t Type) string {
	if k, ok := kinds[t]; ok {
		return k.template
	}
	return kinds[TypeUnknown].template
}

// Expand substitutes {name} placeholders in tmpl with values from fields.
// Unknown placeholders are replaced with an empty string.
func Expand(tmpl string, fields map[string]string) string {
	var b strings.Builder
	b.Grow(len(tmpl))
	for {
		open := strings.IndexByte(tmpl, '{')
		if open < 0 {
			b.WriteString(tmpl)
			break
		}
		end := strings.IndexByte(tmpl[open:], '}')
		if end < 0 {
			b.WriteString(tmpl)
			break
		}
		b.WriteString(tmpl[:open])
		b.WriteString(fields[tmpl[open+1:open+end]])
		tmpl = tmpl[open+end+1:]
	}
	return strings.TrimSpace(b.String())
}

// Render returns the display text of e: its pre-set formatted text and emoji
// when present, the type's fallback template otherwise.
func Render(e Event) string {
	text := e.Formatted
	if text == "" {
		text = Expand(DefaultTemplate(e.Type), map[string]string{
			"player":  e.Player,
			"message": e.Message,
		})
	}
	if text == "" {
		text = e.Raw
	}
	emoji := e.Emoji
	if emoji == "" {
		emoji = DefaultEmoji(e.Type)
	}
	if text == "" {
		return ""
	}
	return emoji + " " + text
}

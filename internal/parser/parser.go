// Package parser turns raw log lines into typed events using a compiled
// pattern set.
package parser

import (
	"fmt"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/manamana32321/factorio-bridge/internal/event"
	"github.com/manamana32321/factorio-bridge/internal/logging"
	"github.com/manamana32321/factorio-bridge/internal/pattern"
)

const (
	// DefaultMaxLineLength is the number of bytes of a line considered for matching.
	DefaultMaxLineLength = 1000

	// DefaultMaxPlayerLength caps captured player names, in runes.
	DefaultMaxPlayerLength = 64

	// DefaultMaxMessageLength caps captured message text, in runes.
	DefaultMaxMessageLength = 500
)

// Option configures a Parser.
type Option func(*Parser)

// WithMaxLineLength sets the byte length lines are truncated to before matching.
func WithMaxLineLength(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxLine = n
		}
	}
}

// WithMaxPlayerLength sets the rune cap applied to captured player names.
func WithMaxPlayerLength(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxPlayer = n
		}
	}
}

// WithMaxMessageLength sets the rune cap applied to captured message text.
func WithMaxMessageLength(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxMessage = n
		}
	}
}

// WithLogger sets the logger used for reload diagnostics.
func WithLogger(l logging.Logger) Option {
	return func(p *Parser) { p.log = logging.OrNop(l) }
}

// Parser matches lines against an ordered pattern set. The first matching
// pattern wins. Parser is safe for concurrent use; the pattern set can be
// replaced at runtime with Swap or Reload.
type Parser struct {
	set        atomic.Pointer[pattern.Set]
	maxLine    int
	maxPlayer  int
	maxMessage int
	log        logging.Logger
}

// New creates a Parser over set. A nil set never matches.
func New(set *pattern.Set, opts ...Option) *Parser {
	p := &Parser{
		maxLine:    DefaultMaxLineLength,
		maxPlayer:  DefaultMaxPlayerLength,
		maxMessage: DefaultMaxMessageLength,
		log:        logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if set == nil {
		set = pattern.NewSet()
	}
	p.set.Store(set)
	return p
}

// Patterns returns the active pattern set.
func (p *Parser) Patterns() *pattern.Set {
	return p.set.Load()
}

// Swap atomically replaces the active pattern set.
func (p *Parser) Swap(set *pattern.Set) {
	if set == nil {
		set = pattern.NewSet()
	}
	p.set.Store(set)
}

// Reload loads dir and swaps in the result. On error the active set is kept.
func (p *Parser) Reload(dir string, opts ...pattern.Option) (*pattern.Result, error) {
	opts = append([]pattern.Option{pattern.WithLogger(p.log)}, opts...)
	res, err := pattern.LoadDir(dir, opts...)
	if err != nil {
		return res, fmt.Errorf("reload patterns: %w", err)
	}
	p.Swap(res.Set)
	p.log.Infow("pattern set reloaded", "dir", dir, "patterns", res.Set.Len())
	return res, nil
}

// ParseLine returns the event for the first pattern matching line. The
// second result is false when no pattern matches.
func (p *Parser) ParseLine(line string) (event.Event, bool) {
	line = p.sanitize(line)
	if line == "" {
		return event.Event{}, false
	}

	for _, pat := range p.set.Load().Patterns() {
		m := pat.Expr.FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}
		return p.build(pat, line, m), true
	}
	return event.Event{}, false
}

func (p *Parser) sanitize(line string) string {
	line = strings.TrimRight(line, "\r\n")
	line = truncateBytes(line, 4*p.maxLine)
	if !utf8.ValidString(line) {
		line = strings.ToValidUTF8(line, "�")
	}
	return truncateBytes(line, p.maxLine)
}

func (p *Parser) build(pat *pattern.Pattern, line string, m []int) event.Event {
	ev := event.Event{
		Type:  pat.Type,
		Emoji: pat.Emoji,
		Raw:   line,
	}

	fields := make(map[string]string)
	for i, name := range pat.Expr.SubexpNames() {
		if i == 0 || name == "" || 2*i+1 >= len(m) || m[2*i] < 0 {
			continue
		}
		value := strings.TrimSpace(line[m[2*i]:m[2*i+1]])
		switch name {
		case "player":
			value = truncateRunes(value, p.maxPlayer)
			ev.Player = value
		case "message":
			value = truncateRunes(value, p.maxMessage)
			ev.Message = value
		default:
			value = truncateRunes(value, p.maxMessage)
			if ev.Metadata == nil {
				ev.Metadata = make(map[string]string)
			}
			ev.Metadata[name] = value
		}
		fields[name] = value
	}

	if pat.Channel != "" {
		if ev.Metadata == nil {
			ev.Metadata = make(map[string]string)
		}
		ev.Metadata[event.MetaChannel] = pat.Channel
	}

	if ev.Emoji == "" {
		ev.Emoji = event.DefaultEmoji(pat.Type)
	}
	tmpl := pat.Format
	if tmpl == "" {
		tmpl = event.DefaultTemplate(pat.Type)
	}
	ev.Formatted = event.Expand(tmpl, fields)
	if ev.Formatted == "" {
		ev.Formatted = line
	}
	return ev
}

// truncateBytes cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Package pattern loads declarative log-line rules from YAML files and
// compiles them into matchers.
//
// A pattern file holds a top-level "events" mapping from event name to rule:
//
//	events:
//	  player_join:
//	    pattern: '\[JOIN\] (?P<player>\S+) joined the game'
//	    type: join
//	    emoji: "✅"
//	    channel: chat
//	  research_done:
//	    pattern: 'Research (?P<message>.+) completed'
//	    type: research
//	    format: 'Finished researching **{message}**'
//
// Expressions use Go's RE2 syntax, so matching time is linear in the input.
package pattern

import (
	"regexp"

	"github.com/manamana32321/factorio-bridge/internal/event"
)

// Rule is a single event rule as written in a pattern file.
type Rule struct {
	Pattern string `yaml:"pattern"`
	Type    string `yaml:"type"`
	Emoji   string `yaml:"emoji"`
	Channel string `yaml:"channel"`
	Format  string `yaml:"format"`
	Enabled *bool  `yaml:"enabled"`
}

// Pattern is a compiled rule.
type Pattern struct {
	Name    string
	Type    event.Type
	Expr    *regexp.Regexp
	Emoji   string
	Channel string
	Format  string
	File    string // base name of the file that declared it
}

// Set is an ordered, read-only collection of compiled patterns. Order is
// match precedence: file name order, then declaration order within a file.
type Set struct {
	patterns []*Pattern
}

// NewSet builds a Set from already compiled patterns, keeping their order.
func NewSet(patterns ...*Pattern) *Set {
	cp := make([]*Pattern, len(patterns))
	copy(cp, patterns)
	return &Set{patterns: cp}
}

// Patterns returns the patterns in match order. Callers must not modify it.
func (s *Set) Patterns() []*Pattern {
	if s == nil {
		return nil
	}
	return s.patterns
}

// Len returns the number of patterns.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.patterns)
}

// Compile validates r and compiles it into a Pattern named name.
func Compile(name string, r Rule) (*Pattern, error) {
	if name == "" {
		return nil, &RuleError{Field: "name", Message: "event name is required"}
	}
	if r.Pattern == "" {
		return nil, &RuleError{Name: name, Field: "pattern", Message: "pattern is required"}
	}
	if len(r.Pattern) > MaxExpressionLength {
		return nil, &RuleError{Name: name, Field: "pattern", Message: "pattern too long"}
	}
	if r.Type == "" {
		return nil, &RuleError{Name: name, Field: "type", Message: "type is required"}
	}
	typ, ok := event.ParseType(r.Type)
	if !ok {
		return nil, &RuleError{Name: name, Field: "type", Message: "unknown event type " + r.Type}
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return nil, &RuleError{Name: name, Field: "pattern", Message: "invalid regular expression", Cause: err}
	}
	return &Pattern{
		Name:    name,
		Type:    typ,
		Expr:    re,
		Emoji:   r.Emoji,
		Channel: r.Channel,
		Format:  r.Format,
	}, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and
// built-in rules.
func MustCompile(name string, r Rule) *Pattern {
	p, err := Compile(name, r)
	if err != nil {
		panic(err)
	}
	return p
}

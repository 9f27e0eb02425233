// Package event defines the typed game events produced from server log lines.
package event

import (
	"strings"
	"time"
)

// Type identifies the kind of a game event.
type Type string

const (
	TypeJoin        Type = "JOIN"
	TypeLeave       Type = "LEAVE"
	TypeChat        Type = "CHAT"
	TypeDeath       Type = "DEATH"
	TypeResearch    Type = "RESEARCH"
	TypeMilestone   Type = "MILESTONE"
	TypeAchievement Type = "ACHIEVEMENT"
	TypeServer      Type = "SERVER"
	TypeTask        Type = "TASK"
	TypeUnknown     Type = "UNKNOWN"
)

// MetaChannel is the metadata key holding the routing channel name.
const MetaChannel = "channel"

// Event represents a single event observed on a game server.
// Events are values: once built by the parser they are never mutated.
type Event struct {
	Type      Type
	Player    string            // empty for non-player events
	Message   string            // chat text or free-form detail
	Emoji     string            // formatting hint
	Formatted string            // pre-rendered display text, without emoji
	Raw       string            // source line (possibly truncated)
	Metadata  map[string]string // "channel" selects the routing destination
	Server    string            // tag of the originating server
	Time      time.Time
}

// Channel returns the routing channel declared in the metadata, if any.
func (e Event) Channel() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[MetaChannel]
}

// ParseType converts a pattern-file type name into a Type. Matching is
// case-insensitive; "achievement" and "milestone" are distinct kinds that
// share formatting.
func ParseType(s string) (Type, bool) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := kinds[t]; !ok {
		return TypeUnknown, false
	}
	return t, true
}

// Types lists every known event type in declaration order.
func Types() []Type {
	return []Type{
		TypeJoin, TypeLeave, TypeChat, TypeDeath, TypeResearch,
		TypeMilestone, TypeAchievement, TypeServer, TypeTask, TypeUnknown,
	}
}

// Filter selects event types by name. The name "all" selects every type.
type Filter struct {
	all   bool
	types map[Type]bool
}

// NewFilter builds a filter from type names. Unknown names are ignored and
// an empty list selects nothing.
func NewFilter(names []string) Filter {
	f := Filter{types: make(map[Type]bool)}
	for _, n := range names {
		if strings.EqualFold(strings.TrimSpace(n), "all") {
			f.all = true
			continue
		}
		if t, ok := ParseType(n); ok {
			f.types[t] = true
		}
	}
	return f
}

// AllowAll returns a filter selecting every type.
func AllowAll() Filter { return Filter{all: true} }

// Allows reports whether t is selected.
func (f Filter) Allows(t Type) bool {
	return f.all || f.types[t]
}

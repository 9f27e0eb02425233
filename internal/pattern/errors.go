package pattern

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPatterns is returned when a directory yields no usable pattern.
	ErrNoPatterns = errors.New("no valid patterns loaded")

	// ErrNotDirectory is returned when the pattern path is not a directory.
	ErrNotDirectory = errors.New("pattern path is not a directory")
)

// RuleError describes a problem with one rule or one pattern file.
type RuleError struct {
	File    string // base name, empty when not file-bound
	Name    string // event name, empty for file-level errors
	Field   string
	Message string
	Cause   error
}

func (e *RuleError) Error() string {
	prefix := e.File
	if e.Name != "" {
		if prefix != "" {
			prefix += ": "
		}
		prefix += fmt.Sprintf("event %q", e.Name)
	}
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if prefix == "" {
		return msg
	}
	return prefix + ": " + msg
}

func (e *RuleError) Unwrap() error {
	return e.Cause
}

package models

import "errors"

// ErrNotFound is returned by store operations that target a row that no
// longer exists (double pop, update of an absent config key).
var ErrNotFound = errors.New("not found")

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}

// EventDecodeError marks an event whose declared type was recognized but
// whose content does not satisfy the variant's required fields. It is
// distinguishable from the generic fallback taken for unknown types.
type EventDecodeError struct {
	EventType string
	Reason    string
}

func (e *EventDecodeError) Error() string {
	return "invalid " + e.EventType + " event: " + e.Reason
}

package core

import (
	"errors"
	"fmt"
)

// ErrUnknownAgent is reported when a task kind has no registered agent.
var ErrUnknownAgent = errors.New("no agent registered for task kind")

// ConfigError is a caller bug: an invalid count, index or concurrency. It is
// returned at call time and never retried or isolated.
type ConfigError struct {
	Field   string
	Value   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// NewConfigError formats value with %v.
func NewConfigError(field string, value any, message string) *ConfigError {
	return &ConfigError{Field: field, Value: fmt.Sprint(value), Message: message}
}

// IsConfigError reports whether err is or wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

package config

import (
	"errors"
	"fmt"
)

// ConfigError marks invalid or missing profile and settings input. It is fatal
// to the whole run and is raised before any account is processed.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Errorf formats a ConfigError. %w is honoured.
func Errorf(format string, args ...any) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

// IsConfigError reports whether err carries a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

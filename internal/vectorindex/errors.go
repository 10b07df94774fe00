package vectorindex

import (
	"errors"
	"fmt"
)

var (
	ErrConfig    = errors.New("vectorindex: invalid configuration")
	ErrDestroyed = errors.New("vectorindex: index destroyed")
	ErrDimension = errors.New("vectorindex: dimension mismatch")
)

// ConfigError reports an unsupported index kind, metric, parameter or input.
// It matches ErrConfig with errors.Is.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("vectorindex: invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

package plan

import "fmt"

// ConfigError reports a missing or invalid transform configuration. It is
// returned before any file is processed.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid config: " + e.Reason
	}
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

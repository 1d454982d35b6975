package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every variable FromEnv reads.
const EnvPrefix = "REGFLOW_"

// FromEnv overlays REGFLOW_* environment variables onto cfg. Unset variables
// leave the current value untouched, e.g. REGFLOW_QUEUE_MAX_ATTEMPTS=5 or
// REGFLOW_GATE_RATE_WINDOW=90s.
func FromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

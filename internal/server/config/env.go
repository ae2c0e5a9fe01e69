package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

const envPrefix = "GOPHAUTH_"

// parseEnv overlays GOPHAUTH_* variables onto config. Unset variables leave
// the current value alone.
func parseEnv(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env takes precedence
// over file values; secrets come exclusively from env.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AGENTGATE_API_KEY"); v != "" {
		c.Gateway.APIKey = v
	}
	if v := os.Getenv("AGENTGATE_HOST"); v != "" {
		c.Gateway.Host = v
	}
	if v := os.Getenv("AGENTGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("AGENTGATE_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("AGENTGATE_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("AGENTGATE_DEFAULT_ADAPTER"); v != "" {
		c.Adapters.Default = v
	}
}

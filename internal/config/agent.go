// ABOUTME: Agent-side configuration loaded from a TOML file
// ABOUTME: Covers the gateway connection, bridge listener, and logging

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// AgentConfig holds the screen-agent configuration.
type AgentConfig struct {
	Gateway GatewayConfig      `toml:"gateway"`
	Bridge  BridgeConfig       `toml:"bridge"`
	Logging AgentLoggingConfig `toml:"logging"`
}

// GatewayConfig describes the upstream gateway connection.
type GatewayConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
	Name  string `toml:"name"`

	ReconnectDelay time.Duration `toml:"-"`

	ReconnectDelayRaw string `toml:"reconnect_delay"`
}

// BridgeConfig describes the local WebSocket listener extensions connect to.
type BridgeConfig struct {
	Addr           string `toml:"addr"`
	DefaultBrowser string `toml:"default_browser"`
}

// AgentLoggingConfig holds agent logging configuration.
type AgentLoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// LoadAgent reads an agent configuration file from the given path.
// Environment variables in the format ${VAR_NAME} are expanded before parsing.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg AgentConfig
	if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Gateway.ReconnectDelayRaw != "" {
		cfg.Gateway.ReconnectDelay, err = time.ParseDuration(cfg.Gateway.ReconnectDelayRaw)
		if err != nil {
			return nil, fmt.Errorf("parsing gateway.reconnect_delay %q: %w", cfg.Gateway.ReconnectDelayRaw, err)
		}
	}
	if cfg.Gateway.ReconnectDelay <= 0 {
		cfg.Gateway.ReconnectDelay = 5 * time.Second
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the agent configuration is complete.
func (c *AgentConfig) Validate() error {
	if c.Bridge.Addr == "" {
		return fmt.Errorf("bridge.addr is required")
	}

	// Gateway connection is optional: an agent can serve extension
	// traffic locally without joining a hub.
	if c.Gateway.URL != "" && c.Gateway.Token == "" {
		return fmt.Errorf("gateway.token is required when gateway.url is set")
	}

	return nil
}

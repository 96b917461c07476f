package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// CLIConfig holds the settings of the market command line client
type CLIConfig struct {
	RegistryURL string `toml:"registry_url"`
	PeerID      string `toml:"peer_id"`
	Timeout     int    `toml:"timeout"`
}

// LoadCLI loads the client configuration from a TOML file
func LoadCLI(path string) (*CLIConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config CLIConfig
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	return &config, nil
}

// Save saves configuration to TOML file
func (c *CLIConfig) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func (c *CLIConfig) setDefaults() {
	if c.RegistryURL == "" {
		c.RegistryURL = "http://127.0.0.1:8080"
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
}

// DefaultCLIConfig returns a default client configuration
func DefaultCLIConfig() *CLIConfig {
	cfg := &CLIConfig{}
	cfg.setDefaults()
	return cfg
}

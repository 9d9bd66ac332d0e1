package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/HK-LEEE/maxlab-sub001/pkg/logging"
	"github.com/HK-LEEE/maxlab-sub001/pkg/oauth"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/maxlab"
	configFileName = "config.yaml"
)

// GetDefaultConfigPath returns the default configuration directory under the
// user's home directory.
func GetDefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// Load loads configuration from the specified directory. A missing
// config.yaml is not an error; the defaults are returned.
func Load(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	cfg := Default()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			if err := cfg.applyFallbacks(); err != nil {
				return Config{}, err
			}
			return cfg, nil
		}
		return Config{}, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}

	if err := cfg.applyFallbacks(); err != nil {
		return Config{}, err
	}

	logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	return cfg, nil
}

// applyFallbacks fills fields the file zeroed out or omitted.
func (c *Config) applyFallbacks() error {
	d := Default()
	if c.Scopes == "" {
		c.Scopes = d.Scopes
	}
	if c.Refresh.Threshold <= 0 {
		c.Refresh.Threshold = d.Refresh.Threshold
	}
	if c.Refresh.Timeout <= 0 {
		c.Refresh.Timeout = d.Refresh.Timeout
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = d.Breaker.Threshold
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = d.Breaker.Cooldown
	}
	if c.LoopGuard.Window <= 0 {
		c.LoopGuard.Window = d.LoopGuard.Window
	}
	if c.LoopGuard.MaxFailures <= 0 {
		c.LoopGuard.MaxFailures = d.LoopGuard.MaxFailures
	}
	if c.Blacklist.Timeout <= 0 {
		c.Blacklist.Timeout = d.Blacklist.Timeout
	}
	if c.StorageDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("could not determine storage directory: %w", err)
		}
		c.StorageDir = filepath.Join(homeDir, oauth.DefaultAuthStorageDir)
	}
	return nil
}

// Validate checks that the fields required to talk to the provider are set.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if c.ClientID == "" {
		return errors.New("clientID is required")
	}
	return nil
}

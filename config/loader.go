package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// loadConfigFromFile decodes path over cfg, so fields missing from the file
// keep whatever cfg already holds.
func loadConfigFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Load reads the config file at path over the defaults without creating or
// watching anything.
func Load(path string) (Config, error) {
	cfg := *DefaultConfig()
	if err := loadConfigFromFile(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// checkConfigFilePermissions returns an error, which makes Load fail, if a
// config file has overly permissive permissions (any group/world bit set).
// Config files describe network
// topology and tuning; leaking them is low-severity but avoidable.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Load reads and validates a g2node configuration file. Fields absent
// from the YAML document keep the value from Defaults().
func Load(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade g2node", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field-level invariants the tick loop and search engine
// rely on (non-negative budgets, a bound AdaptiveBusyPercentage, etc).
func Validate(cfg *Config) error {
	switch {
	case cfg.Port <= 0 || cfg.Port > 65535:
		return &InvalidFieldError{Field: "port", Value: fmt.Sprint(cfg.Port)}
	case cfg.MaxPacketsPerTick <= 0:
		return &InvalidFieldError{Field: "max_packets_per_tick", Value: fmt.Sprint(cfg.MaxPacketsPerTick)}
	case cfg.AdaptiveBusyPercentage < 0 || cfg.AdaptiveBusyPercentage > 1:
		return &InvalidFieldError{Field: "adaptive_busy_percentage", Value: fmt.Sprint(cfg.AdaptiveBusyPercentage)}
	case cfg.NumLeafs < 0:
		return &InvalidFieldError{Field: "num_leafs", Value: fmt.Sprint(cfg.NumLeafs)}
	case cfg.AdaptiveMinimumLeaves < 0:
		return &InvalidFieldError{Field: "adaptive_minimum_leaves", Value: fmt.Sprint(cfg.AdaptiveMinimumLeaves)}
	}
	return nil
}

// FindConfigFile resolves the config path: the explicit flag if given,
// otherwise $HOME/.config/g2node/config.yaml.
func FindConfigFile(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	path := filepath.Join(home, ".config", "g2node", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return "", err
	}
	return path, nil
}

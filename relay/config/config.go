package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	configSubdir   = "config"
	configFileName = "relay_config.json"
)

//go:embed default_config.json
var defaultConfigJSON []byte

func validateConfig(cfg *Config) error {
	// Validate log level
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between 0 and 5")
	}

	// Validate log format
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	// Set defaults for the query server
	if cfg.QueryServerPort == 0 {
		cfg.QueryServerPort = 8080
	}

	// Set defaults for the ledger connection
	if cfg.Ledger.MSPID == "" {
		cfg.Ledger.MSPID = "Org1MSP"
	}
	if cfg.Ledger.PeerEndpoint == "" {
		cfg.Ledger.PeerEndpoint = "localhost:7051"
	}
	if cfg.Ledger.SubmitTimeoutSeconds == 0 {
		cfg.Ledger.SubmitTimeoutSeconds = 30
	}
	if cfg.Ledger.BreakerFailureThreshold == 0 {
		cfg.Ledger.BreakerFailureThreshold = 5
	}
	if cfg.Ledger.BreakerWindowSeconds == 0 {
		cfg.Ledger.BreakerWindowSeconds = 60
	}
	if cfg.Ledger.BreakerCooldownSeconds == 0 {
		cfg.Ledger.BreakerCooldownSeconds = 30
	}

	// Set defaults for the dispatcher
	if cfg.Dispatcher.PollIntervalMillis == 0 {
		cfg.Dispatcher.PollIntervalMillis = 100
	}
	if cfg.Dispatcher.BatchSize == 0 {
		cfg.Dispatcher.BatchSize = 16
	}
	if cfg.Dispatcher.MaxAttempts == 0 {
		cfg.Dispatcher.MaxAttempts = 5
	}
	if cfg.Dispatcher.LockStaleSeconds == 0 {
		cfg.Dispatcher.LockStaleSeconds = 120
	}
	if cfg.Dispatcher.RetryBackoffBaseSeconds == 0 {
		cfg.Dispatcher.RetryBackoffBaseSeconds = 2
	}
	if cfg.Dispatcher.RetryBackoffMaxSeconds == 0 {
		cfg.Dispatcher.RetryBackoffMaxSeconds = 300
	}

	// Set defaults for the projector
	if cfg.ProjectorName == "" {
		cfg.ProjectorName = "balances"
	}

	// Initialize tenant bindings from the embedded defaults if absent
	if len(cfg.Tenants) == 0 {
		var defaultCfg Config
		if err := json.Unmarshal(defaultConfigJSON, &defaultCfg); err == nil {
			cfg.Tenants = defaultCfg.Tenants
		}
	}
	seen := make(map[string]bool, len(cfg.Tenants))
	for _, tb := range cfg.Tenants {
		if tb.TenantID == "" || tb.Channel == "" || tb.Chaincode == "" {
			return fmt.Errorf("tenant bindings require tenant_id, channel and chaincode")
		}
		if seen[tb.TenantID] {
			return fmt.Errorf("duplicate tenant binding for %q", tb.TenantID)
		}
		seen[tb.TenantID] = true
	}

	// Set defaults for maintenance
	if cfg.MaintenanceIntervalSeconds == 0 {
		cfg.MaintenanceIntervalSeconds = 3600
	}
	if cfg.DeadLetterRetentionSeconds == 0 {
		cfg.DeadLetterRetentionSeconds = 7 * 86400
	}

	return nil
}

// Save writes the given config to <RelayHome>/config/relay_config.json.
func Save(cfg *Config, basePath string) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Join(basePath, configSubdir)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configDir, configFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads the config from <basePath>/config/relay_config.json, applying
// defaults for absent fields.
func Load(basePath string) (Config, error) {
	configFile := filepath.Join(basePath, configSubdir, configFileName)
	data, err := os.ReadFile(filepath.Clean(configFile))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDefaultConfig loads the default configuration from embedded JSON
func LoadDefaultConfig() (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid default config: %w", err)
	}
	return &cfg, nil
}

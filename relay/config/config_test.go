package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	testCases := []struct {
		name        string
		config      *Config
		expectError bool
		errorMsg    string
		validate    func(t *testing.T, cfg *Config)
	}{
		{
			name: "valid config with all fields",
			config: &Config{
				LogLevel:        1,
				LogFormat:       "json",
				QueryServerPort: 9091,
				Ledger: LedgerConfig{
					MSPID:                   "Org2MSP",
					PeerEndpoint:            "peer0.org2:7051",
					SubmitTimeoutSeconds:    10,
					BreakerFailureThreshold: 3,
					BreakerWindowSeconds:    30,
					BreakerCooldownSeconds:  15,
				},
				Dispatcher: DispatcherConfig{
					PollIntervalMillis: 250,
					BatchSize:          8,
					MaxAttempts:        3,
					LockStaleSeconds:   60,
				},
				Tenants: []TenantBinding{
					{TenantID: "acme", Channel: "acme-channel", Chaincode: "accountledger"},
				},
			},
			expectError: false,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9091, cfg.QueryServerPort)
				assert.Equal(t, "Org2MSP", cfg.Ledger.MSPID)
				assert.Equal(t, 250, cfg.Dispatcher.PollIntervalMillis)
			},
		},
		{
			name: "invalid log level (negative)",
			config: &Config{
				LogLevel:  -1,
				LogFormat: "json",
			},
			expectError: true,
			errorMsg:    "log level must be between 0 and 5",
		},
		{
			name: "invalid log format",
			config: &Config{
				LogLevel:  2,
				LogFormat: "xml",
			},
			expectError: true,
			errorMsg:    "log format must be 'json' or 'console'",
		},
		{
			name: "defaults applied",
			config: &Config{
				LogLevel:  1,
				LogFormat: "console",
			},
			expectError: false,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8080, cfg.QueryServerPort)
				assert.Equal(t, "localhost:7051", cfg.Ledger.PeerEndpoint)
				assert.Equal(t, 30, cfg.Ledger.SubmitTimeoutSeconds)
				assert.Equal(t, 5, cfg.Ledger.BreakerFailureThreshold)
				assert.Equal(t, 100, cfg.Dispatcher.PollIntervalMillis)
				assert.Equal(t, 16, cfg.Dispatcher.BatchSize)
				assert.Equal(t, 5, cfg.Dispatcher.MaxAttempts)
				assert.Equal(t, 120, cfg.Dispatcher.LockStaleSeconds)
				assert.Equal(t, "balances", cfg.ProjectorName)
				assert.NotEmpty(t, cfg.Tenants)
				assert.Equal(t, 3600, cfg.MaintenanceIntervalSeconds)
			},
		},
		{
			name: "tenant binding missing channel",
			config: &Config{
				LogLevel:  1,
				LogFormat: "json",
				Tenants: []TenantBinding{
					{TenantID: "acme", Chaincode: "accountledger"},
				},
			},
			expectError: true,
			errorMsg:    "tenant bindings require tenant_id, channel and chaincode",
		},
		{
			name: "duplicate tenant binding",
			config: &Config{
				LogLevel:  1,
				LogFormat: "json",
				Tenants: []TenantBinding{
					{TenantID: "acme", Channel: "a", Chaincode: "cc"},
					{TenantID: "acme", Channel: "b", Chaincode: "cc"},
				},
			},
			expectError: true,
			errorMsg:    `duplicate tenant binding for "acme"`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateConfig(tc.config)

			if tc.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errorMsg)
				return
			}

			require.NoError(t, err)
			if tc.validate != nil {
				tc.validate(t, tc.config)
			}
		})
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	base := t.TempDir()

	cfg := &Config{
		LogLevel:        0,
		LogFormat:       "json",
		QueryServerPort: 9099,
		Tenants: []TenantBinding{
			{TenantID: "acme", Channel: "acme-channel", Chaincode: "accountledger"},
		},
	}

	require.NoError(t, Save(cfg, base))

	_, err := os.Stat(filepath.Join(base, "config", "relay_config.json"))
	require.NoError(t, err)

	loaded, err := Load(base)
	require.NoError(t, err)
	assert.Equal(t, 9099, loaded.QueryServerPort)
	assert.Equal(t, "json", loaded.LogFormat)
	require.Len(t, loaded.Tenants, 1)
	assert.Equal(t, "acme", loaded.Tenants[0].TenantID)

	// Defaults filled on load
	assert.Equal(t, 16, loaded.Dispatcher.BatchSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadDefaultConfig(t *testing.T) {
	cfg, err := LoadDefaultConfig()
	require.NoError(t, err)

	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, 8080, cfg.QueryServerPort)
	require.NotEmpty(t, cfg.Tenants)
	assert.Equal(t, "demo", cfg.Tenants[0].TenantID)
}

func TestGetTenantBinding(t *testing.T) {
	cfg := &Config{
		Tenants: []TenantBinding{
			{TenantID: "acme", Channel: "acme-channel", Chaincode: "accountledger"},
		},
	}

	tb, ok := cfg.GetTenantBinding("acme")
	require.True(t, ok)
	assert.Equal(t, "acme-channel", tb.Channel)

	_, ok = cfg.GetTenantBinding("ghost")
	assert.False(t, ok)
}

package config

type Config struct {
	// Log Config
	LogLevel   int    `json:"log_level"`   // e.g., 0 = debug, 1 = info, etc.
	LogFormat  string `json:"log_format"`  // "json" or "console"
	LogSampler bool   `json:"log_sampler"` // if true, samples logs (e.g., 1 in 5)

	// RelayHome is the base directory for the database and config files
	// (default: ~/.ledger-relay)
	RelayHome string `json:"relay_home"`

	// Query Server Config
	QueryServerPort int `json:"query_server_port"` // Port for HTTP query server (default: 8080)

	// Ledger gateway connection
	Ledger LedgerConfig `json:"ledger"`

	// Command dispatcher
	Dispatcher DispatcherConfig `json:"dispatcher"`

	// ProjectorName identifies this binary's projector in checkpoint rows
	// (default: "balances")
	ProjectorName string `json:"projector_name"`

	// Tenants maps each served tenant to its ledger channel and chaincode.
	// One projector instance is started per entry.
	Tenants []TenantBinding `json:"tenants"`

	// Maintenance
	MaintenanceIntervalSeconds int `json:"maintenance_interval_seconds"` // How often the sweeper runs (default: 3600)
	DeadLetterRetentionSeconds int `json:"dead_letter_retention_seconds"` // How long resolved dead letters are kept (default: 7 days)
}

// LedgerConfig holds the Fabric gateway connection settings
type LedgerConfig struct {
	MSPID        string `json:"msp_id"`        // Membership service provider ID of the client identity
	PeerEndpoint string `json:"peer_endpoint"` // Gateway peer address (default: localhost:7051)
	GatewayPeer  string `json:"gateway_peer"`  // TLS server name override; empty disables the override
	TLSCertPath  string `json:"tls_cert_path"` // Peer TLS root certificate; empty connects without TLS
	CertPath     string `json:"cert_path"`     // Client identity certificate (PEM)
	KeyPath      string `json:"key_path"`      // Client private key (PEM)

	SubmitTimeoutSeconds int `json:"submit_timeout_seconds"` // Per-submission deadline (default: 30)

	// Circuit breaker
	BreakerFailureThreshold int `json:"breaker_failure_threshold"` // Consecutive failures before opening (default: 5)
	BreakerWindowSeconds    int `json:"breaker_window_seconds"`    // Rolling window for the failure count (default: 60)
	BreakerCooldownSeconds  int `json:"breaker_cooldown_seconds"`  // Open duration before a half-open probe (default: 30)
}

// DispatcherConfig holds the command dispatcher settings
type DispatcherConfig struct {
	PollIntervalMillis      int `json:"poll_interval_millis"`       // Claim loop period (default: 100)
	BatchSize               int `json:"batch_size"`                 // Max commands claimed per iteration (default: 16)
	MaxAttempts             int `json:"max_attempts"`               // Submission attempts before a command is dead (default: 5)
	LockStaleSeconds        int `json:"lock_stale_seconds"`         // Age after which LOCKED/SUBMITTED rows are reclaimable (default: 120)
	RetryBackoffBaseSeconds int `json:"retry_backoff_base_seconds"` // First retry delay (default: 2)
	RetryBackoffMaxSeconds  int `json:"retry_backoff_max_seconds"`  // Retry delay cap (default: 300)
}

// TenantBinding ties a tenant to the ledger channel and chaincode its
// commands and projections flow through
type TenantBinding struct {
	TenantID  string `json:"tenant_id"`
	Channel   string `json:"channel"`
	Chaincode string `json:"chaincode"` // Chaincode whose events the projector follows
}

// GetTenantBinding returns the binding for a tenant, or false when the tenant
// is not served by this instance
func (c *Config) GetTenantBinding(tenantID string) (TenantBinding, bool) {
	for _, tb := range c.Tenants {
		if tb.TenantID == tenantID {
			return tb, true
		}
	}
	return TenantBinding{}, false
}

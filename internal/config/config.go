// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// PostgreSQL connection string (optional, uses in-memory stores if not set)
	DatabaseURL string `env:"DATABASE_URL"`

	// OTLP gRPC endpoint for traces (optional)
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Escrow policy
	SupportedTokens []string `env:"SUPPORTED_TOKENS" envSeparator:"," envDefault:"0x036CbD53842c5426634e7929541eC2318f3dCF7e"`
	FeeBasisPoints  int      `env:"FEE_BASIS_POINTS" envDefault:"250"`

	// Security
	AdminAddrs  []string      `env:"ADMIN_ADDRS" envSeparator:","`
	AuthMaxSkew time.Duration `env:"AUTH_MAX_SKEW" envDefault:"5m"`
	RateLimit   int           `env:"RATE_LIMIT_RPM" envDefault:"600"`
	CORSOrigins []string      `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	Ledger     LedgerConfig     `envPrefix:"LEDGER_"`
	Dispute    DisputeConfig    `envPrefix:"DISPUTE_"`
	Recovery   RecoveryConfig   `envPrefix:"RECOVERY_"`
	Reputation ReputationConfig `envPrefix:"REPUTATION_"`
}

// LedgerConfig locates the value-transfer substrate.
type LedgerConfig struct {
	Driver          string `env:"DRIVER" envDefault:"memory"` // "memory" or "evm"
	RPCURL          string `env:"RPC_URL" envDefault:"https://sepolia.base.org"`
	ContractAddress string `env:"CONTRACT_ADDRESS"`
	ChainID         int64  `env:"CHAIN_ID" envDefault:"84532"`
	PrivateKey      string `env:"PRIVATE_KEY"` // Hex-encoded, with or without 0x

	// CallTimeout bounds how long a request waits on a ledger call before
	// treating it as failed-pending. SettleTimeout bounds the detached call.
	CallTimeout   time.Duration `env:"CALL_TIMEOUT" envDefault:"15s"`
	SettleTimeout time.Duration `env:"SETTLE_TIMEOUT" envDefault:"5m"`

	BreakerThreshold int           `env:"BREAKER_THRESHOLD" envDefault:"5"`
	BreakerCooldown  time.Duration `env:"BREAKER_COOLDOWN" envDefault:"30s"`
}

// DisputeConfig holds dispute timing and quorum.
type DisputeConfig struct {
	EvidenceWindow time.Duration `env:"EVIDENCE_WINDOW" envDefault:"48h"`
	VotingWindow   time.Duration `env:"VOTING_WINDOW" envDefault:"72h"`
	// QuorumWeight is the total weighted vote (sum of 0-100 scores) that
	// triggers an early tally.
	QuorumWeight int           `env:"QUORUM_WEIGHT" envDefault:"300"`
	Arbitrators  []string      `env:"ARBITRATORS" envSeparator:","`
	TallyPoll    time.Duration `env:"TALLY_POLL_INTERVAL" envDefault:"30s"`
}

// RecoveryConfig holds the retry schedule for failed ledger calls.
type RecoveryConfig struct {
	BaseDelay    time.Duration `env:"BASE_DELAY" envDefault:"30s"`
	MaxDelay     time.Duration `env:"MAX_DELAY" envDefault:"1h"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"8"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"15s"`
}

// ReputationConfig locates the reputation feed. An empty URL selects the
// built-in calculator fed by escrow outcomes.
type ReputationConfig struct {
	URL     string        `env:"URL"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"2s"`
}

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.SupportedTokens = lowerAll(c.SupportedTokens)
	c.AdminAddrs = lowerAll(c.AdminAddrs)
	c.Dispute.Arbitrators = lowerAll(c.Dispute.Arbitrators)
	c.Ledger.ContractAddress = strings.ToLower(strings.TrimSpace(c.Ledger.ContractAddress))
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.FeeBasisPoints < 0 || c.FeeBasisPoints > 10_000 {
		return fmt.Errorf("FEE_BASIS_POINTS must be between 0 and 10000")
	}
	if len(c.SupportedTokens) == 0 {
		return fmt.Errorf("SUPPORTED_TOKENS must list at least one token")
	}
	for _, tok := range c.SupportedTokens {
		if !common.IsHexAddress(tok) {
			return fmt.Errorf("SUPPORTED_TOKENS: %q is not a valid address", tok)
		}
	}
	for _, addr := range append(append([]string{}, c.AdminAddrs...), c.Dispute.Arbitrators...) {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%q is not a valid admin/arbitrator address", addr)
		}
	}

	if err := c.Ledger.Validate(); err != nil {
		return err
	}

	if c.Dispute.EvidenceWindow <= 0 || c.Dispute.VotingWindow <= 0 {
		return fmt.Errorf("DISPUTE_EVIDENCE_WINDOW and DISPUTE_VOTING_WINDOW must be positive")
	}
	if c.Dispute.QuorumWeight <= 0 {
		return fmt.Errorf("DISPUTE_QUORUM_WEIGHT must be positive")
	}
	if c.Recovery.MaxAttempts <= 0 {
		return fmt.Errorf("RECOVERY_MAX_ATTEMPTS must be positive")
	}
	if c.Recovery.BaseDelay <= 0 || c.Recovery.MaxDelay < c.Recovery.BaseDelay {
		return fmt.Errorf("RECOVERY_BASE_DELAY must be positive and not exceed RECOVERY_MAX_DELAY")
	}
	if c.Reputation.Timeout <= 0 {
		return fmt.Errorf("REPUTATION_TIMEOUT must be positive")
	}
	return nil
}

// Validate checks the ledger settings for the selected driver.
func (l LedgerConfig) Validate() error {
	if l.CallTimeout <= 0 {
		return fmt.Errorf("LEDGER_CALL_TIMEOUT must be positive")
	}
	if l.SettleTimeout < l.CallTimeout {
		return fmt.Errorf("LEDGER_SETTLE_TIMEOUT must be at least LEDGER_CALL_TIMEOUT")
	}

	switch l.Driver {
	case "memory":
		return nil
	case "evm":
	default:
		return fmt.Errorf("LEDGER_DRIVER must be \"memory\" or \"evm\", got %q", l.Driver)
	}

	if l.RPCURL == "" {
		return fmt.Errorf("LEDGER_RPC_URL is required for the evm driver")
	}
	if !common.IsHexAddress(l.ContractAddress) {
		return fmt.Errorf("LEDGER_CONTRACT_ADDRESS must be a valid address")
	}
	if l.ChainID == 0 {
		return fmt.Errorf("LEDGER_CHAIN_ID is required for the evm driver")
	}
	if l.PrivateKey == "" {
		return fmt.Errorf("LEDGER_PRIVATE_KEY is required for the evm driver")
	}
	if len(strings.TrimPrefix(l.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("LEDGER_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "memory", cfg.Ledger.Driver)
	assert.Equal(t, 15*time.Second, cfg.Ledger.CallTimeout)
	assert.Equal(t, 30*time.Second, cfg.Recovery.BaseDelay)
	assert.Equal(t, time.Hour, cfg.Recovery.MaxDelay)
	assert.Equal(t, 250, cfg.FeeBasisPoints)
	assert.Equal(t, []string{"0x036cbd53842c5426634e7929541ec2318f3dcf7e"}, cfg.SupportedTokens)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_ListsAreNormalized(t *testing.T) {
	t.Setenv("ADMIN_ADDRS", " 0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA ,")
	t.Setenv("DISPUTE_ARBITRATORS", "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB,0xcccccccccccccccccccccccccccccccccccccccc")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}, cfg.AdminAddrs)
	assert.Len(t, cfg.Dispute.Arbitrators, 2)
	assert.Equal(t, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", cfg.Dispute.Arbitrators[0])
}

func TestLoad_EVMDriverRequiresContract(t *testing.T) {
	t.Setenv("LEDGER_DRIVER", "evm")
	t.Setenv("LEDGER_PRIVATE_KEY", testKey)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEDGER_CONTRACT_ADDRESS")

	t.Setenv("LEDGER_CONTRACT_ADDRESS", "0x1234567890123456789012345678901234567890")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0x1234567890123456789012345678901234567890", cfg.Ledger.ContractAddress)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			SupportedTokens: []string{"0x036cbd53842c5426634e7929541ec2318f3dcf7e"},
			FeeBasisPoints:  100,
			Ledger:          LedgerConfig{Driver: "memory", CallTimeout: time.Second, SettleTimeout: time.Minute},
			Dispute:         DisputeConfig{EvidenceWindow: time.Hour, VotingWindow: time.Hour, QuorumWeight: 100},
			Recovery:        RecoveryConfig{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 3},
			Reputation:      ReputationConfig{Timeout: time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"fee too high", func(c *Config) { c.FeeBasisPoints = 10_001 }, "FEE_BASIS_POINTS"},
		{"no tokens", func(c *Config) { c.SupportedTokens = nil }, "SUPPORTED_TOKENS"},
		{"bad token", func(c *Config) { c.SupportedTokens = []string{"usdc"} }, "not a valid address"},
		{"bad admin", func(c *Config) { c.AdminAddrs = []string{"0x12"} }, "admin/arbitrator"},
		{"unknown driver", func(c *Config) { c.Ledger.Driver = "solana" }, "LEDGER_DRIVER"},
		{"settle shorter than call", func(c *Config) { c.Ledger.SettleTimeout = time.Millisecond }, "LEDGER_SETTLE_TIMEOUT"},
		{"zero quorum", func(c *Config) { c.Dispute.QuorumWeight = 0 }, "QUORUM"},
		{"zero attempts", func(c *Config) { c.Recovery.MaxAttempts = 0 }, "MAX_ATTEMPTS"},
		{"inverted backoff", func(c *Config) { c.Recovery.MaxDelay = time.Millisecond }, "BASE_DELAY"},
		{"short key", func(c *Config) {
			c.Ledger.Driver = "evm"
			c.Ledger.RPCURL = "http://localhost:8545"
			c.Ledger.ChainID = 1
			c.Ledger.ContractAddress = "0x1234567890123456789012345678901234567890"
			c.Ledger.PrivateKey = "tooshort"
		}, "64 hex characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "production"}).IsDevelopment())
}

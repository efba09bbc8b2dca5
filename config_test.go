package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "hybridvote.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
consensus:
  voting_period_blocks: 500
  max_vote_amount: "1000000"
  min_voter_count: 7
ledger:
  path: /tmp/votes.db
  write_timeout: 5s
api:
  port: 9000
chain:
  rpc_url: http://127.0.0.1:8332
  rpc_password: hunter2
`), 0600))
	t.Setenv("HYBRIDVOTE_API_PORT", "9100")
	t.Setenv("HYBRIDVOTE_MIN_PARTICIPATION_BPS", "6600")
	t.Setenv("HYBRIDVOTE_LOG_DEV", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), cfg.Consensus.VotingPeriodBlocks)
	assert.Equal(t, Amount("1000000"), cfg.Consensus.MaxVoteAmount)
	assert.Equal(t, 7, cfg.Consensus.MinVoterCount)
	assert.Equal(t, uint64(6600), cfg.Consensus.MinParticipationBps)
	assert.Equal(t, "/tmp/votes.db", cfg.Ledger.Path)
	assert.Equal(t, 5*time.Second, cfg.Ledger.WriteTimeout)
	assert.Equal(t, 9100, cfg.API.Port)
	assert.True(t, cfg.Log.Development)
	// Untouched values keep their defaults
	assert.Equal(t, uint64(1_000_000), cfg.Consensus.MaxVotingPower)

	s := cfg.String()
	assert.Contains(t, s, "rpc_password=***")
	assert.NotContains(t, s, "hunter2")
}

func TestLoadConfigDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HYBRIDVOTE_VOTING_PERIOD_BLOCKS=250\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("HYBRIDVOTE_VOTING_PERIOD_BLOCKS") })

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, uint64(250), cfg.Consensus.VotingPeriodBlocks)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("consensus: [1, 2"), 0600))
	_, err = LoadConfig(bad)
	assert.Error(t, err)

	t.Setenv("HYBRIDVOTE_MAX_VOTING_POWER", "lots")
	t.Setenv("HYBRIDVOTE_WRITE_TIMEOUT", "soon")
	_, err = LoadConfig("")
	assert.ErrorContains(t, err, "HYBRIDVOTE_MAX_VOTING_POWER")
	assert.ErrorContains(t, err, "HYBRIDVOTE_WRITE_TIMEOUT")
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"zero period":          func(c *Config) { c.Consensus.VotingPeriodBlocks = 0 },
		"zero max power":       func(c *Config) { c.Consensus.MaxVotingPower = 0 },
		"bad max amount":       func(c *Config) { c.Consensus.MaxVoteAmount = "-1" },
		"bad min balance":      func(c *Config) { c.Consensus.MinBalance = "x" },
		"zero vote size":       func(c *Config) { c.Consensus.MaxVoteSizeBytes = 0 },
		"participation > 100%": func(c *Config) { c.Consensus.MinParticipationBps = 10_001 },
		"negative voter count": func(c *Config) { c.Consensus.MinVoterCount = -1 },
		"zero committee":       func(c *Config) { c.Consensus.CommitteeSize = 0 },
		"miner share > 100%":   func(c *Config) { c.Consensus.MinerRewardShareBps = 10_001 },
		"too many attempts":    func(c *Config) { c.Ledger.MaxAttempts = 6 },
		"zero attempts":        func(c *Config) { c.Ledger.MaxAttempts = 0 },
		"zero write timeout":   func(c *Config) { c.Ledger.WriteTimeout = 0 },
		"port out of range":    func(c *Config) { c.API.Port = 70000 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	dev, err := NewLogger(LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.True(t, dev.Core().Enabled(zapcore.DebugLevel))

	_, err = NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}

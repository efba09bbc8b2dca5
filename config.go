package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "HYBRIDVOTE_"

// ConsensusConfig holds the voting and gating rules every node must agree on.
type ConsensusConfig struct {
	VotingPeriodBlocks uint64 `yaml:"voting_period_blocks"`
	MaxVotingPower     uint64 `yaml:"max_voting_power"`
	// MaxVoteAmount caps the committed amount of a single vote. Empty disables the cap.
	MaxVoteAmount Amount `yaml:"max_vote_amount"`
	// MinBalance is the exclusive balance floor for eligibility. Empty or zero disables it.
	MinBalance       Amount        `yaml:"min_balance"`
	MinValidatorAge  uint64        `yaml:"min_validator_age"`
	MaxVoteSizeBytes int           `yaml:"max_vote_size_bytes"`
	MaxClockSkew     time.Duration `yaml:"max_clock_skew"`

	PowWeight           uint64 `yaml:"pow_weight"`
	VoteWeight          uint64 `yaml:"vote_weight"`
	MinPowHashRate      uint64 `yaml:"min_pow_hash_rate"`
	MinParticipationBps uint64 `yaml:"min_participation_bps"`
	MinVoterCount       int    `yaml:"min_voter_count"`

	// RetentionPeriods is how many closed periods are kept before archiving. Zero keeps everything.
	RetentionPeriods uint64 `yaml:"retention_periods"`

	CommitteeSize       int    `yaml:"committee_size"`
	BlocksPerProposer   uint64 `yaml:"blocks_per_proposer"`
	MinerRewardShareBps uint64 `yaml:"miner_reward_share_bps"`
}

type LedgerConfig struct {
	Path           string        `yaml:"path"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
}

type APIConfig struct {
	Port int `yaml:"port"`
}

// ChainConfig points at the chain node that supplies height and mining info.
// An empty RPCURL runs the node against an in-process chain.
type ChainConfig struct {
	RPCURL      string        `yaml:"rpc_url"`
	RPCTimeout  time.Duration `yaml:"rpc_timeout"`
	RPCUser     string        `yaml:"rpc_user"`
	RPCPassword string        `yaml:"rpc_password"`
}

type NodeConfig struct {
	KeyFile             string        `yaml:"key_file"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	// SelfStake registers the node key as a validator with this stake. Empty skips it.
	SelfStake Amount `yaml:"self_stake"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config is the full node configuration.
type Config struct {
	Consensus ConsensusConfig `yaml:"consensus"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	API       APIConfig       `yaml:"api"`
	Chain     ChainConfig     `yaml:"chain"`
	Node      NodeConfig      `yaml:"node"`
	Log       LogConfig       `yaml:"log"`
}

// DefaultConfig returns the configuration used when nothing else is supplied.
func DefaultConfig() Config {
	return Config{
		Consensus: ConsensusConfig{
			VotingPeriodBlocks:  1000,
			MaxVotingPower:      1_000_000,
			MaxVoteSizeBytes:    4096,
			MaxClockSkew:        2 * time.Minute,
			PowWeight:           1,
			VoteWeight:          1,
			MinPowHashRate:      1,
			MinParticipationBps: 5000,
			MinVoterCount:       3,
			RetentionPeriods:    10,
			CommitteeSize:       21,
			BlocksPerProposer:   9,
			MinerRewardShareBps: 5000,
		},
		Ledger: LedgerConfig{
			Path:           "hybridvote.db",
			WriteTimeout:   30 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: 50 * time.Millisecond,
		},
		API: APIConfig{Port: 8081},
		Chain: ChainConfig{
			RPCTimeout: 10 * time.Second,
		},
		Node: NodeConfig{
			MaintenanceInterval: time.Minute,
			SelfStake:           "10000",
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig starts from the defaults, applies the YAML file at path if given, then
// .env and HYBRIDVOTE_* environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return cfg, fmt.Errorf("failed to load .env: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	u64 := func(key string, dst *uint64) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	u64("VOTING_PERIOD_BLOCKS", &c.Consensus.VotingPeriodBlocks)
	u64("MAX_VOTING_POWER", &c.Consensus.MaxVotingPower)
	u64("MIN_POW_HASH_RATE", &c.Consensus.MinPowHashRate)
	u64("MIN_PARTICIPATION_BPS", &c.Consensus.MinParticipationBps)
	integer("MIN_VOTER_COUNT", &c.Consensus.MinVoterCount)
	u64("RETENTION_PERIODS", &c.Consensus.RetentionPeriods)
	str("DB_PATH", &c.Ledger.Path)
	dur("WRITE_TIMEOUT", &c.Ledger.WriteTimeout)
	integer("API_PORT", &c.API.Port)
	str("RPC_URL", &c.Chain.RPCURL)
	str("RPC_USER", &c.Chain.RPCUser)
	str("RPC_PASSWORD", &c.Chain.RPCPassword)
	str("KEY_FILE", &c.Node.KeyFile)
	str("LOG_LEVEL", &c.Log.Level)
	if v, ok := os.LookupEnv(envPrefix + "LOG_DEV"); ok {
		c.Log.Development = v == "true" || v == "1"
	}
	return errors.Join(errs...)
}

// Validate rejects configurations the node cannot run with.
func (c Config) Validate() error {
	cc := c.Consensus
	if cc.VotingPeriodBlocks == 0 {
		return errors.New("consensus.voting_period_blocks must be positive")
	}
	if cc.MaxVotingPower == 0 {
		return errors.New("consensus.max_voting_power must be positive")
	}
	if cc.MaxVoteAmount != "" {
		if _, err := cc.MaxVoteAmount.Uint256(); err != nil {
			return fmt.Errorf("consensus.max_vote_amount: %w", err)
		}
	}
	if cc.MinBalance != "" {
		if _, err := cc.MinBalance.Uint256(); err != nil {
			return fmt.Errorf("consensus.min_balance: %w", err)
		}
	}
	if cc.MaxVoteSizeBytes <= 0 {
		return errors.New("consensus.max_vote_size_bytes must be positive")
	}
	if cc.MinParticipationBps > 10_000 {
		return fmt.Errorf("consensus.min_participation_bps %d exceeds 10000", cc.MinParticipationBps)
	}
	if cc.MinVoterCount < 0 {
		return errors.New("consensus.min_voter_count must not be negative")
	}
	if cc.CommitteeSize <= 0 {
		return errors.New("consensus.committee_size must be positive")
	}
	if cc.MinerRewardShareBps > 10_000 {
		return fmt.Errorf("consensus.miner_reward_share_bps %d exceeds 10000", cc.MinerRewardShareBps)
	}
	if c.Ledger.MaxAttempts < 1 || c.Ledger.MaxAttempts > 5 {
		return fmt.Errorf("ledger.max_attempts must be between 1 and 5, got %d", c.Ledger.MaxAttempts)
	}
	if c.Ledger.WriteTimeout <= 0 {
		return errors.New("ledger.write_timeout must be positive")
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	return nil
}

func (c Config) String() string {
	password := ""
	if c.Chain.RPCPassword != "" {
		password = "***"
	}
	rpc := c.Chain.RPCURL
	if rpc == "" {
		rpc = "in-process"
	}
	return strings.Join([]string{
		fmt.Sprintf("period_blocks=%d", c.Consensus.VotingPeriodBlocks),
		fmt.Sprintf("max_power=%d", c.Consensus.MaxVotingPower),
		fmt.Sprintf("db=%s", c.Ledger.Path),
		fmt.Sprintf("port=%d", c.API.Port),
		fmt.Sprintf("rpc=%s", rpc),
		fmt.Sprintf("rpc_user=%s", c.Chain.RPCUser),
		fmt.Sprintf("rpc_password=%s", password),
		fmt.Sprintf("log=%s", c.Log.Level),
	}, " ")
}

package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testConfig is a small-period configuration that accepts with a single voter.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Consensus.VotingPeriodBlocks = 100
	cfg.Consensus.MinVoterCount = 1
	cfg.Consensus.MinParticipationBps = 5000
	cfg.Consensus.MinPowHashRate = 1000
	cfg.Consensus.RetentionPeriods = 2
	cfg.Ledger.WriteTimeout = 2 * time.Second
	cfg.Ledger.InitialBackoff = time.Millisecond
	cfg.Node.SelfStake = ""
	return cfg
}

type testVoter struct {
	signer  *VoteSigner
	address string
}

func newTestVoter(t *testing.T) testVoter {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	signer := NewVoteSigner(key)
	addr, err := signer.Address(context.Background())
	require.NoError(t, err)
	return testVoter{signer: signer, address: addr.ToHex()}
}

func (tv testVoter) validator(stake string) *Validator {
	return &Validator{Address: tv.address, Stake: Amount(stake), Participating: true}
}

// vote returns a signed approving vote at height for the period containing it.
func (tv testVoter) vote(t *testing.T, periodID, height uint64, amount string) *Vote {
	t.Helper()
	v := &Vote{
		PeriodID:  periodID,
		Timestamp: time.Now().UnixMilli(),
		Approve:   true,
		ChainVoteData: ChainVoteData{
			Amount:        Amount(amount),
			TargetChainID: "main",
		},
		Height:  height,
		Balance: "1000000",
	}
	require.NoError(t, tv.signer.Sign(context.Background(), v))
	return v
}

func newTestVoters(t *testing.T, n int) []testVoter {
	t.Helper()
	voters := make([]testVoter, n)
	for i := range voters {
		voters[i] = newTestVoter(t)
	}
	return voters
}

func validatorSetOf(voters []testVoter, stake string) StaticValidators {
	set := make(StaticValidators, len(voters))
	for _, v := range voters {
		set[v.address] = v.validator(stake)
	}
	return set
}

type coordinatorFixture struct {
	coordinator *ConsensusCoordinator
	chain       *StaticChain
	store       *MemoryStore
	telemetry   *Telemetry
}

func newCoordinatorFixture(t *testing.T, cfg Config, validators ValidatorSource, height uint64) coordinatorFixture {
	t.Helper()
	chain := NewStaticChain(height)
	chain.SetMiningInfo(&MiningInfo{Difficulty: 1, NetworkHashRate: 5000, Mining: true})
	store := NewMemoryStore()
	telemetry := NewTelemetry()
	c, err := NewConsensusCoordinator(cfg, CoordinatorDeps{
		Heights:    chain,
		Validators: validators,
		Pow:        chain,
		Store:      store,
		Logger:     zaptest.NewLogger(t),
		Telemetry:  telemetry,
	})
	require.NoError(t, err)
	return coordinatorFixture{coordinator: c, chain: chain, store: store, telemetry: telemetry}
}

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewardDistribution(t *testing.T) {
	rc, err := NewRewardCalculator(5000)
	require.NoError(t, err)

	votes := []*Vote{
		{VoterAddress: "bb", VotingPower: 1},
		{VoterAddress: "aa", VotingPower: 2},
		{VoterAddress: "aa", VotingPower: 50}, // second vote of a voter is ignored
		{VoterAddress: "cc", VotingPower: 0},
	}
	dist, err := rc.Distribute(4, "1000", "miner", votes)
	require.NoError(t, err)

	assert.Equal(t, uint64(4), dist.PeriodID)
	assert.Equal(t, Amount("1000"), dist.Total)
	require.Len(t, dist.Voters, 2)
	assert.Equal(t, RewardShare{Address: "aa", Power: 2, Amount: "333"}, dist.Voters[0])
	assert.Equal(t, RewardShare{Address: "bb", Power: 1, Amount: "166"}, dist.Voters[1])
	// 500 share plus the remainder of the 500 voter pool
	assert.Equal(t, RewardShare{Address: "miner", Amount: "501"}, dist.Miner)
}

func TestRewardWithoutVotersGoesToMiner(t *testing.T) {
	rc, err := NewRewardCalculator(2500)
	require.NoError(t, err)
	dist, err := rc.Distribute(1, "1000", "miner", nil)
	require.NoError(t, err)
	assert.Empty(t, dist.Voters)
	assert.Equal(t, Amount("1000"), dist.Miner.Amount)
}

func TestRewardLargeTotals(t *testing.T) {
	rc, err := NewRewardCalculator(10_000)
	require.NoError(t, err)
	total := Amount("115792089237316195423570985008687907853269984665640564039457584007913129639935") // 2^256-1
	dist, err := rc.Distribute(1, total, "miner", []*Vote{{VoterAddress: "aa", VotingPower: 5}})
	require.NoError(t, err)
	assert.Equal(t, total, dist.Miner.Amount)
	assert.Equal(t, Amount("0"), dist.Voters[0].Amount)
}

func TestRewardRejectsBadInput(t *testing.T) {
	_, err := NewRewardCalculator(10_001)
	assert.Error(t, err)

	rc, err := NewRewardCalculator(0)
	require.NoError(t, err)
	_, err = rc.Distribute(1, "100", "", nil)
	assert.Error(t, err)
	_, err = rc.Distribute(1, "-100", "miner", nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

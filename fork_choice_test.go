package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forkVote(voter, chain string, approve bool, power Power) *Vote {
	return &Vote{
		VoterAddress:  voter,
		Approve:       approve,
		VotingPower:   power,
		ChainVoteData: ChainVoteData{TargetChainID: chain},
	}
}

func TestForkChoiceSelectHead(t *testing.T) {
	fc := &ForkChoice{PowWeight: 1, VoteWeight: 1}
	forks := []ForkCandidate{
		{ChainID: "a", Height: 100, HashRate: 600},
		{ChainID: "b", Height: 101, HashRate: 400},
	}
	votes := []*Vote{
		forkVote("v1", "b", true, 100),
		forkVote("v2", "b", true, 50),
		forkVote("v3", "a", true, 25),
		forkVote("v4", "a", false, 500), // rejections carry no weight
		forkVote("v1", "a", true, 100),  // only the first vote per voter counts
	}

	head, all, err := fc.SelectHead(forks, votes)
	require.NoError(t, err)
	assert.Equal(t, "b", head.Fork.ChainID)
	require.Len(t, all, 2)
	assert.Equal(t, head, all[0])

	// b: pow 4000, vote 150/175 = 8571 -> 6285
	assert.Equal(t, uint64(4000), head.PowBps)
	assert.Equal(t, uint64(8571), head.VoteBps)
	assert.Equal(t, uint64(6285), head.Score)
	assert.Equal(t, Power(150), head.VotePower)
	assert.Equal(t, 2, head.Voters)

	a := all[1]
	assert.Equal(t, uint64(6000), a.PowBps)
	assert.Equal(t, uint64(1428), a.VoteBps)
	assert.Equal(t, 1, a.Voters)
}

func TestForkChoicePowOnlyWeights(t *testing.T) {
	fc := &ForkChoice{PowWeight: 1, VoteWeight: 0}
	forks := []ForkCandidate{
		{ChainID: "a", Height: 100, HashRate: 600},
		{ChainID: "b", Height: 101, HashRate: 400},
	}
	head, _, err := fc.SelectHead(forks, []*Vote{forkVote("v1", "b", true, 1000)})
	require.NoError(t, err)
	assert.Equal(t, "a", head.Fork.ChainID)
}

func TestForkChoiceLargeWeights(t *testing.T) {
	forks := []ForkCandidate{
		{ChainID: "a", Height: 100, HashRate: 600},
		{ChainID: "b", Height: 101, HashRate: 400},
	}
	votes := []*Vote{forkVote("v1", "b", true, 150), forkVote("v2", "a", true, 25)}

	fc := &ForkChoice{PowWeight: math.MaxUint64 / 2, VoteWeight: math.MaxUint64 / 2}
	head, _, err := fc.SelectHead(forks, votes)
	require.NoError(t, err)
	assert.Equal(t, "b", head.Fork.ChainID)
	assert.Equal(t, uint64(6285), head.Score)

	fc = &ForkChoice{PowWeight: math.MaxUint64, VoteWeight: 1}
	head, all, err := fc.SelectHead(forks, votes)
	require.NoError(t, err)
	assert.Equal(t, "a", head.Fork.ChainID)
	assert.Equal(t, uint64(5999), head.Score)
	assert.Equal(t, uint64(4000), all[1].Score)
}

func TestForkChoiceTieBreaks(t *testing.T) {
	fc := &ForkChoice{}
	head, _, err := fc.SelectHead([]ForkCandidate{
		{ChainID: "b", Height: 10},
		{ChainID: "a", Height: 10},
		{ChainID: "c", Height: 9},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", head.Fork.ChainID)

	head, _, err = fc.SelectHead([]ForkCandidate{
		{ChainID: "a", Height: 10},
		{ChainID: "z", Height: 11},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "z", head.Fork.ChainID)
}

func TestForkChoiceNoForks(t *testing.T) {
	_, _, err := (&ForkChoice{}).SelectHead(nil, nil)
	assert.Error(t, err)
}

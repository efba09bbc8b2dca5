package main

import (
	"errors"
	"sort"

	"github.com/holiman/uint256"
)

// ForkCandidate is a competing chain tip with the hash rate behind it.
type ForkCandidate struct {
	ChainID  string `json:"chainId"`
	Height   uint64 `json:"height"`
	Hash     string `json:"hash,omitempty"`
	HashRate uint64 `json:"hashRate"`
}

// ForkWeight is the dual weighting of one fork.
type ForkWeight struct {
	Fork      ForkCandidate `json:"fork"`
	VotePower Power         `json:"votePower"`
	Voters    int           `json:"voters"`
	PowBps    uint64        `json:"powBps"`
	VoteBps   uint64        `json:"voteBps"`
	Score     uint64        `json:"score"`
}

// ForkChoice selects the canonical fork by PoW share and approving vote power share.
type ForkChoice struct {
	PowWeight  uint64
	VoteWeight uint64
}

// SelectHead weighs every fork and returns the winner followed by all weights, best first.
// Ties go to the higher fork, then the lower chain id.
func (fc *ForkChoice) SelectHead(forks []ForkCandidate, votes []*Vote) (ForkWeight, []ForkWeight, error) {
	if len(forks) == 0 {
		return ForkWeight{}, nil, errors.New("no forks to choose from")
	}

	// Each voter backs at most one fork: the one their approving vote targets
	votePower := make(map[string]uint64, len(forks))
	voters := make(map[string]int, len(forks))
	seen := make(map[string]struct{}, len(votes))
	for _, v := range votes {
		if !v.Approve {
			continue
		}
		if _, dup := seen[v.VoterAddress]; dup {
			continue
		}
		seen[v.VoterAddress] = struct{}{}
		id := v.ChainVoteData.TargetChainID
		votePower[id] = addSaturating(votePower[id], uint64(v.VotingPower))
		voters[id]++
	}

	var totalHash, totalPower uint64
	for _, f := range forks {
		totalHash = addSaturating(totalHash, f.HashRate)
		totalPower = addSaturating(totalPower, votePower[f.ChainID])
	}

	weights := make([]ForkWeight, 0, len(forks))
	for _, f := range forks {
		w := ForkWeight{
			Fork:      f,
			VotePower: Power(votePower[f.ChainID]),
			Voters:    voters[f.ChainID],
			PowBps:    shareBps(f.HashRate, totalHash),
			VoteBps:   shareBps(votePower[f.ChainID], totalPower),
		}
		w.Score = weightedBps(fc.PowWeight, fc.VoteWeight, w.PowBps, w.VoteBps)
		weights = append(weights, w)
	}
	sort.SliceStable(weights, func(i, j int) bool {
		a, b := weights[i], weights[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Fork.Height != b.Fork.Height {
			return a.Fork.Height > b.Fork.Height
		}
		return a.Fork.ChainID < b.Fork.ChainID
	})
	return weights[0], weights, nil
}

func shareBps(part, total uint64) uint64 {
	if total == 0 {
		return 0
	}
	x := new(uint256.Int).Mul(uint256.NewInt(part), uint256.NewInt(fullBps))
	return x.Div(x, uint256.NewInt(total)).Uint64()
}

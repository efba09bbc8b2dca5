package main

import (
	"fmt"

	"github.com/holiman/uint256"
)

const fullBps = 10_000

// ScoringRules are the gates a candidate has to clear.
type ScoringRules struct {
	PowWeight           uint64
	VoteWeight          uint64
	MinPowHashRate      uint64
	MinParticipationBps uint64
	MinVoterCount       int
}

// ConsensusScorer gates candidates on PoW and vote evidence. It holds no state.
type ConsensusScorer struct {
	rules ScoringRules
}

func NewConsensusScorer(rules ScoringRules) *ConsensusScorer {
	return &ConsensusScorer{rules: rules}
}

// Rules returns the configured rules.
func (s *ConsensusScorer) Rules() ScoringRules {
	return s.rules
}

// Score decides on the evidence. Every gate must pass on its own; the combined score
// is reported but never used for acceptance. Missing PoW evidence is indeterminate.
func (s *ConsensusScorer) Score(metrics VotingMetrics, pow *PowMetrics) ConsensusDecision {
	d := ConsensusDecision{
		PowWeight:           s.rules.PowWeight,
		VoteWeight:          s.rules.VoteWeight,
		MinPowHashRate:      s.rules.MinPowHashRate,
		MinParticipationBps: s.rules.MinParticipationBps,
		MinVoterCount:       s.rules.MinVoterCount,
		ActiveVoters:        metrics.ActiveVoters,
		ParticipationBps:    metrics.ParticipationBps,
		PeriodID:            metrics.PeriodID,
	}
	if pow == nil {
		d.Status = DecisionIndeterminate
		d.Reasons = []string{"proof-of-work metrics unavailable"}
		return d
	}
	d.HashRate = pow.HashRate
	d.Score = s.combined(pow.HashRate, metrics.ParticipationBps)

	if pow.HashRate < s.rules.MinPowHashRate {
		d.Reasons = append(d.Reasons, fmt.Sprintf("hash rate %d below minimum %d", pow.HashRate, s.rules.MinPowHashRate))
	}
	if metrics.ActiveVoters < s.rules.MinVoterCount {
		d.Reasons = append(d.Reasons, fmt.Sprintf("%d active voters below minimum %d", metrics.ActiveVoters, s.rules.MinVoterCount))
	}
	if metrics.ParticipationBps < s.rules.MinParticipationBps {
		d.Reasons = append(d.Reasons, fmt.Sprintf("participation %d bps below minimum %d", metrics.ParticipationBps, s.rules.MinParticipationBps))
	}
	if len(d.Reasons) == 0 {
		d.Status = DecisionAccepted
	} else {
		d.Status = DecisionRejected
	}
	return d
}

// combined is the weighted mean of the PoW ratio (hash rate over its minimum, capped at
// 100%) and the participation, in basis points.
func (s *ConsensusScorer) combined(hashRate, participationBps uint64) uint64 {
	powBps := uint256.NewInt(fullBps)
	if s.rules.MinPowHashRate > 0 && hashRate < s.rules.MinPowHashRate {
		powBps.Mul(uint256.NewInt(hashRate), powBps)
		powBps.Div(powBps, uint256.NewInt(s.rules.MinPowHashRate))
	} else if s.rules.MinPowHashRate == 0 && hashRate == 0 {
		powBps.Clear()
	}
	return weightedBps(s.rules.PowWeight, s.rules.VoteWeight, powBps.Uint64(), min(participationBps, fullBps))
}

// weightedBps is the mean of powBps and voteBps weighted by wp and wv. Zero weights
// count both sides equally. The products are taken in 256 bits so any weights fit.
func weightedBps(wp, wv, powBps, voteBps uint64) uint64 {
	if wp == 0 && wv == 0 {
		wp, wv = 1, 1
	}
	sum := new(uint256.Int).Mul(uint256.NewInt(wp), uint256.NewInt(powBps))
	sum.Add(sum, new(uint256.Int).Mul(uint256.NewInt(wv), uint256.NewInt(voteBps)))
	total := new(uint256.Int).Add(uint256.NewInt(wp), uint256.NewInt(wv))
	return sum.Div(sum, total).Uint64()
}

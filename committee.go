package main

import (
	"math/rand"

	"github.com/google/btree"
)

const committeeTreeDegree = 16

// CommitteeMember is a validator with its selection weight.
type CommitteeMember struct {
	Validator *Validator `json:"validator"`
	Weight    uint64     `json:"weight"`
}

// Less orders members by weight descending, then by address ascending for determinism.
func (m CommitteeMember) Less(o CommitteeMember) bool {
	if m.Weight != o.Weight {
		return m.Weight > o.Weight
	}
	return m.Validator.Address < o.Validator.Address
}

// CommitteeSelector picks the validators that produce and validate blocks. A validator's
// weight is the quadratic power of its stake, so selection follows the same curve as voting.
type CommitteeSelector struct {
	Power *VotePowerCalculator
}

// SelectCommittee returns up to n participating validators ranked by weight.
func (cs *CommitteeSelector) SelectCommittee(validators ValidatorSet, n int) []CommitteeMember {
	if n <= 0 || len(validators) == 0 {
		return nil
	}
	tree := btree.NewG(committeeTreeDegree, CommitteeMember.Less)
	for _, v := range validators {
		if !v.Participating {
			continue
		}
		var weight uint64
		if v.Stake != "" {
			// A malformed stake ranks last instead of failing the whole selection
			if w, err := cs.Power.Power(v.Stake); err == nil {
				weight = w
			}
		}
		tree.ReplaceOrInsert(CommitteeMember{Validator: v, Weight: weight})
	}

	committee := make([]CommitteeMember, 0, min(n, tree.Len()))
	tree.Ascend(func(m CommitteeMember) bool {
		committee = append(committee, m)
		return len(committee) < n
	})
	return committee
}

// ProposerSelector manages leader rotation for block production within a period.
type ProposerSelector struct {
	Committee          []*Validator
	EpochStart         uint64
	EpochLength        uint64
	BlocksPerValidator uint64
	order              []int
}

// NewProposerSelectorWithRotation gives each committee member consecutive slots of
// blocksPerValidator blocks, in an order shuffled deterministically by seed.
func NewProposerSelectorWithRotation(committee []*Validator, epochStart, epochLength, blocksPerValidator, seed uint64) *ProposerSelector {
	if blocksPerValidator == 0 {
		blocksPerValidator = 9
	}
	r := rand.New(rand.NewSource(int64(seed)))
	return &ProposerSelector{
		Committee:          committee,
		EpochStart:         epochStart,
		EpochLength:        epochLength,
		BlocksPerValidator: blocksPerValidator,
		order:              r.Perm(len(committee)),
	}
}

// ProposerForBlock returns the proposer for a given block height, or nil outside the epoch.
func (ps *ProposerSelector) ProposerForBlock(blockHeight uint64) *Validator {
	if len(ps.Committee) == 0 || blockHeight < ps.EpochStart || blockHeight-ps.EpochStart >= ps.EpochLength {
		return nil
	}
	slot := (blockHeight - ps.EpochStart) / ps.BlocksPerValidator
	return ps.Committee[ps.order[slot%uint64(len(ps.order))]]
}

package main

import (
	"github.com/holiman/uint256"
)

// VotePowerCalculator turns committed stake into quadratic voting power.
// It only uses integer arithmetic so every node derives the same power.
type VotePowerCalculator struct {
	maxVotingPower uint64
}

// NewVotePowerCalculator creates a calculator capped at maxVotingPower.
func NewVotePowerCalculator(maxVotingPower uint64) *VotePowerCalculator {
	return &VotePowerCalculator{maxVotingPower: maxVotingPower}
}

// MaxVotingPower returns the configured cap.
func (c *VotePowerCalculator) MaxVotingPower() uint64 {
	return c.maxVotingPower
}

// Power returns min(floor(sqrt(amount)), maxVotingPower).
func (c *VotePowerCalculator) Power(amount Amount) (uint64, error) {
	x, err := amount.Uint256()
	if err != nil {
		return 0, err
	}
	return c.PowerOf(x), nil
}

// PowerOf is Power for an already parsed amount.
func (c *VotePowerCalculator) PowerOf(x *uint256.Int) uint64 {
	root := new(uint256.Int).Sqrt(x)
	if !root.IsUint64() || root.Uint64() > c.maxVotingPower {
		return c.maxVotingPower
	}
	return root.Uint64()
}

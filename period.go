package main

import (
	"errors"
	"fmt"
	"math"
)

// VotingPeriodManager derives voting periods from block height.
// Period n covers heights [n*blocks, (n+1)*blocks-1]; periods never overlap or leave gaps.
type VotingPeriodManager struct {
	blocks uint64
}

// NewVotingPeriodManager creates a manager for periods of votingPeriodBlocks blocks.
func NewVotingPeriodManager(votingPeriodBlocks uint64) (*VotingPeriodManager, error) {
	if votingPeriodBlocks == 0 {
		return nil, errors.New("voting period length must be positive")
	}
	return &VotingPeriodManager{blocks: votingPeriodBlocks}, nil
}

// Blocks returns the period length in blocks.
func (m *VotingPeriodManager) Blocks() uint64 {
	return m.blocks
}

// CurrentPeriod returns the period that contains height.
func (m *VotingPeriodManager) CurrentPeriod(height uint64) VotingPeriod {
	return m.bounds(height / m.blocks)
}

// MaxPeriodID is the last period whose first block is a representable height.
func (m *VotingPeriodManager) MaxPeriodID() uint64 {
	return math.MaxUint64 / m.blocks
}

// CheckPeriodID rejects ids beyond MaxPeriodID.
func (m *VotingPeriodManager) CheckPeriodID(id uint64) error {
	if id > m.MaxPeriodID() {
		return newVoteError(KindWrongPeriod, fmt.Sprintf("period %d is beyond the last period %d", id, m.MaxPeriodID()))
	}
	return nil
}

// PeriodByID returns the boundaries of period id.
func (m *VotingPeriodManager) PeriodByID(id uint64) (VotingPeriod, error) {
	if err := m.CheckPeriodID(id); err != nil {
		return VotingPeriod{}, err
	}
	return m.bounds(id), nil
}

func (m *VotingPeriodManager) bounds(id uint64) VotingPeriod {
	start := id * m.blocks
	end := start + (m.blocks - 1)
	if start > math.MaxUint64-(m.blocks-1) {
		end = math.MaxUint64
	}
	return VotingPeriod{PeriodID: id, StartHeight: start, EndHeight: end}
}

// Schedule reports the current period and how far the next one is from height.
func (m *VotingPeriodManager) Schedule(height uint64) VotingSchedule {
	current := m.CurrentPeriod(height)
	current.State = PeriodOpen
	next := current.EndHeight
	if next < math.MaxUint64 {
		next++
	}
	return VotingSchedule{
		CurrentPeriod:         current,
		CurrentHeight:         height,
		NextVotingHeight:      next,
		BlocksUntilNextVoting: next - height,
	}
}

// State reports the lifecycle state of period at chainHeight. Archived is terminal and
// a period whose end height has passed is never open again.
func (m *VotingPeriodManager) State(period VotingPeriod, chainHeight uint64, archived bool) PeriodState {
	switch {
	case archived:
		return PeriodArchived
	case chainHeight > period.EndHeight:
		return PeriodClosed
	case chainHeight < period.StartHeight:
		return PeriodUpcoming
	default:
		return PeriodOpen
	}
}

package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVotingPeriodManagerRejectsZeroLength(t *testing.T) {
	_, err := NewVotingPeriodManager(0)
	assert.Error(t, err)
}

func TestCurrentPeriodBoundaries(t *testing.T) {
	m, err := NewVotingPeriodManager(1000)
	require.NoError(t, err)

	p := m.CurrentPeriod(1500)
	assert.Equal(t, VotingPeriod{PeriodID: 1, StartHeight: 1000, EndHeight: 1999}, p)

	assert.Equal(t, uint64(0), m.CurrentPeriod(0).PeriodID)
	assert.Equal(t, uint64(0), m.CurrentPeriod(999).PeriodID)
	assert.Equal(t, uint64(1), m.CurrentPeriod(1000).PeriodID)
}

func TestPeriodsTileTheChain(t *testing.T) {
	m, err := NewVotingPeriodManager(7)
	require.NoError(t, err)
	for h := uint64(0); h < 200; h++ {
		p := m.CurrentPeriod(h)
		assert.True(t, p.Contains(h), "height %d", h)
		next, err := m.PeriodByID(p.PeriodID + 1)
		require.NoError(t, err)
		assert.Equal(t, p.EndHeight+1, next.StartHeight)
	}
}

func TestPeriodEndClampsAtMaxHeight(t *testing.T) {
	m, err := NewVotingPeriodManager(1000)
	require.NoError(t, err)
	p := m.CurrentPeriod(math.MaxUint64)
	assert.Equal(t, uint64(math.MaxUint64), p.EndHeight)
	assert.True(t, p.Contains(math.MaxUint64))

	s := m.Schedule(math.MaxUint64)
	assert.Equal(t, uint64(math.MaxUint64), s.NextVotingHeight)
	assert.Equal(t, uint64(0), s.BlocksUntilNextVoting)
}

func TestSchedule(t *testing.T) {
	m, err := NewVotingPeriodManager(1000)
	require.NoError(t, err)
	s := m.Schedule(1500)
	assert.Equal(t, uint64(1), s.CurrentPeriod.PeriodID)
	assert.Equal(t, PeriodOpen, s.CurrentPeriod.State)
	assert.Equal(t, uint64(1500), s.CurrentHeight)
	assert.Equal(t, uint64(2000), s.NextVotingHeight)
	assert.Equal(t, uint64(500), s.BlocksUntilNextVoting)
}

func TestPeriodState(t *testing.T) {
	m, err := NewVotingPeriodManager(100)
	require.NoError(t, err)
	p, err := m.PeriodByID(2) // 200..299
	require.NoError(t, err)

	assert.Equal(t, PeriodUpcoming, m.State(p, 150, false))
	assert.Equal(t, PeriodOpen, m.State(p, 200, false))
	assert.Equal(t, PeriodOpen, m.State(p, 299, false))
	assert.Equal(t, PeriodClosed, m.State(p, 300, false))
	assert.Equal(t, PeriodArchived, m.State(p, 300, true))
	assert.Equal(t, PeriodArchived, m.State(p, 250, true))
}

func TestPeriodByIDRejectsUnrepresentableIDs(t *testing.T) {
	m, err := NewVotingPeriodManager(1000)
	require.NoError(t, err)

	last := uint64(math.MaxUint64 / 1000)
	assert.Equal(t, last, m.MaxPeriodID())
	p, err := m.PeriodByID(last)
	require.NoError(t, err)
	assert.Equal(t, last*1000, p.StartHeight)
	assert.Equal(t, uint64(math.MaxUint64), p.EndHeight)
	assert.Equal(t, m.CurrentPeriod(math.MaxUint64), p)

	for _, id := range []uint64{last + 1, 18446744073709552, math.MaxUint64} {
		_, err := m.PeriodByID(id)
		assert.ErrorIs(t, err, ErrWrongPeriod, "period %d", id)
	}
}

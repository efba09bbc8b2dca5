package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func newTestLedger(t *testing.T, store IStore) *VoteLedger {
	t.Helper()
	return NewVoteLedger(store, LedgerConfig{
		WriteTimeout:   time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}, zaptest.NewLogger(t))
}

func ledgerVote(period uint64, voter string, approve bool, power Power) *Vote {
	return &Vote{
		VoteID:        fmt.Sprintf("%d-%s", period, voter),
		PeriodID:      period,
		VoterAddress:  voter,
		Approve:       approve,
		VotingPower:   power,
		ChainVoteData: ChainVoteData{Amount: NewAmount(uint64(power) * uint64(power)), TargetChainID: "main"},
	}
}

func TestLedgerSubmitAndQuery(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, l.Submit(ctx, ledgerVote(1, "bb", true, 10)))
	require.NoError(t, l.Submit(ctx, ledgerVote(1, "aa", false, 5)))
	require.NoError(t, l.Submit(ctx, ledgerVote(2, "aa", true, 7)))

	votes, err := l.VotesInPeriod(1)
	require.NoError(t, err)
	require.Len(t, votes, 2)
	assert.Equal(t, "aa", votes[0].VoterAddress)
	assert.Equal(t, "bb", votes[1].VoterAddress)

	byAddr, err := l.VotesByAddress("aa")
	require.NoError(t, err)
	require.Len(t, byAddr, 2)
	assert.Equal(t, uint64(1), byAddr[0].PeriodID)
	assert.Equal(t, uint64(2), byAddr[1].PeriodID)
	assert.Equal(t, Power(7), byAddr[1].VotingPower)

	ok, err := l.HasVoted("bb", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.HasVoted("bb", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	none, err := l.VotesByAddress("cc")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLedgerRejectsDuplicateVote(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, l.Submit(ctx, ledgerVote(1, "aa", true, 10)))
	second := ledgerVote(1, "aa", false, 3)
	second.VoteID = "other"
	err := l.Submit(ctx, second)
	assert.ErrorIs(t, err, ErrDuplicateVote)

	votes, err := l.VotesInPeriod(1)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.True(t, votes[0].Approve)
	assert.Equal(t, Power(10), votes[0].VotingPower)
}

func TestLedgerConcurrentSubmitsAcceptOne(t *testing.T) {
	for _, tc := range []struct {
		name  string
		store func(t *testing.T) IStore
	}{
		{"memory", func(*testing.T) IStore { return NewMemoryStore() }},
		{"bolt", func(t *testing.T) IStore { return newTestBoltStore(t) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l := newTestLedger(t, tc.store(t))
			const attempts = 32

			var accepted, duplicates atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					v := ledgerVote(4, "aa", i%2 == 0, Power(i+1))
					v.VoteID = fmt.Sprintf("attempt-%d", i)
					err := l.Submit(context.Background(), v)
					switch {
					case err == nil:
						accepted.Add(1)
					case errors.Is(err, ErrDuplicateVote):
						duplicates.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int32(1), accepted.Load())
			assert.Equal(t, int32(attempts-1), duplicates.Load())
			votes, err := l.VotesInPeriod(4)
			require.NoError(t, err)
			assert.Len(t, votes, 1)
			assert.Equal(t, 0, l.locks.size())
		})
	}
}

// blockingStore holds every Update until release is closed.
type blockingStore struct {
	*MemoryStore
	release chan struct{}
}

func (s *blockingStore) Update(fn func(tx KVTx) error) error {
	<-s.release
	return s.MemoryStore.Update(fn)
}

func TestLedgerWriteTimeoutNeverCommits(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &blockingStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	l := NewVoteLedger(store, LedgerConfig{WriteTimeout: 50 * time.Millisecond, MaxAttempts: 3}, zaptest.NewLogger(t))
	telemetry := NewTelemetry()
	l.SetTelemetry(telemetry)

	err := l.Submit(context.Background(), ledgerVote(1, "aa", true, 10))
	assert.ErrorIs(t, err, ErrTimeout)

	// The abandoned transaction runs once the store unblocks and must not write
	close(store.release)
	assert.Eventually(t, func() bool { return l.locks.size() == 0 }, time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	ok, err := l.HasVoted("aa", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	snapshot, err := telemetry.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, float64(1), snapshot["hybridvote_ledger_write_seconds{outcome=Timeout}"])
}

// slowCommitStore commits every Update and then stalls before reporting it.
type slowCommitStore struct {
	*MemoryStore
	delay time.Duration
}

func (s *slowCommitStore) Update(fn func(tx KVTx) error) error {
	err := s.MemoryStore.Update(fn)
	time.Sleep(s.delay)
	return err
}

func TestLedgerStartedWriteOutlivesTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &slowCommitStore{MemoryStore: NewMemoryStore(), delay: 150 * time.Millisecond}
	l := NewVoteLedger(store, LedgerConfig{WriteTimeout: 50 * time.Millisecond, MaxAttempts: 3}, zaptest.NewLogger(t))

	// The commit lands before the deadline but is reported after it
	require.NoError(t, l.Submit(context.Background(), ledgerVote(1, "aa", true, 10)))
	ok, err := l.HasVoted("aa", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	err = l.Submit(context.Background(), ledgerVote(1, "aa", true, 10))
	assert.ErrorIs(t, err, ErrDuplicateVote)
}

func TestLedgerCancelledContextIsTimeout(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Submit(ctx, ledgerVote(1, "aa", true, 10))
	assert.ErrorIs(t, err, ErrTimeout)
}

// flakyStore fails the first failures Updates with a transient error.
type flakyStore struct {
	*MemoryStore
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakyStore) Update(fn func(tx KVTx) error) error {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return errors.New("transient write failure")
	}
	return s.MemoryStore.Update(fn)
}

func TestLedgerRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(2)
	l := newTestLedger(t, store)
	telemetry := NewTelemetry()
	l.SetTelemetry(telemetry)

	require.NoError(t, l.Submit(context.Background(), ledgerVote(1, "aa", true, 10)))
	assert.Equal(t, int32(3), store.calls.Load())

	snapshot, err := telemetry.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, float64(2), snapshot["hybridvote_ledger_write_retries_total"])
}

func TestLedgerGivesUpAfterMaxAttempts(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(100)
	l := newTestLedger(t, store)

	err := l.Submit(context.Background(), ledgerVote(1, "aa", true, 10))
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestLedgerDoesNotRetryDuplicates(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	l := newTestLedger(t, store)
	require.NoError(t, l.Submit(context.Background(), ledgerVote(1, "aa", true, 10)))
	store.calls.Store(0)

	err := l.Submit(context.Background(), ledgerVote(1, "aa", true, 10))
	assert.ErrorIs(t, err, ErrDuplicateVote)
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestLedgerMetrics(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore())
	ctx := context.Background()

	eligible := ValidatorSet{}
	for i := 0; i < 10; i++ {
		addr := fmt.Sprintf("v%02d", i)
		eligible[addr] = &Validator{Address: addr}
	}
	require.NoError(t, l.SnapshotValidatorSet(3, eligible))
	require.NoError(t, l.Submit(ctx, ledgerVote(3, "v00", true, 10)))
	require.NoError(t, l.Submit(ctx, ledgerVote(3, "v01", true, 20)))
	require.NoError(t, l.Submit(ctx, ledgerVote(3, "v02", false, 5)))

	m, err := l.Metrics(ctx, 3, 99, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.PeriodID)
	assert.Equal(t, 3, m.TotalVotes)
	assert.Equal(t, 3, m.ActiveVoters)
	assert.Equal(t, 10, m.EligibleVoters)
	assert.InDelta(t, 0.3, m.ParticipationRate, 1e-9)
	assert.Equal(t, uint64(3000), m.ParticipationBps)
	assert.Equal(t, Power(30), m.ApprovePower)
	assert.Equal(t, Power(5), m.RejectPower)

	again, err := l.Metrics(ctx, 3, 99, nil)
	require.NoError(t, err)
	assert.Equal(t, m, again)

	approving, err := l.Metrics(ctx, 3, 99, ApprovingFor("main"))
	require.NoError(t, err)
	assert.Equal(t, 2, approving.ActiveVoters)
	assert.Equal(t, uint64(2000), approving.ParticipationBps)

	other, err := l.Metrics(ctx, 3, 99, ApprovingFor("fork-b"))
	require.NoError(t, err)
	assert.Equal(t, 0, other.ActiveVoters)
}

func TestLedgerMetricsFallbackAndEmpty(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore())
	ctx := context.Background()

	m, err := l.Metrics(ctx, 7, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, m.ActiveVoters)
	assert.Equal(t, float64(0), m.ParticipationRate)

	require.NoError(t, l.Submit(ctx, ledgerVote(7, "aa", true, 1)))
	m, err = l.Metrics(ctx, 7, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, m.EligibleVoters)
	assert.Equal(t, uint64(2500), m.ParticipationBps)
}

func TestSnapshotFirstWriteWins(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore())
	require.NoError(t, l.SnapshotValidatorSet(1, ValidatorSet{"a": {}, "b": {}}))
	require.NoError(t, l.SnapshotValidatorSet(1, ValidatorSet{"a": {}, "b": {}, "c": {}, "d": {}}))

	size, ok, err := l.SnapshotSize(1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, size)

	_, ok, err = l.SnapshotSize(2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerPruneArchivesOldPeriods(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore())
	ctx := context.Background()

	for p := uint64(0); p < 4; p++ {
		require.NoError(t, l.SnapshotValidatorSet(p, ValidatorSet{"aa": {}, "bb": {}}))
		require.NoError(t, l.Submit(ctx, ledgerVote(p, "aa", true, 10)))
	}
	before, err := l.Metrics(ctx, 1, 0, nil)
	require.NoError(t, err)

	archived, err := l.PruneBefore(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1}, archived)

	for _, p := range []uint64{0, 1} {
		ok, err := l.IsArchived(p)
		require.NoError(t, err)
		assert.True(t, ok)
		votes, err := l.VotesInPeriod(p)
		require.NoError(t, err)
		assert.Empty(t, votes)
	}
	ok, err := l.IsArchived(2)
	require.NoError(t, err)
	assert.False(t, ok)

	// Archived periods keep their final metrics
	after, err := l.Metrics(ctx, 1, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	byAddr, err := l.VotesByAddress("aa")
	require.NoError(t, err)
	assert.Len(t, byAddr, 2)

	// Archived periods are closed for writes
	err = l.Submit(ctx, ledgerVote(1, "bb", true, 1))
	assert.ErrorIs(t, err, ErrWrongPeriod)

	// Pruning again is a no-op
	archived, err = l.PruneBefore(ctx, 2, 0)
	require.NoError(t, err)
	assert.Empty(t, archived)
}

func TestLedgerPruneWithoutSnapshotUsesFallback(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, l.Submit(ctx, ledgerVote(0, "aa", true, 10)))
	before, err := l.Metrics(ctx, 0, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, before.EligibleVoters)

	archived, err := l.PruneBefore(ctx, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, archived)

	after, err := l.Metrics(ctx, 0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, after.EligibleVoters)
	assert.Equal(t, uint64(2500), after.ParticipationBps)
	assert.Equal(t, before.ParticipationRate, after.ParticipationRate)
}

func TestLedgerArchivedMetricsRejectFilters(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, l.Submit(ctx, ledgerVote(0, "aa", true, 10)))
	_, err := l.PruneBefore(ctx, 1, 1)
	require.NoError(t, err)

	_, err = l.Metrics(ctx, 0, 1, ApprovingFor("main"))
	assert.ErrorIs(t, err, ErrWrongPeriod)

	m, err := l.Metrics(ctx, 0, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, m.ActiveVoters)
}

func TestKeyLocksHonourContext(t *testing.T) {
	locks := newKeyLocks()
	release, err := locks.acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Equal(t, 0, locks.size())

	release, err = locks.acquire(context.Background(), "k")
	require.NoError(t, err)
	release()
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Key layout. Period numbers are zero padded so prefix scans return periods in order.
const (
	votePrefix     = "vote/"
	addrPrefix     = "addr/"
	snapshotPrefix = "snap/"
	archivePrefix  = "arch/"
)

func periodKey(periodID uint64) string {
	return fmt.Sprintf("%020d", periodID)
}

func voteKey(periodID uint64, addr string) []byte {
	return []byte(votePrefix + periodKey(periodID) + "/" + addr)
}

func votePeriodPrefix(periodID uint64) []byte {
	return []byte(votePrefix + periodKey(periodID) + "/")
}

func addrKey(addr string, periodID uint64) []byte {
	return []byte(addrPrefix + addr + "/" + periodKey(periodID))
}

func snapshotKey(periodID uint64) []byte {
	return []byte(snapshotPrefix + periodKey(periodID))
}

func archiveKey(periodID uint64) []byte {
	return []byte(archivePrefix + periodKey(periodID))
}

// keyLocks hands out one lock per key. Waiting for a lock honours the context.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (l *keyLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.ch
				l.unref(key, kl)
			})
		}, nil
	case <-ctx.Done():
		l.unref(key, kl)
		return nil, ctx.Err()
	}
}

func (l *keyLocks) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *keyLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// archiveRecord is what remains of a period after it has been archived.
type archiveRecord struct {
	ArchivedAt int64         `json:"archivedAt"`
	Metrics    VotingMetrics `json:"metrics"`
}

// VoteLedger is the durable record of accepted votes, at most one per voter per period.
type VoteLedger struct {
	store     IStore
	locks     *keyLocks
	cfg       LedgerConfig
	logger    *zap.Logger
	telemetry *Telemetry
}

// NewVoteLedger creates a ledger on top of store.
func NewVoteLedger(store IStore, cfg LedgerConfig, logger *zap.Logger) *VoteLedger {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VoteLedger{
		store:  store,
		locks:  newKeyLocks(),
		cfg:    cfg,
		logger: logger.Named("ledger"),
	}
}

// SetTelemetry attaches metrics. A nil telemetry disables them.
func (l *VoteLedger) SetTelemetry(t *Telemetry) {
	l.telemetry = t
}

// Submit stores vote unless its voter already has a vote in the period. The check and
// the insert happen in one store transaction; the whole write, including waiting for
// the per-voter lock and retries, is bounded by the write timeout.
func (l *VoteLedger) Submit(ctx context.Context, vote *Vote) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
	defer cancel()
	start := time.Now()

	release, err := l.locks.acquire(ctx, periodKey(vote.PeriodID)+"/"+vote.VoterAddress)
	if err != nil {
		l.telemetry.ObserveLedgerWrite(KindTimeout, time.Since(start))
		return wrapVoteError(KindTimeout, "waiting for voter lock", err)
	}
	defer release()

	data, err := vote.Encode()
	if err != nil {
		return wrapVoteError(KindStorage, "failed to encode vote", err)
	}

	bo := backoff.NewExponentialBackOff()
	if l.cfg.InitialBackoff > 0 {
		bo.InitialInterval = l.cfg.InitialBackoff
	}
	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := l.update(ctx, func(tx KVTx) error {
			if _, err := tx.Get(archiveKey(vote.PeriodID)); err == nil {
				return newVoteError(KindWrongPeriod, fmt.Sprintf("period %d is archived", vote.PeriodID))
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
			if _, err := tx.Get(voteKey(vote.PeriodID, vote.VoterAddress)); err == nil {
				return newVoteError(KindDuplicateVote, fmt.Sprintf("%s already voted in period %d", vote.VoterAddress, vote.PeriodID))
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
			if err := tx.Put(voteKey(vote.PeriodID, vote.VoterAddress), data); err != nil {
				return err
			}
			return tx.Put(addrKey(vote.VoterAddress, vote.PeriodID), []byte(vote.VoteID))
		})
		if err == nil {
			return struct{}{}, nil
		}
		var ve *VoteError
		if errors.As(err, &ve) || ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		l.telemetry.IncLedgerRetry()
		l.logger.Warn("ledger write failed",
			zap.Int("attempt", attempt),
			zap.Uint64("period", vote.PeriodID),
			zap.String("voter", vote.VoterAddress),
			zap.Error(err))
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(l.cfg.MaxAttempts)))

	err = classifyWriteError(err)
	l.telemetry.ObserveLedgerWrite(KindOf(err), time.Since(start))
	return err
}

// Transaction states of a single update attempt.
const (
	txPending int32 = iota
	txStarted
	txAbandoned
)

// update races a store transaction against ctx. A transaction that has not begun when
// ctx is done is abandoned and never writes. One that has begun runs to completion and
// its outcome is reported, so a committed vote is never reported as timed out.
func (l *VoteLedger) update(ctx context.Context, fn func(tx KVTx) error) error {
	var state atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- l.store.Update(func(tx KVTx) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !state.CompareAndSwap(txPending, txStarted) {
				return context.Canceled
			}
			return fn(tx)
		})
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if state.CompareAndSwap(txPending, txAbandoned) {
			return ctx.Err()
		}
		return <-done
	}
}

func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	var ve *VoteError
	if errors.As(err, &ve) {
		return ve
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return wrapVoteError(KindTimeout, "ledger write timed out", err)
	}
	return wrapVoteError(KindStorage, "ledger write failed", err)
}

func decodeVote(data []byte) (*Vote, error) {
	var v Vote
	if err := v.Decode(data); err != nil {
		return nil, wrapVoteError(KindStorage, "corrupt vote record", err)
	}
	return &v, nil
}

// VotesInPeriod returns the votes of a period ordered by voter address.
func (l *VoteLedger) VotesInPeriod(periodID uint64) ([]*Vote, error) {
	var votes []*Vote
	err := l.store.View(func(r KVReader) error {
		var err error
		votes, err = votesInPeriod(r, periodID)
		return err
	})
	if err != nil {
		return nil, asVoteError(err)
	}
	return votes, nil
}

func votesInPeriod(r KVReader, periodID uint64) ([]*Vote, error) {
	var votes []*Vote
	err := r.ForEachPrefix(votePeriodPrefix(periodID), func(_, value []byte) error {
		v, err := decodeVote(value)
		if err != nil {
			return err
		}
		votes = append(votes, v)
		return nil
	})
	return votes, err
}

// VotesByAddress returns every retained vote of address, oldest period first.
func (l *VoteLedger) VotesByAddress(address string) ([]*Vote, error) {
	var votes []*Vote
	err := l.store.View(func(r KVReader) error {
		prefix := []byte(addrPrefix + address + "/")
		return r.ForEachPrefix(prefix, func(key, _ []byte) error {
			periodID, err := strconv.ParseUint(strings.TrimPrefix(string(key), string(prefix)), 10, 64)
			if err != nil {
				return fmt.Errorf("malformed index key %q: %w", key, err)
			}
			data, err := r.Get(voteKey(periodID, address))
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			v, err := decodeVote(data)
			if err != nil {
				return err
			}
			votes = append(votes, v)
			return nil
		})
	})
	if err != nil {
		return nil, asVoteError(err)
	}
	return votes, nil
}

// HasVoted reports whether address has an accepted vote in periodID.
func (l *VoteLedger) HasVoted(address string, periodID uint64) (bool, error) {
	_, err := l.store.Get(voteKey(periodID, address))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, asVoteError(err)
	}
}

// SnapshotValidatorSet records the eligible voters of a period. The first snapshot
// wins so later validator set changes never alter a period's participation rate.
func (l *VoteLedger) SnapshotValidatorSet(periodID uint64, validators ValidatorSet) error {
	addrs := make([]string, 0, len(validators))
	for addr := range validators {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	data, err := json.Marshal(addrs)
	if err != nil {
		return err
	}
	err = l.store.Update(func(tx KVTx) error {
		if _, err := tx.Get(snapshotKey(periodID)); err == nil {
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		return tx.Put(snapshotKey(periodID), data)
	})
	return asVoteError(err)
}

// SnapshotSize returns the number of eligible voters recorded for periodID.
func (l *VoteLedger) SnapshotSize(periodID uint64) (int, bool, error) {
	members, ok, err := l.SnapshotMembers(periodID)
	return len(members), ok, err
}

// SnapshotMembers returns the eligible voters recorded for periodID.
func (l *VoteLedger) SnapshotMembers(periodID uint64) (map[string]struct{}, bool, error) {
	var (
		members map[string]struct{}
		ok      bool
	)
	err := l.store.View(func(r KVReader) error {
		var err error
		members, ok, err = snapshotMembers(r, periodID)
		return err
	})
	return members, ok, asVoteError(err)
}

func snapshotMembers(r KVReader, periodID uint64) (map[string]struct{}, bool, error) {
	data, err := r.Get(snapshotKey(periodID))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var addrs []string
	if err := json.Unmarshal(data, &addrs); err != nil {
		return nil, false, fmt.Errorf("corrupt validator snapshot for period %d: %w", periodID, err)
	}
	members := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		members[a] = struct{}{}
	}
	return members, true, nil
}

// VoteFilter selects the votes that count toward metrics. Nil counts every vote.
type VoteFilter func(*Vote) bool

// ApprovingFor counts only approving votes targeting chainID.
func ApprovingFor(chainID string) VoteFilter {
	return func(v *Vote) bool {
		return v.Approve && v.ChainVoteData.TargetChainID == chainID
	}
}

// Metrics computes the voting metrics of periodID from stored votes. The eligible voter
// count comes from the period's snapshot, or eligibleFallback when none was taken.
// Archived periods report the metrics frozen at archive time, which cover every vote,
// so a filtered request for an archived period fails.
func (l *VoteLedger) Metrics(ctx context.Context, periodID uint64, eligibleFallback int, filter VoteFilter) (VotingMetrics, error) {
	var (
		votes    []*Vote
		eligible = eligibleFallback
		archived *archiveRecord
	)
	err := l.store.View(func(r KVReader) error {
		if data, err := r.Get(archiveKey(periodID)); err == nil {
			var rec archiveRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("corrupt archive record for period %d: %w", periodID, err)
			}
			archived = &rec
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		var err error
		if votes, err = votesInPeriod(r, periodID); err != nil {
			return err
		}
		members, ok, err := snapshotMembers(r, periodID)
		if err != nil {
			return err
		}
		if ok {
			eligible = len(members)
		}
		return nil
	})
	if err != nil {
		return VotingMetrics{}, asVoteError(err)
	}
	if archived != nil {
		if filter != nil {
			return VotingMetrics{}, newVoteError(KindWrongPeriod,
				fmt.Sprintf("period %d is archived; filtered metrics are not retained", periodID))
		}
		return archived.Metrics, nil
	}
	if filter != nil {
		kept := votes[:0]
		for _, v := range votes {
			if filter(v) {
				kept = append(kept, v)
			}
		}
		votes = kept
	}
	return buildMetrics(ctx, periodID, votes, eligible)
}

func buildMetrics(ctx context.Context, periodID uint64, votes []*Vote, eligible int) (VotingMetrics, error) {
	tally, err := TallyVotes(ctx, votes, DefaultTallyChunkSize)
	if err != nil {
		return VotingMetrics{}, asVoteError(err)
	}
	m := VotingMetrics{
		PeriodID:       periodID,
		TotalVotes:     len(votes),
		ActiveVoters:   tally.Voters,
		EligibleVoters: eligible,
		ApprovePower:   tally.ApprovePower,
		RejectPower:    tally.RejectPower,
		CurrentPeriod:  periodID,
	}
	if eligible > 0 {
		m.ParticipationBps = uint64(m.ActiveVoters) * 10_000 / uint64(eligible)
		m.ParticipationRate = float64(m.ActiveVoters) / float64(eligible)
	}
	return m, nil
}

// IsArchived reports whether periodID has been archived.
func (l *VoteLedger) IsArchived(periodID uint64) (bool, error) {
	_, err := l.store.Get(archiveKey(periodID))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, asVoteError(err)
	}
}

// PruneBefore archives every period older than periodID. The votes of an archived
// period are removed; its final metrics are kept. Archived periods accept no writes.
// eligibleFallback is the eligible voter count of a period without a snapshot, the
// same count Metrics would have used for it.
func (l *VoteLedger) PruneBefore(ctx context.Context, periodID uint64, eligibleFallback int) ([]uint64, error) {
	candidates := make(map[uint64]struct{})
	err := l.store.View(func(r KVReader) error {
		for _, prefix := range []string{votePrefix, snapshotPrefix} {
			err := r.ForEachPrefix([]byte(prefix), func(key, _ []byte) error {
				rest := strings.TrimPrefix(string(key), prefix)
				id, err := strconv.ParseUint(strings.SplitN(rest, "/", 2)[0], 10, 64)
				if err != nil {
					return fmt.Errorf("malformed key %q: %w", key, err)
				}
				if id < periodID {
					candidates[id] = struct{}{}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, asVoteError(err)
	}

	ids := make([]uint64, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var archived []uint64
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return archived, wrapVoteError(KindTimeout, "pruning interrupted", err)
		}
		if err := l.archive(ctx, id, eligibleFallback); err != nil {
			return archived, err
		}
		archived = append(archived, id)
		l.logger.Info("archived voting period", zap.Uint64("period", id))
	}
	return archived, nil
}

func (l *VoteLedger) archive(ctx context.Context, periodID uint64, eligibleFallback int) error {
	err := l.store.Update(func(tx KVTx) error {
		if _, err := tx.Get(archiveKey(periodID)); err == nil {
			return nil
		}
		votes, err := votesInPeriod(tx, periodID)
		if err != nil {
			return err
		}
		eligible := eligibleFallback
		members, ok, err := snapshotMembers(tx, periodID)
		if err != nil {
			return err
		}
		if ok {
			eligible = len(members)
		}
		metrics, err := buildMetrics(ctx, periodID, votes, eligible)
		if err != nil {
			return err
		}
		rec, err := json.Marshal(archiveRecord{ArchivedAt: time.Now().UnixMilli(), Metrics: metrics})
		if err != nil {
			return err
		}
		for _, v := range votes {
			if err := tx.Delete(voteKey(periodID, v.VoterAddress)); err != nil {
				return err
			}
			if err := tx.Delete(addrKey(v.VoterAddress, periodID)); err != nil {
				return err
			}
		}
		if err := tx.Delete(snapshotKey(periodID)); err != nil {
			return err
		}
		return tx.Put(archiveKey(periodID), rec)
	})
	return asVoteError(err)
}

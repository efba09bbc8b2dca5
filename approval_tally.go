package main

import (
	"context"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultTallyChunkSize is how many votes one tally worker processes at a time.
const DefaultTallyChunkSize = 100_000

// ApprovalTally is the approve/reject split of a set of votes.
type ApprovalTally struct {
	Voters       int   `json:"voters"`
	ApproveVotes int   `json:"approveVotes"`
	RejectVotes  int   `json:"rejectVotes"`
	ApprovePower Power `json:"approvePower"`
	RejectPower  Power `json:"rejectPower"`
}

// Threshold returns the power needed for a supermajority of the tallied power: 2/3 + 1.
func (t ApprovalTally) Threshold() uint64 {
	total := addSaturating(uint64(t.ApprovePower), uint64(t.RejectPower))
	return (2 * (total / 3)) + (2*(total%3))/3 + 1
}

// Supermajority reports whether approving power reached the threshold.
func (t ApprovalTally) Supermajority() bool {
	if t.ApprovePower == 0 {
		return false
	}
	return uint64(t.ApprovePower) >= t.Threshold()
}

func (t *ApprovalTally) merge(o ApprovalTally) {
	t.ApproveVotes += o.ApproveVotes
	t.RejectVotes += o.RejectVotes
	t.ApprovePower = Power(addSaturating(uint64(t.ApprovePower), uint64(o.ApprovePower)))
	t.RejectPower = Power(addSaturating(uint64(t.RejectPower), uint64(o.RejectPower)))
}

func addSaturating(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// TallyVotes sums voting power per side. Votes are split into chunks of chunkSize
// that are summed in parallel. Only the first vote seen per voter counts, in slice order.
func TallyVotes(ctx context.Context, votes []*Vote, chunkSize int) (ApprovalTally, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultTallyChunkSize
	}

	// Resolve the counted vote per voter up front so chunk boundaries cannot change the result
	seen := make(map[string]struct{}, len(votes))
	counted := make([]*Vote, 0, len(votes))
	for _, v := range votes {
		if v == nil {
			continue
		}
		if _, dup := seen[v.VoterAddress]; dup {
			continue
		}
		seen[v.VoterAddress] = struct{}{}
		counted = append(counted, v)
	}

	var (
		mu    sync.Mutex
		total = ApprovalTally{Voters: len(counted)}
	)
	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(counted); start += chunkSize {
		chunk := counted[start:min(start+chunkSize, len(counted))]
		g.Go(func() error {
			var part ApprovalTally
			for _, v := range chunk {
				if err := ctx.Err(); err != nil {
					return err
				}
				if v.Approve {
					part.ApproveVotes++
					part.ApprovePower = Power(addSaturating(uint64(part.ApprovePower), uint64(v.VotingPower)))
				} else {
					part.RejectVotes++
					part.RejectPower = Power(addSaturating(uint64(part.RejectPower), uint64(v.VotingPower)))
				}
			}
			mu.Lock()
			total.merge(part)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ApprovalTally{}, err
	}
	return total, nil
}

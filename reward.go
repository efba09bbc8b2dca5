package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
)

// RewardShare is one recipient's part of a block reward.
type RewardShare struct {
	Address string `json:"address"`
	Power   Power  `json:"power,omitempty"`
	Amount  Amount `json:"amount"`
}

// RewardDistribution splits a block reward between the miner and the voters of a period.
type RewardDistribution struct {
	PeriodID uint64        `json:"periodId"`
	Total    Amount        `json:"total"`
	Miner    RewardShare   `json:"miner"`
	Voters   []RewardShare `json:"voters"`
}

// RewardCalculator issues block rewards. Voters are paid pro rata to voting power; the
// miner takes MinerShareBps plus every remainder left by integer division.
type RewardCalculator struct {
	MinerShareBps uint64
}

func NewRewardCalculator(minerShareBps uint64) (*RewardCalculator, error) {
	if minerShareBps > fullBps {
		return nil, fmt.Errorf("miner share %d bps exceeds %d", minerShareBps, fullBps)
	}
	return &RewardCalculator{MinerShareBps: minerShareBps}, nil
}

// Distribute splits total. Only one vote per voter counts. With no voting power the
// miner receives everything.
func (rc *RewardCalculator) Distribute(periodID uint64, total Amount, miner string, votes []*Vote) (RewardDistribution, error) {
	if miner == "" {
		return RewardDistribution{}, errors.New("miner address is required")
	}
	amount, err := total.Uint256()
	if err != nil {
		return RewardDistribution{}, err
	}

	powers := make(map[string]uint64, len(votes))
	var totalPower uint64
	for _, v := range votes {
		if _, dup := powers[v.VoterAddress]; dup || v.VotingPower == 0 {
			continue
		}
		powers[v.VoterAddress] = uint64(v.VotingPower)
		totalPower = addSaturating(totalPower, uint64(v.VotingPower))
	}

	minerAmount, _ := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(rc.MinerShareBps), uint256.NewInt(fullBps))
	pool := new(uint256.Int).Sub(amount, minerAmount)

	dist := RewardDistribution{PeriodID: periodID, Total: AmountFromUint256(amount)}
	if totalPower == 0 {
		minerAmount.Set(amount)
	} else {
		addrs := make([]string, 0, len(powers))
		for addr := range powers {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)
		paid := new(uint256.Int)
		for _, addr := range addrs {
			share, _ := new(uint256.Int).MulDivOverflow(pool, uint256.NewInt(powers[addr]), uint256.NewInt(totalPower))
			paid.Add(paid, share)
			dist.Voters = append(dist.Voters, RewardShare{
				Address: addr,
				Power:   Power(powers[addr]),
				Amount:  AmountFromUint256(share),
			})
		}
		minerAmount.Add(minerAmount, pool.Sub(pool, paid))
	}
	dist.Miner = RewardShare{Address: miner, Amount: AmountFromUint256(minerAmount)}
	return dist, nil
}

package main

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// ValidatorRules are the static limits a vote is checked against.
type ValidatorRules struct {
	MaxVoteAmount    Amount
	MinBalance       Amount
	MinValidatorAge  uint64
	MaxVoteSizeBytes int
	MaxClockSkew     time.Duration
}

// VoteValidator checks a single vote against a validator set and a period.
// It never touches shared state; uniqueness is the ledger's job.
type VoteValidator struct {
	rules ValidatorRules
	power *VotePowerCalculator

	maxAmount  *uint256.Int
	minBalance *uint256.Int

	now func() time.Time
}

// NewVoteValidator creates a validator. Amount limits are parsed once up front.
func NewVoteValidator(rules ValidatorRules, power *VotePowerCalculator) (*VoteValidator, error) {
	v := &VoteValidator{rules: rules, power: power, now: time.Now}
	if rules.MaxVoteAmount != "" {
		x, err := rules.MaxVoteAmount.Uint256()
		if err != nil {
			return nil, fmt.Errorf("invalid max vote amount: %w", err)
		}
		v.maxAmount = x
	}
	if rules.MinBalance != "" {
		x, err := rules.MinBalance.Uint256()
		if err != nil {
			return nil, fmt.Errorf("invalid min balance: %w", err)
		}
		if !x.IsZero() {
			v.minBalance = x
		}
	}
	return v, nil
}

// Validate runs the checks in order and returns the first failure.
func (v *VoteValidator) Validate(vote *Vote, validators ValidatorSet, period VotingPeriod) error {
	if vote == nil {
		return ErrNilVote
	}
	if vote.PeriodID != period.PeriodID {
		return newVoteError(KindWrongPeriod, fmt.Sprintf("vote is for period %d, current period is %d", vote.PeriodID, period.PeriodID))
	}
	if err := v.checkWindow(vote, period); err != nil {
		return err
	}
	if err := v.checkEligible(vote, validators); err != nil {
		return err
	}
	if err := VerifyVoteSignature(vote); err != nil {
		return err
	}
	if err := v.checkAmount(vote); err != nil {
		return err
	}
	return v.checkSize(vote)
}

func (v *VoteValidator) checkWindow(vote *Vote, period VotingPeriod) error {
	if !period.Contains(vote.Height) {
		return newVoteError(KindOutOfWindow, fmt.Sprintf("height %d outside period [%d, %d]", vote.Height, period.StartHeight, period.EndHeight))
	}
	if v.rules.MaxClockSkew > 0 && vote.Timestamp > 0 {
		limit := v.now().Add(v.rules.MaxClockSkew).UnixMilli()
		if vote.Timestamp > limit {
			return newVoteError(KindOutOfWindow, fmt.Sprintf("timestamp %d is in the future", vote.Timestamp))
		}
	}
	return nil
}

func (v *VoteValidator) checkEligible(vote *Vote, validators ValidatorSet) error {
	val, ok := validators[vote.VoterAddress]
	if !ok {
		return newVoteError(KindNotEligible, fmt.Sprintf("%s is not in the validator set", vote.VoterAddress))
	}
	if v.minBalance != nil {
		balance, err := vote.Balance.Uint256()
		if err != nil {
			return err
		}
		if !balance.Gt(v.minBalance) {
			return newVoteError(KindNotEligible, fmt.Sprintf("balance %s does not exceed minimum %s", balance.Dec(), v.minBalance.Dec()))
		}
	}
	if v.rules.MinValidatorAge > 0 && vote.Height < val.RegisteredHeight+v.rules.MinValidatorAge {
		return newVoteError(KindNotEligible, fmt.Sprintf("validator registered at %d is younger than %d blocks", val.RegisteredHeight, v.rules.MinValidatorAge))
	}
	return nil
}

func (v *VoteValidator) checkAmount(vote *Vote) error {
	amount, err := vote.ChainVoteData.Amount.Uint256()
	if err != nil {
		return err
	}
	if v.maxAmount != nil && amount.Gt(v.maxAmount) {
		return newVoteError(KindPowerCapExceeded, fmt.Sprintf("amount %s exceeds cap %s", amount.Dec(), v.maxAmount.Dec()))
	}
	if uint64(vote.VotingPower) > v.power.MaxVotingPower() {
		return newVoteError(KindPowerCapExceeded, fmt.Sprintf("declared power %d exceeds cap %d", vote.VotingPower, v.power.MaxVotingPower()))
	}
	return nil
}

func (v *VoteValidator) checkSize(vote *Vote) error {
	if v.rules.MaxVoteSizeBytes <= 0 {
		return nil
	}
	data, err := vote.Encode()
	if err != nil {
		return wrapVoteError(KindTooLarge, "vote cannot be encoded", err)
	}
	if len(data) > v.rules.MaxVoteSizeBytes {
		return newVoteError(KindTooLarge, fmt.Sprintf("vote is %d bytes, limit %d", len(data), v.rules.MaxVoteSizeBytes))
	}
	return nil
}

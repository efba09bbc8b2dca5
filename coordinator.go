package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CoordinatorDeps are the collaborators a coordinator is built on.
type CoordinatorDeps struct {
	Heights    HeightSource
	Validators ValidatorSource
	Pow        PowSource
	Store      IStore
	Logger     *zap.Logger
	Telemetry  *Telemetry
}

// ConsensusCoordinator ties period resolution, vote validation, the ledger and the scorer
// together. All state lives in the instance; several coordinators can run side by side.
type ConsensusCoordinator struct {
	cfg       ConsensusConfig
	periods   *VotingPeriodManager
	power     *VotePowerCalculator
	validator *VoteValidator
	ledger    *VoteLedger
	scorer    *ConsensusScorer
	forks     *ForkChoice
	committee *CommitteeSelector
	rewards   *RewardCalculator

	heights    HeightSource
	validators ValidatorSource
	pow        PowSource

	logger    *zap.Logger
	telemetry *Telemetry
}

// NewConsensusCoordinator builds a coordinator from cfg.
func NewConsensusCoordinator(cfg Config, deps CoordinatorDeps) (*ConsensusCoordinator, error) {
	if deps.Heights == nil || deps.Validators == nil || deps.Pow == nil || deps.Store == nil {
		return nil, errors.New("coordinator needs height, validator and pow sources and a store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cc := cfg.Consensus

	periods, err := NewVotingPeriodManager(cc.VotingPeriodBlocks)
	if err != nil {
		return nil, err
	}
	power := NewVotePowerCalculator(cc.MaxVotingPower)
	validator, err := NewVoteValidator(ValidatorRules{
		MaxVoteAmount:    cc.MaxVoteAmount,
		MinBalance:       cc.MinBalance,
		MinValidatorAge:  cc.MinValidatorAge,
		MaxVoteSizeBytes: cc.MaxVoteSizeBytes,
		MaxClockSkew:     cc.MaxClockSkew,
	}, power)
	if err != nil {
		return nil, err
	}
	rewards, err := NewRewardCalculator(cc.MinerRewardShareBps)
	if err != nil {
		return nil, err
	}
	ledger := NewVoteLedger(deps.Store, cfg.Ledger, logger)
	ledger.SetTelemetry(deps.Telemetry)

	return &ConsensusCoordinator{
		cfg:       cc,
		periods:   periods,
		power:     power,
		validator: validator,
		ledger:    ledger,
		scorer: NewConsensusScorer(ScoringRules{
			PowWeight:           cc.PowWeight,
			VoteWeight:          cc.VoteWeight,
			MinPowHashRate:      cc.MinPowHashRate,
			MinParticipationBps: cc.MinParticipationBps,
			MinVoterCount:       cc.MinVoterCount,
		}),
		forks:      &ForkChoice{PowWeight: cc.PowWeight, VoteWeight: cc.VoteWeight},
		committee:  &CommitteeSelector{Power: power},
		rewards:    rewards,
		heights:    deps.Heights,
		validators: deps.Validators,
		pow:        deps.Pow,
		logger:     logger.Named("coordinator"),
		telemetry:  deps.Telemetry,
	}, nil
}

// Ledger exposes the underlying vote ledger.
func (c *ConsensusCoordinator) Ledger() *VoteLedger {
	return c.ledger
}

// Periods exposes the period manager.
func (c *ConsensusCoordinator) Periods() *VotingPeriodManager {
	return c.periods
}

func (c *ConsensusCoordinator) height(ctx context.Context) (uint64, error) {
	h, err := c.heights.CurrentHeight(ctx)
	if err != nil {
		return 0, wrapVoteError(KindStorage, "height source unavailable", err)
	}
	return h, nil
}

// openPeriod resolves the open period and its eligible voters. The live validator set
// is snapshotted the first time the period is seen; after that only snapshot members
// that are still in the live set are eligible.
func (c *ConsensusCoordinator) openPeriod(ctx context.Context) (uint64, VotingPeriod, ValidatorSet, error) {
	height, err := c.height(ctx)
	if err != nil {
		return 0, VotingPeriod{}, nil, err
	}
	period := c.GetCurrentPeriod(height)
	validators, err := c.validators.Validators(ctx)
	if err != nil {
		return 0, VotingPeriod{}, nil, wrapVoteError(KindStorage, "validator source unavailable", err)
	}
	if err := c.ledger.SnapshotValidatorSet(period.PeriodID, validators); err != nil {
		return 0, VotingPeriod{}, nil, err
	}
	members, ok, err := c.ledger.SnapshotMembers(period.PeriodID)
	if err != nil {
		return 0, VotingPeriod{}, nil, err
	}
	if ok {
		eligible := make(ValidatorSet, len(members))
		for addr := range members {
			if v, live := validators[addr]; live {
				eligible[addr] = v
			}
		}
		validators = eligible
	}
	c.telemetry.UpdateChain(height, period.PeriodID)
	return height, period, validators, nil
}

// SubmitVote validates vote against the open period and stores it. The vote gets a fresh
// id and its derived voting power; the caller's value is not modified.
func (c *ConsensusCoordinator) SubmitVote(ctx context.Context, vote *Vote) (string, error) {
	id, err := c.submitVote(ctx, vote)
	c.telemetry.RecordSubmission(KindOf(err))
	if err != nil {
		fields := []zap.Field{zap.String("kind", string(KindOf(err))), zap.Error(err)}
		if vote != nil {
			fields = append(fields, zap.String("voter", vote.VoterAddress), zap.Uint64("period", vote.PeriodID))
		}
		c.logger.Info("vote rejected", fields...)
		return "", err
	}
	c.logger.Info("vote accepted",
		zap.String("voteId", id),
		zap.String("voter", vote.VoterAddress),
		zap.Uint64("period", vote.PeriodID))
	return id, nil
}

func (c *ConsensusCoordinator) submitVote(ctx context.Context, in *Vote) (string, error) {
	if in == nil {
		return "", ErrNilVote
	}
	_, period, validators, err := c.openPeriod(ctx)
	if err != nil {
		return "", err
	}
	vote := in.Clone()
	if err := c.validator.Validate(vote, validators, period); err != nil {
		return "", err
	}
	power, err := c.power.Power(vote.ChainVoteData.Amount)
	if err != nil {
		return "", err
	}
	vote.VoteID = uuid.NewString()
	vote.VotingPower = Power(power)
	if err := c.ledger.Submit(ctx, vote); err != nil {
		return "", err
	}
	return vote.VoteID, nil
}

// GetCurrentPeriod returns the open period at height.
func (c *ConsensusCoordinator) GetCurrentPeriod(height uint64) VotingPeriod {
	p := c.periods.CurrentPeriod(height)
	p.State = PeriodOpen
	return p
}

// CurrentPeriod returns the period containing the chain head.
func (c *ConsensusCoordinator) CurrentPeriod(ctx context.Context) (VotingPeriod, error) {
	height, err := c.height(ctx)
	if err != nil {
		return VotingPeriod{}, err
	}
	return c.GetCurrentPeriod(height), nil
}

// Period returns period periodID with its state relative to the chain head.
func (c *ConsensusCoordinator) Period(ctx context.Context, periodID uint64) (VotingPeriod, error) {
	height, err := c.height(ctx)
	if err != nil {
		return VotingPeriod{}, err
	}
	p, err := c.periods.PeriodByID(periodID)
	if err != nil {
		return VotingPeriod{}, err
	}
	archived, err := c.ledger.IsArchived(periodID)
	if err != nil {
		return VotingPeriod{}, err
	}
	p.State = c.periods.State(p, height, archived)
	return p, nil
}

// GetSchedule reports where the chain head is relative to the period boundaries.
func (c *ConsensusCoordinator) GetSchedule(ctx context.Context) (VotingSchedule, error) {
	height, err := c.height(ctx)
	if err != nil {
		return VotingSchedule{}, err
	}
	return c.periods.Schedule(height), nil
}

// GetMetrics returns the metrics of periodID, or of the open period when nil.
func (c *ConsensusCoordinator) GetMetrics(ctx context.Context, periodID *uint64) (VotingMetrics, error) {
	m, err := c.metrics(ctx, periodID, nil)
	if err != nil {
		c.logger.Warn("metrics failed", zap.Error(err))
		return VotingMetrics{}, err
	}
	return m, nil
}

func (c *ConsensusCoordinator) metrics(ctx context.Context, periodID *uint64, filter VoteFilter) (VotingMetrics, error) {
	_, current, validators, err := c.openPeriod(ctx)
	if err != nil {
		return VotingMetrics{}, err
	}
	id := current.PeriodID
	if periodID != nil {
		if err := c.periods.CheckPeriodID(*periodID); err != nil {
			return VotingMetrics{}, err
		}
		id = *periodID
	}
	m, err := c.ledger.Metrics(ctx, id, len(validators), filter)
	if err != nil {
		return VotingMetrics{}, err
	}
	m.CurrentPeriod = current.PeriodID
	if id == current.PeriodID && filter == nil {
		c.telemetry.UpdateParticipation(m)
	}
	return m, nil
}

// GetVotesByAddress returns every retained vote cast by address.
func (c *ConsensusCoordinator) GetVotesByAddress(ctx context.Context, address string) ([]*Vote, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapVoteError(KindTimeout, "request cancelled", err)
	}
	return c.ledger.VotesByAddress(address)
}

// GetVotesInPeriod returns the votes of periodID.
func (c *ConsensusCoordinator) GetVotesInPeriod(ctx context.Context, periodID uint64) ([]*Vote, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapVoteError(KindTimeout, "request cancelled", err)
	}
	if err := c.periods.CheckPeriodID(periodID); err != nil {
		return nil, err
	}
	return c.ledger.VotesInPeriod(periodID)
}

// HasParticipated reports whether address voted in periodID, or in the open period when nil.
func (c *ConsensusCoordinator) HasParticipated(ctx context.Context, address string, periodID *uint64) (bool, error) {
	var id uint64
	if periodID != nil {
		if err := c.periods.CheckPeriodID(*periodID); err != nil {
			return false, err
		}
		id = *periodID
	} else {
		current, err := c.CurrentPeriod(ctx)
		if err != nil {
			return false, err
		}
		id = current.PeriodID
	}
	return c.ledger.HasVoted(address, id)
}

func (c *ConsensusCoordinator) powMetrics(ctx context.Context) (*PowMetrics, error) {
	info, err := c.pow.MiningInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("mining info: %w", err)
	}
	if info == nil {
		return nil, ErrPowUnavailable
	}
	rate := info.NetworkHashRate
	if rate == 0 {
		if rate, err = c.pow.NetworkHashPS(ctx); err != nil {
			return nil, fmt.Errorf("network hash rate: %w", err)
		}
	}
	return &PowMetrics{HashRate: rate, Difficulty: info.Difficulty}, nil
}

// Decide gates candidate on the PoW evidence and the votes of the period containing its
// height. When the candidate names a chain only approving votes for that chain count.
// Any missing input yields an indeterminate decision together with an Indeterminate error.
func (c *ConsensusCoordinator) Decide(ctx context.Context, candidate Candidate) (ConsensusDecision, error) {
	period := c.periods.CurrentPeriod(candidate.Height)
	var filter VoteFilter
	if candidate.ChainID != "" {
		filter = ApprovingFor(candidate.ChainID)
	}

	indeterminate := func(err error) (ConsensusDecision, error) {
		d := c.scorer.Score(VotingMetrics{PeriodID: period.PeriodID}, nil)
		d.Candidate = &candidate
		d.Reasons = append(d.Reasons, err.Error())
		c.telemetry.RecordDecision(d.Status)
		c.logger.Warn("decision indeterminate", zap.Uint64("height", candidate.Height), zap.Error(err))
		return d, wrapVoteError(KindIndeterminate, "decision inputs unavailable", err)
	}

	metrics, err := c.metrics(ctx, &period.PeriodID, filter)
	if err != nil {
		return indeterminate(err)
	}
	pow, err := c.powMetrics(ctx)
	if err != nil {
		return indeterminate(err)
	}

	d := c.scorer.Score(metrics, pow)
	d.Candidate = &candidate
	c.telemetry.RecordDecision(d.Status)
	c.logger.Info("consensus decision",
		zap.String("status", string(d.Status)),
		zap.Uint64("height", candidate.Height),
		zap.String("chain", candidate.ChainID),
		zap.Uint64("score", d.Score),
		zap.Strings("reasons", d.Reasons))
	return d, nil
}

// SelectFork weighs competing forks by hash rate and the approving votes of the open period.
func (c *ConsensusCoordinator) SelectFork(ctx context.Context, forks []ForkCandidate) (ForkWeight, []ForkWeight, error) {
	current, err := c.CurrentPeriod(ctx)
	if err != nil {
		return ForkWeight{}, nil, err
	}
	votes, err := c.ledger.VotesInPeriod(current.PeriodID)
	if err != nil {
		return ForkWeight{}, nil, err
	}
	best, all, err := c.forks.SelectHead(forks, votes)
	if err != nil {
		return ForkWeight{}, nil, wrapVoteError(KindIndeterminate, "fork choice", err)
	}
	c.logger.Debug("fork selected", zap.String("chain", best.Fork.ChainID), zap.Uint64("score", best.Score))
	return best, all, nil
}

// SelectValidators returns up to n participating validators ranked by quadratic stake weight.
// A non-positive n uses the configured committee size.
func (c *ConsensusCoordinator) SelectValidators(ctx context.Context, n int) ([]CommitteeMember, error) {
	if n <= 0 {
		n = c.cfg.CommitteeSize
	}
	validators, err := c.validators.Validators(ctx)
	if err != nil {
		return nil, wrapVoteError(KindStorage, "validator source unavailable", err)
	}
	return c.committee.SelectCommittee(validators, n), nil
}

// ProposerFor returns the block proposer at height. The committee rotates within each
// period in an order seeded by the period id.
func (c *ConsensusCoordinator) ProposerFor(ctx context.Context, height uint64) (*Validator, error) {
	members, err := c.SelectValidators(ctx, c.cfg.CommitteeSize)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, newVoteError(KindNotEligible, "no participating validators")
	}
	committee := make([]*Validator, len(members))
	for i, m := range members {
		committee[i] = m.Validator
	}
	period := c.periods.CurrentPeriod(height)
	ps := NewProposerSelectorWithRotation(committee, period.StartHeight, c.periods.Blocks(), c.cfg.BlocksPerProposer, period.PeriodID)
	return ps.ProposerForBlock(height), nil
}

// IssueReward splits total between miner and the voters of periodID.
func (c *ConsensusCoordinator) IssueReward(ctx context.Context, periodID uint64, total Amount, miner string) (RewardDistribution, error) {
	if err := ctx.Err(); err != nil {
		return RewardDistribution{}, wrapVoteError(KindTimeout, "request cancelled", err)
	}
	if err := c.periods.CheckPeriodID(periodID); err != nil {
		return RewardDistribution{}, err
	}
	archived, err := c.ledger.IsArchived(periodID)
	if err != nil {
		return RewardDistribution{}, err
	}
	if archived {
		return RewardDistribution{}, newVoteError(KindWrongPeriod, fmt.Sprintf("period %d is archived", periodID))
	}
	votes, err := c.ledger.VotesInPeriod(periodID)
	if err != nil {
		return RewardDistribution{}, err
	}
	dist, err := c.rewards.Distribute(periodID, total, miner, votes)
	if err != nil {
		return RewardDistribution{}, err
	}
	c.telemetry.IncRewards()
	c.logger.Info("reward issued",
		zap.Uint64("period", periodID),
		zap.String("total", dist.Total.String()),
		zap.String("miner", miner),
		zap.Int("voters", len(dist.Voters)))
	return dist, nil
}

// Maintain snapshots the open period and archives periods beyond the retention window.
func (c *ConsensusCoordinator) Maintain(ctx context.Context) ([]uint64, error) {
	_, current, validators, err := c.openPeriod(ctx)
	if err != nil {
		return nil, err
	}
	if c.cfg.RetentionPeriods == 0 || current.PeriodID <= c.cfg.RetentionPeriods {
		return nil, nil
	}
	archived, err := c.ledger.PruneBefore(ctx, current.PeriodID-c.cfg.RetentionPeriods, len(validators))
	c.telemetry.AddArchived(len(archived))
	if err != nil {
		c.logger.Error("archiving failed", zap.Error(err))
		return archived, err
	}
	return archived, nil
}

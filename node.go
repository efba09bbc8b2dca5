package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ChainSource is a chain node that reports both height and mining data.
type ChainSource interface {
	HeightSource
	PowSource
}

// AppNode is a running consensus coordinator with its storage, chain view and signing key.
type AppNode struct {
	cfg         Config
	logger      *zap.Logger
	voteStore   IStore
	valStore    IStore
	vr          *ValidatorRegistry
	chain       ChainSource
	coordinator *ConsensusCoordinator
	signer      *VoteSigner
	address     Address
	telemetry   *Telemetry
	started     time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAppNode opens the bolt database at cfg.Ledger.Path and connects to the configured
// chain node, or to an in-process chain when no RPC URL is set.
func NewAppNode(ctx context.Context, cfg Config, key KeyMaterial, logger *zap.Logger) (*AppNode, error) {
	voteStore, err := NewBoltStore(cfg.Ledger.Path, "votes")
	if err != nil {
		return nil, fmt.Errorf("failed to open vote store: %w", err)
	}
	validatorStore, err := voteStore.WithBucket("validators")
	if err != nil {
		voteStore.Close()
		return nil, fmt.Errorf("failed to open validator store: %w", err)
	}

	var chain ChainSource
	if cfg.Chain.RPCURL != "" {
		chain = NewRPCClient(cfg.Chain)
	} else {
		chain = NewStaticChain(0)
	}

	node, err := NewAppNodeWithStores(ctx, cfg, key, logger, voteStore, validatorStore, chain)
	if err != nil {
		voteStore.Close()
		return nil, err
	}
	return node, nil
}

// NewAppNodeWithStores creates a node over explicit stores and chain source.
func NewAppNodeWithStores(ctx context.Context, cfg Config, key KeyMaterial, logger *zap.Logger, voteStore, validatorStore IStore, chain ChainSource) (*AppNode, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	signer := NewVoteSigner(key)
	addr, err := signer.Address(ctx)
	if err != nil {
		return nil, err
	}

	telemetry := NewTelemetry()
	vr := NewValidatorRegistry(validatorStore)
	coordinator, err := NewConsensusCoordinator(cfg, CoordinatorDeps{
		Heights:    chain,
		Validators: vr,
		Pow:        chain,
		Store:      voteStore,
		Logger:     logger,
		Telemetry:  telemetry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	node := &AppNode{
		cfg:         cfg,
		logger:      logger.Named("node"),
		voteStore:   voteStore,
		valStore:    validatorStore,
		vr:          vr,
		chain:       chain,
		coordinator: coordinator,
		signer:      signer,
		address:     addr,
		telemetry:   telemetry,
		started:     time.Now(),
		ctx:         nodeCtx,
		cancel:      cancel,
	}

	if cfg.Node.SelfStake != "" {
		if err := node.registerSelf(ctx); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to register self as validator: %w", err)
		}
	}
	return node, nil
}

func (n *AppNode) registerSelf(ctx context.Context) error {
	if _, err := n.vr.GetValidator(n.address.ToHex()); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	height, err := n.chain.CurrentHeight(ctx)
	if err != nil {
		return err
	}
	err = n.vr.RegisterValidator(&Validator{
		Address:          n.address.ToHex(),
		Stake:            n.cfg.Node.SelfStake,
		RegisteredHeight: height,
		Participating:    true,
	})
	if err != nil {
		return err
	}
	n.logger.Info("node registered as validator", zap.String("address", n.address.ToHex()))
	return nil
}

// Address returns the node's voter address.
func (n *AppNode) Address() Address {
	return n.address
}

// Coordinator returns the node's consensus coordinator.
func (n *AppNode) Coordinator() *ConsensusCoordinator {
	return n.coordinator
}

// Start launches the maintenance loop.
func (n *AppNode) Start() {
	interval := n.cfg.Node.MaintenanceInterval
	if interval <= 0 {
		return
	}
	n.wg.Add(1)
	go n.maintenanceLoop(interval)
}

func (n *AppNode) maintenanceLoop(interval time.Duration) {
	defer n.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			archived, err := n.coordinator.Maintain(n.ctx)
			if err != nil && n.ctx.Err() == nil {
				n.logger.Warn("maintenance failed", zap.Error(err))
				continue
			}
			if len(archived) > 0 {
				n.logger.Info("periods archived", zap.Uint64s("periods", archived))
			}
		}
	}
}

// CastVote builds a vote from this node's key for the open period, signs it and submits it.
func (n *AppNode) CastVote(ctx context.Context, approve bool, amount Amount, targetChainID string, forkHeight uint64) (string, error) {
	height, err := n.chain.CurrentHeight(ctx)
	if err != nil {
		return "", wrapVoteError(KindStorage, "height source unavailable", err)
	}
	period := n.coordinator.GetCurrentPeriod(height)
	var balance Amount
	if v, err := n.vr.GetValidator(n.address.ToHex()); err == nil {
		balance = v.Stake
	}
	vote := &Vote{
		PeriodID:  period.PeriodID,
		Timestamp: time.Now().UnixMilli(),
		Approve:   approve,
		ChainVoteData: ChainVoteData{
			Amount:        amount,
			TargetChainID: targetChainID,
			ForkHeight:    forkHeight,
		},
		Height:  height,
		Balance: balance,
	}
	if err := n.signer.Sign(ctx, vote); err != nil {
		return "", err
	}
	return n.coordinator.SubmitVote(ctx, vote)
}

// Close stops the maintenance loop and closes the stores.
func (n *AppNode) Close() error {
	n.cancel()
	n.wg.Wait()
	return multierr.Combine(n.valStore.Close(), n.voteStore.Close())
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

var errExit = errors.New("exit")

// CLI represents the command-line interface
type CLI struct {
	node    *AppNode
	in      io.Reader
	out     io.Writer
	timeout time.Duration
}

// NewCLI creates a new CLI instance
func NewCLI(node *AppNode, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		node:    node,
		in:      in,
		out:     out,
		timeout: 30 * time.Second,
	}
}

// ternary helper function
func ternary(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}

// Start begins the interactive CLI loop
func (cli *CLI) Start() {
	fmt.Fprintln(cli.out, "=== Hybrid PoW / Quadratic Vote Consensus CLI ===")
	fmt.Fprintln(cli.out, "Type 'help' for available commands")
	fmt.Fprintln(cli.out, "Type 'exit' to quit")

	scanner := bufio.NewScanner(cli.in)
	for {
		fmt.Fprint(cli.out, "hybridvote> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := fields[0]
		args := fields[1:]

		if err := cli.executeCommand(cmd, args); err != nil {
			if errors.Is(err, errExit) {
				return
			}
			fmt.Fprintf(cli.out, "Error: %v\n", err)
		}
	}
}

// executeCommand handles command execution
func (cli *CLI) executeCommand(cmd string, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cli.timeout)
	defer cancel()

	switch cmd {
	case "help":
		return cli.cmdHelp()
	case "exit", "quit":
		return cli.cmdExit()
	case "vote":
		return cli.cmdVote(ctx, args)
	case "period":
		return cli.cmdPeriod(ctx, args)
	case "schedule":
		return cli.cmdSchedule(ctx)
	case "metrics":
		return cli.cmdMetrics(ctx, args)
	case "votes":
		return cli.cmdVotes(ctx, args)
	case "participated":
		return cli.cmdParticipated(ctx, args)
	case "decide":
		return cli.cmdDecide(ctx, args)
	case "register":
		return cli.cmdRegister(args)
	case "validators":
		return cli.cmdValidators()
	case "committee":
		return cli.cmdCommittee(ctx, args)
	case "proposer":
		return cli.cmdProposer(ctx, args)
	case "reward":
		return cli.cmdReward(ctx, args)
	case "advance":
		return cli.cmdAdvance(args)
	case "mining":
		return cli.cmdMining(args)
	case "status":
		return cli.cmdStatus(ctx)
	case "telemetry":
		return cli.cmdTelemetry()
	default:
		fmt.Fprintln(cli.out, "Unknown command. Type 'help' for available commands.")
		return nil
	}
}

// cmdHelp shows available commands
func (cli *CLI) cmdHelp() error {
	fmt.Fprintln(cli.out, "Available commands:")
	fmt.Fprintln(cli.out, "  help  - Show this help message")
	fmt.Fprintln(cli.out, "  exit  - Exit the CLI")
	fmt.Fprintln(cli.out, "  vote <approve|reject> <amount> [chainId] [forkHeight] - Cast a signed vote in the open period")
	fmt.Fprintln(cli.out, "  period [periodId] - Show the open period or a given one")
	fmt.Fprintln(cli.out, "  schedule - Show the voting schedule")
	fmt.Fprintln(cli.out, "  metrics [periodId] - Show voting metrics")
	fmt.Fprintln(cli.out, "  votes [address] - Show votes cast by address (default: own address)")
	fmt.Fprintln(cli.out, "  participated [address] [periodId] - Check participation")
	fmt.Fprintln(cli.out, "  decide <height> [chainId] - Run the consensus gate for a candidate")
	fmt.Fprintln(cli.out, "  register <address> <stake> [height] - Register a validator")
	fmt.Fprintln(cli.out, "  validators - Show all validators")
	fmt.Fprintln(cli.out, "  committee [n] - Show the selected validators")
	fmt.Fprintln(cli.out, "  proposer <height> - Show the proposer for a height")
	fmt.Fprintln(cli.out, "  reward <periodId> <total> <miner> - Compute a reward distribution")
	fmt.Fprintln(cli.out, "  advance <blocks> - Advance the in-process chain")
	fmt.Fprintln(cli.out, "  mining <hashrate> [difficulty] - Set in-process mining info")
	fmt.Fprintln(cli.out, "  status - Show node status")
	fmt.Fprintln(cli.out, "  telemetry - Show node metrics")
	return nil
}

// cmdExit exits the CLI
func (cli *CLI) cmdExit() error {
	fmt.Fprintln(cli.out, "Goodbye!")
	return errExit
}

func (cli *CLI) printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, string(data))
	return nil
}

func (cli *CLI) cmdVote(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: vote <approve|reject> <amount> [chainId] [forkHeight]")
	}
	var approve bool
	switch args[0] {
	case "approve", "yes":
		approve = true
	case "reject", "no":
	default:
		return fmt.Errorf("decision must be approve or reject, got %q", args[0])
	}
	var chainID string
	var forkHeight uint64
	if len(args) > 2 {
		chainID = args[2]
	}
	if len(args) > 3 {
		h, err := strconv.ParseUint(args[3], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid fork height: %w", err)
		}
		forkHeight = h
	}
	id, err := cli.node.CastVote(ctx, approve, Amount(args[1]), chainID, forkHeight)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "Vote accepted: %s\n", id)
	return nil
}

func (cli *CLI) cmdPeriod(ctx context.Context, args []string) error {
	if len(args) == 0 {
		p, err := cli.node.coordinator.CurrentPeriod(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cli.out, "Period %d: blocks %d-%d (%s)\n", p.PeriodID, p.StartHeight, p.EndHeight, p.State)
		return nil
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid period id: %w", err)
	}
	p, err := cli.node.coordinator.Period(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "Period %d: blocks %d-%d (%s)\n", p.PeriodID, p.StartHeight, p.EndHeight, p.State)
	return nil
}

func (cli *CLI) cmdSchedule(ctx context.Context) error {
	s, err := cli.node.coordinator.GetSchedule(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "Height: %d\n", s.CurrentHeight)
	fmt.Fprintf(cli.out, "Current period: %d (%d-%d)\n", s.CurrentPeriod.PeriodID, s.CurrentPeriod.StartHeight, s.CurrentPeriod.EndHeight)
	fmt.Fprintf(cli.out, "Next voting height: %d (%d blocks)\n", s.NextVotingHeight, s.BlocksUntilNextVoting)
	return nil
}

func (cli *CLI) cmdMetrics(ctx context.Context, args []string) error {
	var periodID *uint64
	if len(args) > 0 {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid period id: %w", err)
		}
		periodID = &id
	}
	m, err := cli.node.coordinator.GetMetrics(ctx, periodID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "Period: %d (current %d)\n", m.PeriodID, m.CurrentPeriod)
	fmt.Fprintf(cli.out, "Votes: %d\n", m.TotalVotes)
	fmt.Fprintf(cli.out, "Active voters: %d of %d\n", m.ActiveVoters, m.EligibleVoters)
	fmt.Fprintf(cli.out, "Participation: %.2f%%\n", m.ParticipationRate*100)
	fmt.Fprintf(cli.out, "Approve power: %d, reject power: %d\n", m.ApprovePower, m.RejectPower)
	return nil
}

func (cli *CLI) cmdVotes(ctx context.Context, args []string) error {
	address := cli.node.address.ToHex()
	if len(args) > 0 {
		address = args[0]
	}
	votes, err := cli.node.coordinator.GetVotesByAddress(ctx, address)
	if err != nil {
		return err
	}
	if len(votes) == 0 {
		fmt.Fprintf(cli.out, "No votes for %s\n", address)
		return nil
	}
	for _, v := range votes {
		fmt.Fprintf(cli.out, "Period %d: %s power=%d amount=%s chain=%s id=%s\n",
			v.PeriodID, ternary(v.Approve, "approve", "reject"), v.VotingPower,
			v.ChainVoteData.Amount, v.ChainVoteData.TargetChainID, v.VoteID)
	}
	return nil
}

func (cli *CLI) cmdParticipated(ctx context.Context, args []string) error {
	address := cli.node.address.ToHex()
	if len(args) > 0 {
		address = args[0]
	}
	var periodID *uint64
	if len(args) > 1 {
		id, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid period id: %w", err)
		}
		periodID = &id
	}
	ok, err := cli.node.coordinator.HasParticipated(ctx, address, periodID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "%s participated: %s\n", address, ternary(ok, "yes", "no"))
	return nil
}

func (cli *CLI) cmdDecide(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: decide <height> [chainId]")
	}
	height, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid height: %w", err)
	}
	candidate := Candidate{Height: height}
	if len(args) > 1 {
		candidate.ChainID = args[1]
	}
	d, err := cli.node.coordinator.Decide(ctx, candidate)
	fmt.Fprintf(cli.out, "Decision: %s (score %d bps)\n", d.Status, d.Score)
	for _, reason := range d.Reasons {
		fmt.Fprintf(cli.out, "  - %s\n", reason)
	}
	return err
}

func (cli *CLI) cmdRegister(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: register <address> <stake> [height]")
	}
	v := &Validator{Address: args[0], Stake: Amount(args[1]), Participating: true}
	if len(args) > 2 {
		h, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid height: %w", err)
		}
		v.RegisteredHeight = h
	}
	if err := cli.node.vr.RegisterValidator(v); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "Registered validator %s with stake %s\n", v.Address, v.Stake)
	return nil
}

func (cli *CLI) cmdValidators() error {
	validators, err := cli.node.vr.ListValidators()
	if err != nil {
		return err
	}
	if len(validators) == 0 {
		fmt.Fprintln(cli.out, "No validators registered")
		return nil
	}
	for _, v := range validators {
		fmt.Fprintf(cli.out, "%s stake=%s registered=%d %s\n", v.Address, v.Stake, v.RegisteredHeight,
			ternary(v.Participating, "participating", "inactive"))
	}
	return nil
}

func (cli *CLI) cmdCommittee(ctx context.Context, args []string) error {
	n := 0
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid committee size: %w", err)
		}
		n = parsed
	}
	members, err := cli.node.coordinator.SelectValidators(ctx, n)
	if err != nil {
		return err
	}
	for i, m := range members {
		fmt.Fprintf(cli.out, "%d. %s weight=%d\n", i+1, m.Validator.Address, m.Weight)
	}
	return nil
}

func (cli *CLI) cmdProposer(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: proposer <height>")
	}
	height, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid height: %w", err)
	}
	v, err := cli.node.coordinator.ProposerFor(ctx, height)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "Proposer at %d: %s\n", height, v.Address)
	return nil
}

func (cli *CLI) cmdReward(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: reward <periodId> <total> <miner>")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid period id: %w", err)
	}
	dist, err := cli.node.coordinator.IssueReward(ctx, id, Amount(args[1]), args[2])
	if err != nil {
		return err
	}
	return cli.printJSON(dist)
}

func (cli *CLI) staticChain() (*StaticChain, error) {
	sc, ok := cli.node.chain.(*StaticChain)
	if !ok {
		return nil, fmt.Errorf("node is connected to an external chain")
	}
	return sc, nil
}

func (cli *CLI) cmdAdvance(args []string) error {
	sc, err := cli.staticChain()
	if err != nil {
		return err
	}
	n := uint64(1)
	if len(args) > 0 {
		if n, err = strconv.ParseUint(args[0], 10, 64); err != nil {
			return fmt.Errorf("invalid block count: %w", err)
		}
	}
	fmt.Fprintf(cli.out, "Height: %d\n", sc.Advance(n))
	return nil
}

func (cli *CLI) cmdMining(args []string) error {
	sc, err := cli.staticChain()
	if err != nil {
		return err
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: mining <hashrate> [difficulty]")
	}
	rate, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid hash rate: %w", err)
	}
	info := &MiningInfo{NetworkHashRate: rate, Mining: rate > 0}
	if len(args) > 1 {
		if info.Difficulty, err = strconv.ParseFloat(args[1], 64); err != nil {
			return fmt.Errorf("invalid difficulty: %w", err)
		}
	}
	sc.SetMiningInfo(info)
	fmt.Fprintf(cli.out, "Mining info set: %d H/s\n", rate)
	return nil
}

func (cli *CLI) cmdStatus(ctx context.Context) error {
	fmt.Fprintf(cli.out, "Node: %s\n", cli.node.address.ToHex())
	v, err := cli.node.vr.GetValidator(cli.node.address.ToHex())
	fmt.Fprintf(cli.out, "Validator: %s\n", ternary(err == nil && v.Participating, "yes", "no"))
	s, err := cli.node.coordinator.GetSchedule(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "Height: %d, period: %d\n", s.CurrentHeight, s.CurrentPeriod.PeriodID)
	ok, err := cli.node.coordinator.HasParticipated(ctx, cli.node.address.ToHex(), nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "Voted this period: %s\n", ternary(ok, "yes", "no"))
	return nil
}

func (cli *CLI) cmdTelemetry() error {
	snapshot, err := cli.node.telemetry.Snapshot()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(cli.out, "%s %g\n", name, snapshot[name])
	}
	return nil
}

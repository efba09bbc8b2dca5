package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// Hash represents a 32-byte SHA3-256 digest.
type Hash [32]byte

// ToHex returns the hex representation of the hash.
func (h Hash) ToHex() string {
	return hex.EncodeToString(h[:])
}

// Address represents the 20-byte address of a voter.
type Address [20]byte

// ToHex converts an Address to its hexadecimal representation.
func (a Address) ToHex() string {
	return hex.EncodeToString(a[:])
}

// ParseAddress decodes a 40 character hex string into an Address.
func ParseAddress(s string) (Address, error) {
	var addr Address
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(b) != len(addr) {
		return addr, fmt.Errorf("invalid address %q: want %d bytes, got %d", s, len(addr), len(b))
	}
	copy(addr[:], b)
	return addr, nil
}

// Amount is an unsigned integer amount carried as a decimal string so that
// values above 2^53 survive JSON round trips. It is parsed lazily: whatever the
// caller sent is kept verbatim and rejected at validation time.
type Amount string

// NewAmount returns the decimal Amount for v.
func NewAmount(v uint64) Amount {
	return Amount(strconv.FormatUint(v, 10))
}

// AmountFromUint256 returns the decimal Amount for x.
func AmountFromUint256(x *uint256.Int) Amount {
	return Amount(x.Dec())
}

// Uint256 parses the amount. Empty, signed or non-decimal input fails with InvalidAmount.
func (a Amount) Uint256() (*uint256.Int, error) {
	s := strings.TrimSpace(string(a))
	if s == "" {
		return nil, newVoteError(KindInvalidAmount, "amount is empty")
	}
	if strings.HasPrefix(s, "-") {
		return nil, newVoteError(KindInvalidAmount, fmt.Sprintf("amount %s is negative", s))
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return nil, newVoteError(KindInvalidAmount, fmt.Sprintf("amount %q is not a decimal integer", s))
		}
	}
	x, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, wrapVoteError(KindInvalidAmount, fmt.Sprintf("amount %q out of range", s), err)
	}
	return x, nil
}

// IsZero reports whether the amount is empty or parses to zero.
func (a Amount) IsZero() bool {
	x, err := a.Uint256()
	return err != nil || x.IsZero()
}

func (a Amount) String() string {
	return string(a)
}

// UnmarshalJSON accepts both JSON strings and raw JSON numbers.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	*a = Amount(data)
	return nil
}

// Power is a derived voting power. It is serialized as a decimal string.
type Power uint64

// MarshalJSON encodes the power as a quoted decimal.
func (p Power) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(p), 10))
}

// UnmarshalJSON accepts both quoted decimals and raw JSON numbers.
func (p *Power) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if s == "" || s == "null" {
		*p = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid voting power %q: %w", s, err)
	}
	*p = Power(v)
	return nil
}

// ChainVoteData is the economic weight a vote commits.
type ChainVoteData struct {
	Amount        Amount `json:"amount"`
	TargetChainID string `json:"targetChainId"`
	ForkHeight    uint64 `json:"forkHeight"`
}

// Vote is a single signed vote cast by a voter for a voting period.
type Vote struct {
	VoteID        string        `json:"voteId"`
	PeriodID      uint64        `json:"periodId"`
	VoterAddress  string        `json:"voterAddress"`
	PublicKey     string        `json:"publicKey"`
	Signature     string        `json:"signature"`
	Timestamp     int64         `json:"timestamp"` // unix milliseconds
	Approve       bool          `json:"approve"`
	ChainVoteData ChainVoteData `json:"chainVoteData"`
	VotingPower   Power         `json:"votingPower"`
	Height        uint64        `json:"height"`
	Balance       Amount        `json:"balance"`
}

// Encode serializes the Vote to JSON.
func (v *Vote) Encode() ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes a JSON byte slice into a Vote.
func (v *Vote) Decode(data []byte) error {
	return json.Unmarshal(data, v)
}

// SigningBytes returns the canonical payload a voter signs.
func (v *Vote) SigningBytes() ([]byte, error) {
	// Fields assigned or derived by the node are not part of the signed payload
	tmp := *v
	tmp.VoteID, tmp.Signature, tmp.PublicKey, tmp.VotingPower = "", "", "", 0
	return json.Marshal(tmp)
}

// SigningHash returns the SHA3-256 digest of SigningBytes.
func (v *Vote) SigningHash() (Hash, error) {
	b, err := v.SigningBytes()
	if err != nil {
		return Hash{}, err
	}
	return Hash(sha3.Sum256(b)), nil
}

// Clone returns a copy of the vote.
func (v *Vote) Clone() *Vote {
	c := *v
	return &c
}

// PeriodState is the lifecycle state of a voting period.
type PeriodState string

const (
	PeriodUpcoming PeriodState = "upcoming"
	PeriodOpen     PeriodState = "open"
	PeriodClosed   PeriodState = "closed"
	PeriodArchived PeriodState = "archived"
)

// VotingPeriod is a fixed window of block heights. EndHeight is inclusive.
type VotingPeriod struct {
	PeriodID    uint64      `json:"periodId"`
	StartHeight uint64      `json:"startHeight"`
	EndHeight   uint64      `json:"endHeight"`
	State       PeriodState `json:"state,omitempty"`
}

// Contains reports whether height falls inside the period.
func (p VotingPeriod) Contains(height uint64) bool {
	return height >= p.StartHeight && height <= p.EndHeight
}

// VotingSchedule describes where the chain head sits relative to period boundaries.
type VotingSchedule struct {
	CurrentPeriod         VotingPeriod `json:"currentPeriod"`
	CurrentHeight         uint64       `json:"currentHeight"`
	NextVotingHeight      uint64       `json:"nextVotingHeight"`
	BlocksUntilNextVoting uint64       `json:"blocksUntilNextVoting"`
}

// VotingMetrics is recomputed from the ledger on every request.
type VotingMetrics struct {
	PeriodID          uint64  `json:"periodId"`
	TotalVotes        int     `json:"totalVotes"`
	ActiveVoters      int     `json:"activeVoters"`
	EligibleVoters    int     `json:"eligibleVoters"`
	ParticipationRate float64 `json:"participationRate"`
	ParticipationBps  uint64  `json:"participationBps"`
	ApprovePower      Power   `json:"approvePower"`
	RejectPower       Power   `json:"rejectPower"`
	CurrentPeriod     uint64  `json:"currentPeriod"`
}

// MiningInfo is what the proof-of-work subsystem reports.
type MiningInfo struct {
	Difficulty      float64 `json:"difficulty"`
	NetworkHashRate uint64  `json:"networkHashRate"`
	Mining          bool    `json:"mining"`
}

// PowMetrics is the proof-of-work evidence fed to the scorer.
type PowMetrics struct {
	HashRate   uint64  `json:"hashRate"`
	Difficulty float64 `json:"difficulty"`
}

// Candidate is a block or fork tip submitted for an acceptance decision.
type Candidate struct {
	ChainID string `json:"chainId,omitempty"`
	Height  uint64 `json:"height"`
	Hash    string `json:"hash,omitempty"`
}

// DecisionStatus is the outcome of a consensus decision.
type DecisionStatus string

const (
	DecisionAccepted      DecisionStatus = "accepted"
	DecisionRejected      DecisionStatus = "rejected"
	DecisionIndeterminate DecisionStatus = "indeterminate"
)

// ConsensusDecision is the result of gating a candidate on PoW and vote evidence.
type ConsensusDecision struct {
	Status              DecisionStatus `json:"status"`
	Score               uint64         `json:"score"` // basis points, informational
	PowWeight           uint64         `json:"powWeight"`
	VoteWeight          uint64         `json:"voteWeight"`
	MinPowHashRate      uint64         `json:"minPowHashRate"`
	MinParticipationBps uint64         `json:"minParticipationBps"`
	MinVoterCount       int            `json:"minVoterCount"`
	HashRate            uint64         `json:"hashRate"`
	ActiveVoters        int            `json:"activeVoters"`
	ParticipationBps    uint64         `json:"participationBps"`
	PeriodID            uint64         `json:"periodId"`
	Candidate           *Candidate     `json:"candidate,omitempty"`
	Reasons             []string       `json:"reasons,omitempty"`
}

// Accepted reports whether the candidate passed every gate. Indeterminate is never accepted.
func (d ConsensusDecision) Accepted() bool {
	return d.Status == DecisionAccepted
}

// Validator is a registered voter eligible to cast binding votes.
type Validator struct {
	Address          string `json:"address"`
	Stake            Amount `json:"stake"`
	RegisteredHeight uint64 `json:"registeredHeight"`
	Participating    bool   `json:"participating"`
}

// ValidatorSet maps voter address to its registration.
type ValidatorSet map[string]*Validator

// Contains reports whether address is in the set.
func (s ValidatorSet) Contains(address string) bool {
	_, ok := s[address]
	return ok
}

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
)

// KeyMaterial is a private key that is either held directly or resolved on demand.
// The two variants are LiteralKey and DeferredKey.
type KeyMaterial interface {
	Resolve(ctx context.Context) ([]byte, error)
}

// LiteralKey is raw 32-byte secp256k1 private key material.
type LiteralKey []byte

// Resolve returns the key bytes.
func (k LiteralKey) Resolve(context.Context) ([]byte, error) {
	if len(k) == 0 {
		return nil, errors.New("empty literal key")
	}
	return []byte(k), nil
}

// DeferredKey fetches key material when it is first needed, e.g. from a key file or a KMS.
type DeferredKey func(ctx context.Context) ([]byte, error)

// Resolve invokes the deferred capability.
func (k DeferredKey) Resolve(ctx context.Context) ([]byte, error) {
	if k == nil {
		return nil, errors.New("nil deferred key")
	}
	return k(ctx)
}

// KeyFromFile returns a DeferredKey reading a hex encoded private key from path.
func KeyFromFile(path string) DeferredKey {
	return func(context.Context) ([]byte, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
		}
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("key file %s is not hex: %w", path, err)
		}
		return key, nil
	}
}

// GenerateKey creates a fresh secp256k1 key as LiteralKey.
func GenerateKey() (LiteralKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return LiteralKey(priv.Serialize()), nil
}

// AddressFromPubKey derives the voter address: Hash160 of the compressed public key.
func AddressFromPubKey(pub *btcec.PublicKey) Address {
	var addr Address
	copy(addr[:], btcutil.Hash160(pub.SerializeCompressed()))
	return addr
}

// VoteSigner signs votes with a node key. The key material is resolved once.
type VoteSigner struct {
	material KeyMaterial

	once    sync.Once
	priv    *btcec.PrivateKey
	resolve error
}

// NewVoteSigner creates a signer over km.
func NewVoteSigner(km KeyMaterial) *VoteSigner {
	return &VoteSigner{material: km}
}

func (s *VoteSigner) key(ctx context.Context) (*btcec.PrivateKey, error) {
	s.once.Do(func() {
		raw, err := s.material.Resolve(ctx)
		if err != nil {
			s.resolve = fmt.Errorf("failed to resolve signing key: %w", err)
			return
		}
		if len(raw) != btcec.PrivKeyBytesLen {
			s.resolve = fmt.Errorf("signing key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(raw))
			return
		}
		s.priv, _ = btcec.PrivKeyFromBytes(raw)
	})
	return s.priv, s.resolve
}

// Address returns the voter address of the signing key.
func (s *VoteSigner) Address(ctx context.Context) (Address, error) {
	priv, err := s.key(ctx)
	if err != nil {
		return Address{}, err
	}
	return AddressFromPubKey(priv.PubKey()), nil
}

// Sign fills in the voter address and public key and signs the vote payload.
func (s *VoteSigner) Sign(ctx context.Context, vote *Vote) error {
	priv, err := s.key(ctx)
	if err != nil {
		return err
	}
	pub := priv.PubKey()
	vote.VoterAddress = AddressFromPubKey(pub).ToHex()
	vote.PublicKey = hex.EncodeToString(pub.SerializeCompressed())
	hash, err := vote.SigningHash()
	if err != nil {
		return fmt.Errorf("failed to hash vote: %w", err)
	}
	vote.Signature = hex.EncodeToString(ecdsa.Sign(priv, hash[:]).Serialize())
	return nil
}

// VerifyVoteSignature checks that the vote is signed by the key behind VoterAddress.
func VerifyVoteSignature(vote *Vote) error {
	if vote.PublicKey == "" || vote.Signature == "" {
		return newVoteError(KindBadSignature, "missing public key or signature")
	}
	pubBytes, err := hex.DecodeString(vote.PublicKey)
	if err != nil {
		return wrapVoteError(KindBadSignature, "public key is not hex", err)
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return wrapVoteError(KindBadSignature, "invalid public key", err)
	}
	if AddressFromPubKey(pub).ToHex() != vote.VoterAddress {
		return newVoteError(KindBadSignature, "public key does not match voter address")
	}
	sigBytes, err := hex.DecodeString(vote.Signature)
	if err != nil {
		return wrapVoteError(KindBadSignature, "signature is not hex", err)
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return wrapVoteError(KindBadSignature, "malformed signature", err)
	}
	hash, err := vote.SigningHash()
	if err != nil {
		return wrapVoteError(KindBadSignature, "cannot hash vote payload", err)
	}
	if !sig.Verify(hash[:], pub) {
		return newVoteError(KindBadSignature, "signature does not verify")
	}
	return nil
}

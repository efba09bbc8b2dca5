package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const validatorPrefix = "validator_"

// ValidatorRegistry is the durable validator set. It is the node's ValidatorSource.
type ValidatorRegistry struct {
	store IStore
}

func NewValidatorRegistry(store IStore) *ValidatorRegistry {
	return &ValidatorRegistry{store: store}
}

func (vr *ValidatorRegistry) validatorKey(addr string) []byte {
	return []byte(validatorPrefix + strings.ToLower(addr))
}

// RegisterValidator adds or replaces a validator. New registrations participate.
func (vr *ValidatorRegistry) RegisterValidator(v *Validator) error {
	if v == nil {
		return errors.New("nil validator")
	}
	if _, err := ParseAddress(v.Address); err != nil {
		return err
	}
	if v.Stake != "" {
		if _, err := v.Stake.Uint256(); err != nil {
			return err
		}
	}
	v.Address = strings.ToLower(v.Address)
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return vr.store.Put(vr.validatorKey(v.Address), data)
}

func (vr *ValidatorRegistry) GetValidator(addr string) (*Validator, error) {
	data, err := vr.store.Get(vr.validatorKey(addr))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("validator %s not registered: %w", addr, err)
		}
		return nil, err
	}
	var v Validator
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (vr *ValidatorRegistry) update(addr string, fn func(v *Validator) error) error {
	return vr.store.Update(func(tx KVTx) error {
		data, err := tx.Get(vr.validatorKey(addr))
		if err != nil {
			return fmt.Errorf("validator %s: %w", addr, err)
		}
		var v Validator
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		if err := fn(&v); err != nil {
			return err
		}
		data, err = json.Marshal(&v)
		if err != nil {
			return err
		}
		return tx.Put(vr.validatorKey(addr), data)
	})
}

func (vr *ValidatorRegistry) UpdateStake(addr string, stake Amount) error {
	if _, err := stake.Uint256(); err != nil {
		return err
	}
	return vr.update(addr, func(v *Validator) error {
		v.Stake = stake
		return nil
	})
}

// SetParticipating toggles whether the validator counts as an eligible voter.
func (vr *ValidatorRegistry) SetParticipating(addr string, participating bool) error {
	return vr.update(addr, func(v *Validator) error {
		v.Participating = participating
		return nil
	})
}

// ListValidators returns all registered validators ordered by address.
func (vr *ValidatorRegistry) ListValidators() ([]*Validator, error) {
	var validators []*Validator
	err := vr.store.ForEachPrefix([]byte(validatorPrefix), func(_, value []byte) error {
		var v Validator
		if err := json.Unmarshal(value, &v); err != nil {
			return err
		}
		validators = append(validators, &v)
		return nil
	})
	return validators, err
}

// Validators returns the participating validators.
func (vr *ValidatorRegistry) Validators(context.Context) (ValidatorSet, error) {
	all, err := vr.ListValidators()
	if err != nil {
		return nil, err
	}
	set := make(ValidatorSet, len(all))
	for _, v := range all {
		if v.Participating {
			set[v.Address] = v
		}
	}
	return set, nil
}

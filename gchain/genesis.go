package gchain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gordian-engine/gsubnet/gcrypto"
)

// Genesis is the initial configuration of a subnet.
type Genesis struct {
	ChainID  string `json:"chain_id"`
	SubnetID string `json:"subnet_id"`

	// Height of the first block. Defaults to 1.
	InitialHeight uint64 `json:"initial_height"`

	Validators []EncodedValidator `json:"validators"`

	// First parent height covered by top-down observations.
	TopdownStart uint64 `json:"topdown_start"`

	// Defaults to [DefaultChainParams] when omitted.
	Params *ChainParams `json:"params,omitempty"`

	// Passed to the execution engine when initializing state.
	AppState json.RawMessage `json:"app_state,omitempty"`
}

// ValidatorSet decodes and validates the genesis validators.
func (g Genesis) ValidatorSet(reg *gcrypto.Registry) (ValidatorSet, error) {
	vs, err := DecodeValidators(reg, g.Validators)
	if err != nil {
		return ValidatorSet{}, err
	}
	return NewValidatorSet(reg, vs)
}

// Validate checks g for structural errors.
func (g Genesis) Validate(reg *gcrypto.Registry) error {
	if g.ChainID == "" {
		return errors.New("genesis chain_id must be set")
	}
	if g.SubnetID == "" {
		return errors.New("genesis subnet_id must be set")
	}
	if _, err := g.ValidatorSet(reg); err != nil {
		return fmt.Errorf("genesis validators: %w", err)
	}
	if err := g.ChainParams().Validate(); err != nil {
		return fmt.Errorf("genesis params: %w", err)
	}
	return nil
}

// ChainParams returns the genesis parameters or the defaults.
func (g Genesis) ChainParams() ChainParams {
	if g.Params == nil {
		return DefaultChainParams()
	}
	return *g.Params
}

// FirstHeight returns InitialHeight, defaulting to 1.
func (g Genesis) FirstHeight() uint64 {
	if g.InitialHeight == 0 {
		return 1
	}
	return g.InitialHeight
}

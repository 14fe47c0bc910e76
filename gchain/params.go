package gchain

import (
	"errors"
	"fmt"
)

// ChainParams are consensus-critical parameters.
// Every validator must use identical values,
// so they are fixed in genesis rather than in node configuration.
type ChainParams struct {
	// Fraction of total power required for top-down agreement
	// and for checkpoint certificates.
	Quorum Fraction `json:"quorum"`

	// Bottom-up checkpoints cover this many subnet heights.
	CheckpointPeriod uint64 `json:"checkpoint_period"`

	// Longest parent height range in one observation.
	MaxProposalRange uint64 `json:"max_proposal_range"`

	// A voting round without agreement expires after this many blocks.
	VoteRoundBlocks uint64 `json:"vote_round_blocks"`

	MaxBlockBytes int    `json:"max_block_bytes"`
	MaxBlockTxs   int    `json:"max_block_txs"`
	MaxBlockGas   uint64 `json:"max_block_gas"`
	MaxTxBytes    int    `json:"max_tx_bytes"`
}

func DefaultChainParams() ChainParams {
	return ChainParams{
		Quorum:           DefaultQuorum,
		CheckpointPeriod: 10,
		MaxProposalRange: 100,
		VoteRoundBlocks:  20,
		MaxBlockBytes:    4 << 20,
		MaxBlockTxs:      2000,
		MaxBlockGas:      10_000_000,
		MaxTxBytes:       64 << 10,
	}
}

func (p ChainParams) Validate() error {
	var errs []error
	if err := p.Quorum.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("quorum: %w", err))
	}
	if p.CheckpointPeriod == 0 {
		errs = append(errs, errors.New("checkpoint_period must be positive"))
	}
	if p.MaxProposalRange == 0 {
		errs = append(errs, errors.New("max_proposal_range must be positive"))
	}
	if p.VoteRoundBlocks == 0 {
		errs = append(errs, errors.New("vote_round_blocks must be positive"))
	}
	if p.MaxBlockBytes <= 0 || p.MaxBlockTxs <= 0 || p.MaxBlockGas == 0 {
		errs = append(errs, errors.New("block budgets must be positive"))
	}
	if p.MaxTxBytes <= 0 || p.MaxTxBytes > p.MaxBlockBytes {
		errs = append(errs, fmt.Errorf("max_tx_bytes must be in (0, %d]", p.MaxBlockBytes))
	}
	return errors.Join(errs...)
}

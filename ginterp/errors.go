package ginterp

import (
	"errors"
	"fmt"

	"github.com/gordian-engine/gsubnet/gchain"
)

var (
	// ErrNotInitialized is returned for lifecycle calls before InitChain.
	ErrNotInitialized = errors.New("chain not initialized")

	// ErrAlreadyInitialized is returned from InitChain on initialized state.
	ErrAlreadyInitialized = errors.New("chain already initialized")

	// ErrNotFinalized is returned from Commit without a finalized block.
	ErrNotFinalized = errors.New("no finalized block to commit")

	// ErrStaleTx is the rejection cause for a valid transaction
	// that could no longer change state,
	// such as a vote for the last agreed observation.
	ErrStaleTx = errors.New("transaction has no remaining effect")
)

// RejectError is a transaction failing its check.
// Rejected transactions are returned to their submitter
// and never included in a block.
type RejectError struct {
	Kind gchain.TxKind
	Err  error
}

func (e RejectError) Error() string {
	return fmt.Sprintf("rejected %s transaction: %v", e.Kind, e.Err)
}

func (e RejectError) Unwrap() error {
	return e.Err
}

// BudgetExceededError indicates a transaction or proposal over a chain limit.
type BudgetExceededError struct {
	Budget string

	Max, Got uint64
}

func (e BudgetExceededError) Error() string {
	return fmt.Sprintf("%s budget exceeded: %d > %d", e.Budget, e.Got, e.Max)
}

// ProposalOrderError indicates a proposal whose transactions
// are not grouped as assembled by [*Interpreter.Prepare].
type ProposalOrderError struct {
	Index  int
	Reason string
}

func (e ProposalOrderError) Error() string {
	return fmt.Sprintf("proposal transaction %d out of order: %s", e.Index, e.Reason)
}

// InvariantError is a failure during block execution or commit.
// Every validator executes the same block deterministically,
// so the node cannot continue past it.
type InvariantError struct {
	Height uint64
	Err    error
}

func (e InvariantError) Error() string {
	return fmt.Sprintf("invariant violated at height %d: %v", e.Height, e.Err)
}

func (e InvariantError) Unwrap() error {
	return e.Err
}

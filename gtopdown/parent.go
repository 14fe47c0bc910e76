package gtopdown

import (
	"context"

	"github.com/gordian-engine/gsubnet/gchain"
)

// ParentBlock is the subnet-relevant content of one parent height.
type ParentBlock struct {
	Height uint64 `json:"height"`

	// Nil for a null round, a parent height without a block.
	Hash []byte `json:"hash"`

	Messages         []gchain.CrossMsg        `json:"messages"`
	ValidatorChanges []gchain.ValidatorChange `json:"validator_changes"`
}

// IsNull reports whether b is a null round.
func (b ParentBlock) IsNull() bool {
	return len(b.Hash) == 0
}

// ParentClient is read-only access to the parent chain.
type ParentClient interface {
	// FinalizedHeight returns the latest finalized parent height.
	FinalizedHeight(ctx context.Context) (uint64, error)

	// MessagesSince returns the parent blocks from height
	// through the finalized height, in ascending order.
	MessagesSince(ctx context.Context, height uint64) ([]ParentBlock, error)
}

package gstore

import (
	"context"

	"github.com/gordian-engine/gsubnet/gchain"
)

// BlockResult is the persisted outcome of one finalized and committed block.
type BlockResult struct {
	Height uint64 `json:"height"`

	// State root after the block.
	Root []byte `json:"root"`

	// Proposal transactions in [gchain.EncodeBlockData] framing.
	BlockData []byte `json:"block_data"`

	Receipts []gchain.Receipt `json:"receipts"`

	// Top-down observation agreed in this block, if any.
	Agreed *gchain.TopdownObservation `json:"agreed,omitempty"`

	// Checkpoint created in this block, if any.
	Checkpoint *gchain.BottomUpCheckpoint `json:"checkpoint,omitempty"`

	// Certificate assembled in this block, if any.
	Certificate *gchain.CheckpointCertificate `json:"certificate,omitempty"`
}

// BlockStore persists block results.
type BlockStore interface {
	// SaveBlockResult stores r and indexes its receipts by transaction hash.
	// Saving an identical result again is a no-op;
	// a different result at the same height returns [BlockResultOverwriteError].
	SaveBlockResult(ctx context.Context, r BlockResult) error

	// LoadBlockResult returns [HeightUnknownError] for a height never saved.
	LoadBlockResult(ctx context.Context, height uint64) (BlockResult, error)

	// LatestHeight returns [ErrStoreUninitialized] before the first save.
	LatestHeight(ctx context.Context) (uint64, error)

	// Receipt returns [TxUnknownError] for an unknown transaction hash.
	// If the same transaction was included more than once,
	// the earliest receipt is returned.
	Receipt(ctx context.Context, txHash []byte) (gchain.Receipt, error)
}

// CheckpointStore persists bottom-up checkpoints and certificates
// along with whether each certificate has been handed to the parent.
type CheckpointStore interface {
	// SaveCheckpoint is idempotent for an identical checkpoint.
	// A different checkpoint at the same ToHeight returns [CheckpointOverwriteError].
	SaveCheckpoint(ctx context.Context, cp gchain.BottomUpCheckpoint) error

	// LatestCheckpoint returns [ErrStoreUninitialized] before the first save.
	LatestCheckpoint(ctx context.Context) (gchain.BottomUpCheckpoint, error)

	// SaveCertificate records a certificate as unsubmitted.
	// Saving a certificate for an already certified ToHeight is a no-op.
	SaveCertificate(ctx context.Context, cert gchain.CheckpointCertificate) error

	// LoadCertificate returns [HeightUnknownError]
	// if no certificate exists for toHeight.
	LoadCertificate(ctx context.Context, toHeight uint64) (gchain.CheckpointCertificate, error)

	// UnsubmittedCertificates returns every certificate not yet marked submitted,
	// in ascending ToHeight order.
	UnsubmittedCertificates(ctx context.Context) ([]gchain.CheckpointCertificate, error)

	// MarkCertificateSubmitted returns [HeightUnknownError]
	// if no certificate exists for toHeight.
	MarkCertificateSubmitted(ctx context.Context, toHeight uint64) error
}

// Store satisfies every gstore interface.
type Store interface {
	BlockStore
	CheckpointStore

	Close() error
}

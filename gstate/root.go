package gstate

import (
	"encoding/binary"
	"fmt"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gmerkle"
	"golang.org/x/crypto/blake2b"
)

// Root identifies the state at a committed height.
type Root struct {
	Height uint64 `json:"height"`
	Hash   []byte `json:"hash"`
}

// EmptyRoot is the root hash of a state with no keys.
var EmptyRoot = func() []byte {
	h := blake2b.Sum256([]byte("gsubnet/state/empty"))
	return h[:]
}()

// ComputeRoot returns the merkle root over every key/value pair in r,
// in key order.
func ComputeRoot(r Reader) ([]byte, error) {
	var leaves [][]byte
	if err := r.Iterate(nil, func(k, v []byte) bool {
		leaf := binary.AppendUvarint(make([]byte, 0, 10+len(k)+len(v)), uint64(len(k)))
		leaf = append(leaf, k...)
		leaves = append(leaves, append(leaf, v...))
		return true
	}); err != nil {
		return nil, fmt.Errorf("failed to iterate state for root: %w", err)
	}

	if len(leaves) == 0 {
		return EmptyRoot, nil
	}

	t, err := gmerkle.NewMerkleTree[[]byte, [gchain.HashSize]byte](gchain.MerkleScheme{}, leaves)
	if err != nil {
		return nil, fmt.Errorf("failed to build state tree: %w", err)
	}
	root := t.RootID()
	return root[:], nil
}

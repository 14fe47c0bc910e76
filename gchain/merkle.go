package gchain

import (
	"encoding/binary"

	"github.com/gordian-engine/gsubnet/gmerkle"
	"golang.org/x/crypto/blake2b"
)

// MerkleScheme is the binary blake2b [gmerkle.MerkleScheme]
// used for state roots and outbox roots.
// Leaves and branches are domain separated, and branches mix in their position.
type MerkleScheme struct{}

func (MerkleScheme) BranchFactor() uint8 {
	return 2
}

func (MerkleScheme) LeafID(_ int, leaf []byte) ([HashSize]byte, error) {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{0})
	h.Write(leaf)

	var out [HashSize]byte
	h.Sum(out[:0])
	return out, nil
}

func (MerkleScheme) BranchID(depth, rowIdx int, childIDs [][HashSize]byte) ([HashSize]byte, error) {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{1})

	var pos [16]byte
	binary.BigEndian.PutUint64(pos[:8], uint64(depth))
	binary.BigEndian.PutUint64(pos[8:], uint64(rowIdx))
	h.Write(pos[:])

	for _, id := range childIDs {
		h.Write(id[:])
	}

	var out [HashSize]byte
	h.Sum(out[:0])
	return out, nil
}

// OutboxTree returns the merkle tree over the hashes of msgs, in order.
// It returns nil when msgs is empty.
func OutboxTree(msgs []CrossMsg) *gmerkle.MerkleTree[[HashSize]byte] {
	if len(msgs) == 0 {
		return nil
	}

	leaves := make([][]byte, len(msgs))
	for i, m := range msgs {
		leaves[i] = m.Hash()
	}

	t, err := gmerkle.NewMerkleTree[[]byte, [HashSize]byte](MerkleScheme{}, leaves)
	if err != nil {
		// The scheme never fails and leaves is non-empty.
		panic(err)
	}
	return t
}

// OutboxRoot returns the root of [OutboxTree], or nil for no messages.
func OutboxRoot(msgs []CrossMsg) []byte {
	t := OutboxTree(msgs)
	if t == nil {
		return nil
	}
	root := t.RootID()
	return root[:]
}

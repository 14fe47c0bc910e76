package gmerkle

import (
	"errors"
	"fmt"
)

// MerkleScheme specifies how to produce a merkle tree from an ordered collection of leaves.
// Type parameter L is the leaf data, and I is the ID type of the nodes,
// usually a fixed-size hash.
type MerkleScheme[L any, I comparable] interface {
	// How many children each branch has
	// (excepting the rightmost branch in a row, which may have fewer).
	BranchFactor() uint8

	// BranchID calculates the ID for a branch.
	// The childIDs slice may have fewer than BranchFactor elements
	// if it is the rightmost node in a row,
	// but it always has at least two elements;
	// a lone child is raised to its parent without calling BranchID.
	//
	// The depth and rowIdx values are provided so that implementations
	// can mix the position into the ID.
	BranchID(depth, rowIdx int, childIDs []I) (I, error)

	// LeafID calculates the ID for the given leaf data.
	LeafID(idx int, leafData L) (I, error)
}

// ErrNoLeaves is returned by [NewMerkleTree] when given an empty leaf set.
var ErrNoLeaves = errors.New("merkle tree requires at least one leaf")

// MerkleTree is an immutable m-ary merkle tree.
// All leaves are known up front; methods are safe to call concurrently.
type MerkleTree[I comparable] struct {
	// rows[0] holds the leaf IDs; the last row holds the lone root.
	rows [][]I
}

// NewMerkleTree returns a new merkle tree based on the given scheme and leaf data.
func NewMerkleTree[L any, I comparable](scheme MerkleScheme[L, I], leafData []L) (*MerkleTree[I], error) {
	m := int(scheme.BranchFactor()) // m as in "m-ary tree".
	if m < 2 {
		return nil, fmt.Errorf("branch factor must be at least 2 (got %d)", m)
	}
	if len(leafData) == 0 {
		return nil, ErrNoLeaves
	}

	leaves := make([]I, len(leafData))
	for i, ld := range leafData {
		id, err := scheme.LeafID(i, ld)
		if err != nil {
			return nil, fmt.Errorf("error generating leaf ID for leaf at index %d: %w", i, err)
		}
		leaves[i] = id
	}

	rows := [][]I{leaves}
	for depth := 1; len(rows[depth-1]) > 1; depth++ {
		prev := rows[depth-1]
		row := make([]I, (len(prev)+m-1)/m)

		for i := range row {
			start := i * m
			end := min(start+m, len(prev))

			if end == start+1 {
				// Orphan raised without rehashing.
				row[i] = prev[start]
				continue
			}

			id, err := scheme.BranchID(depth, i, prev[start:end])
			if err != nil {
				return nil, fmt.Errorf("failed to calculate branch ID at index %d in depth %d: %w", i, depth, err)
			}
			row[i] = id
		}

		rows = append(rows, row)
	}

	return &MerkleTree[I]{
		rows: rows,
	}, nil
}

// RootID returns the ID of the root branch of the tree.
func (t *MerkleTree[I]) RootID() I {
	return t.rows[len(t.rows)-1][0]
}

package gcrypto

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// CommonMessageProof accumulates signatures over a single common message
// from an ordered set of candidate keys.
//
// The candidate keys are typically the validators of one validator set,
// in the set's canonical order, so that a bit index in the proof
// identifies the same validator on every node.
//
// CommonMessageProof is not safe for concurrent use.
type CommonMessageProof struct {
	msg []byte

	keys []PubKey

	// string(pub key bytes) -> index in keys.
	keyIdxs map[string]int

	// Identifies the candidate key set,
	// so that sparse proofs can be checked against the right keys.
	keyHash []byte

	// Key index -> signature bytes.
	sigs map[int][]byte

	bits *bitset.BitSet
}

// NewCommonMessageProof returns an empty proof for msg.
// It returns [ErrDuplicateKey] if any candidate key appears twice.
func NewCommonMessageProof(msg []byte, candidateKeys []PubKey, pubKeyHash []byte) (*CommonMessageProof, error) {
	keyIdxs := make(map[string]int, len(candidateKeys))
	for i, k := range candidateKeys {
		s := string(k.PubKeyBytes())
		if _, ok := keyIdxs[s]; ok {
			return nil, fmt.Errorf("candidate key at index %d: %w", i, ErrDuplicateKey)
		}
		keyIdxs[s] = i
	}

	return &CommonMessageProof{
		msg:     msg,
		keys:    candidateKeys,
		keyIdxs: keyIdxs,
		keyHash: pubKeyHash,
		sigs:    make(map[int][]byte),
		bits:    bitset.New(uint(len(candidateKeys))),
	}, nil
}

func (p *CommonMessageProof) Message() []byte {
	return p.msg
}

func (p *CommonMessageProof) PubKeyHash() []byte {
	return p.keyHash
}

// AddSignature verifies sig against the proof's message and key,
// and records it.
// A second valid signature for a key already present is accepted
// without replacing the first one.
func (p *CommonMessageProof) AddSignature(sig []byte, key PubKey) error {
	keyIdx, ok := p.keyIdxs[string(key.PubKeyBytes())]
	if !ok {
		return ErrUnknownKey
	}
	if !key.Verify(p.msg, sig) {
		return ErrInvalidSignature
	}

	if _, have := p.sigs[keyIdx]; have {
		return nil
	}

	p.sigs[keyIdx] = bytes.Clone(sig)
	p.bits.Set(uint(keyIdx))
	return nil
}

// SignatureBitSet returns a bit set indicating which candidate keys
// have a signature in the proof.
// The returned value must not be modified.
func (p *CommonMessageProof) SignatureBitSet() *bitset.BitSet {
	return p.bits
}

// AsSparse returns the minimal representation of the proof,
// with signatures ordered by key index.
func (p *CommonMessageProof) AsSparse() SparseSignatureProof {
	out := SparseSignatureProof{
		PubKeyHash: bytes.Clone(p.keyHash),
		Signatures: make([]SparseSignature, 0, len(p.sigs)),
	}

	for i, ok := p.bits.NextSet(0); ok; i, ok = p.bits.NextSet(i + 1) {
		out.Signatures = append(out.Signatures, SparseSignature{
			KeyID: KeyID(int(i)),
			Sig:   bytes.Clone(p.sigs[int(i)]),
		})
	}

	return out
}

// MergeSparse verifies and adds every signature in s.
// Invalid entries are skipped and reported through the result.
func (p *CommonMessageProof) MergeSparse(s SparseSignatureProof) SignatureProofMergeResult {
	if !bytes.Equal(p.keyHash, s.PubKeyHash) {
		return SignatureProofMergeResult{}
	}

	res := SignatureProofMergeResult{AllValidSignatures: true}
	before := p.bits.Count()

	for _, ss := range s.Signatures {
		idx, ok := ParseKeyID(ss.KeyID)
		if !ok || idx >= len(p.keys) {
			res.AllValidSignatures = false
			continue
		}

		if err := p.AddSignature(ss.Sig, p.keys[idx]); err != nil {
			res.AllValidSignatures = false
		}
	}

	res.IncreasedSignatures = p.bits.Count() > before
	return res
}

// SparseSignatureProof is a minimal, transmittable representation
// of a [CommonMessageProof].
type SparseSignatureProof struct {
	// The PubKeyHash of the original proof.
	PubKeyHash []byte `json:"pub_key_hash"`

	Signatures []SparseSignature `json:"signatures"`
}

// SparseSignature is one signature within a [SparseSignatureProof].
type SparseSignature struct {
	// Big-endian uint16 index into the candidate keys.
	KeyID []byte `json:"key_id"`

	Sig []byte `json:"sig"`
}

// SignatureProofMergeResult is the outcome of [*CommonMessageProof.MergeSparse].
type SignatureProofMergeResult struct {
	// Every signature in the input verified.
	AllValidSignatures bool

	// At least one new key was added to the proof.
	IncreasedSignatures bool
}

// KeyID returns the sparse key ID for candidate key index idx.
func KeyID(idx int) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(idx))
	return b[:]
}

// ParseKeyID is the inverse of [KeyID].
func ParseKeyID(id []byte) (int, bool) {
	if len(id) != 2 {
		return 0, false
	}
	return int(binary.BigEndian.Uint16(id)), true
}

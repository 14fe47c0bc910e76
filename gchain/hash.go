package gchain

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/gordian-engine/gsubnet/gcrypto"
	"golang.org/x/crypto/blake2b"
)

// HashSize is the size in bytes of every hash produced by this package.
const HashSize = 32

// Domain prefixes keep hashes of different object kinds from colliding
// even when their encodings happen to match.
const (
	domainTx          = "gsubnet/tx"
	domainUserTxSign  = "gsubnet/usertx/sign"
	domainObservation = "gsubnet/topdown/observation"
	domainVoteSign    = "gsubnet/topdown/vote"
	domainCheckpoint  = "gsubnet/bottomup/checkpoint"
	domainPubKeys     = "gsubnet/valset/pubkeys"
	domainPowers      = "gsubnet/valset/powers"
	domainCrossMsg    = "gsubnet/crossmsg"
	domainAddress     = "gsubnet/address"
)

func domainHash(domain string, data ...[]byte) []byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only possible with an oversized key.
		panic(err)
	}
	h.Write([]byte(domain))
	h.Write([]byte{0})
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// TxHash returns the identifier of an encoded transaction.
func TxHash(raw []byte) []byte {
	return domainHash(domainTx, raw)
}

// HashPubKeys returns the hash of an ordered list of public keys.
func HashPubKeys(reg *gcrypto.Registry, keys []gcrypto.PubKey) []byte {
	data := make([][]byte, 0, 2*len(keys))
	for _, k := range keys {
		b := reg.Marshal(k)
		data = append(data, binary.BigEndian.AppendUint32(nil, uint32(len(b))), b)
	}
	return domainHash(domainPubKeys, data...)
}

// HashPowers returns the hash of an ordered list of voting powers.
func HashPowers(powers []uint64) []byte {
	buf := make([]byte, 0, 8*len(powers))
	for _, p := range powers {
		buf = binary.BigEndian.AppendUint64(buf, p)
	}
	return domainHash(domainPowers, buf)
}

// Address returns the hex account address for a registry-encoded sender key.
// Account state such as the next nonce is keyed by address.
func Address(sender []byte) string {
	return hex.EncodeToString(domainHash(domainAddress, sender)[:20])
}

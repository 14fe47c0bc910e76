package gcryptotest

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/gordian-engine/gsubnet/gcrypto"
)

var (
	muEd             sync.RWMutex
	generatedEd25519 []ed25519.PrivateKey
)

// DeterministicEd25519Signers returns n ed25519 signers
// whose keys are identical across calls and across test runs.
//
// Stable keys keep validator orderings, hashes and log output
// the same between runs; generated keys are cached,
// so only the first caller pays for key derivation.
func DeterministicEd25519Signers(n int) []gcrypto.Ed25519Signer {
	res := make([]gcrypto.Ed25519Signer, n)

	muEd.RLock()
	have := len(generatedEd25519)
	muEd.RUnlock()

	if have < n {
		muEd.Lock()
		for i := len(generatedEd25519); i < n; i++ {
			// Seed must be 32 bytes long.
			seed := fmt.Sprintf("%032d", i)
			generatedEd25519 = append(generatedEd25519, ed25519.NewKeyFromSeed([]byte(seed)))
		}
		muEd.Unlock()
	}

	muEd.RLock()
	defer muEd.RUnlock()
	for i := range res {
		res[i] = gcrypto.NewEd25519Signer(bytes.Clone(generatedEd25519[i]))
	}

	return res
}

// DeterministicPubKeys is shorthand for the public keys of
// [DeterministicEd25519Signers].
func DeterministicPubKeys(n int) []gcrypto.PubKey {
	signers := DeterministicEd25519Signers(n)
	out := make([]gcrypto.PubKey, n)
	for i, s := range signers {
		out[i] = s.PubKey()
	}
	return out
}

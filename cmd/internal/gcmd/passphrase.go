// Package gcmd contains helpers shared by the gsubnet commands.
package gcmd

import (
	"crypto/ed25519"

	"github.com/gordian-engine/gsubnet/gcrypto"
	"golang.org/x/crypto/blake2b"
)

// SignerFromInsecurePassphrase derives an ed25519 validator key
// from prefix and insecurePassphrase.
// The key is only as secret as the passphrase; use it for development networks.
func SignerFromInsecurePassphrase(prefix, insecurePassphrase string) (gcrypto.Ed25519Signer, error) {
	bh, err := blake2b.New(ed25519.SeedSize, nil)
	if err != nil {
		return gcrypto.Ed25519Signer{}, err
	}
	bh.Write([]byte(prefix + insecurePassphrase))
	seed := bh.Sum(nil)

	privKey := ed25519.NewKeyFromSeed(seed)

	return gcrypto.NewEd25519Signer(privKey), nil
}

package gcrypto_test

import (
	"testing"

	"github.com/gordian-engine/gsubnet/gcrypto"
	"github.com/gordian-engine/gsubnet/gcrypto/gcryptotest"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RoundTrip(t *testing.T) {
	t.Parallel()

	origKey := gcryptotest.DeterministicEd25519Signers(1)[0].PubKey()

	reg := gcrypto.NewDefaultRegistry()

	b := reg.Marshal(origKey)
	newKey, err := reg.Unmarshal(b)
	require.NoError(t, err)

	require.True(t, origKey.Equal(newKey))
}

func TestRegistry_Unmarshal_UnknownType(t *testing.T) {
	t.Parallel()

	reg := gcrypto.NewDefaultRegistry()

	_, err := reg.Unmarshal([]byte("abcd\x00\x00\x00\x00111222333"))
	require.ErrorContains(t, err, "no registered public key type for prefix \"abcd\"")
}

func TestRegistry_Unmarshal_tooShort(t *testing.T) {
	t.Parallel()

	reg := gcrypto.NewDefaultRegistry()

	_, err := reg.Unmarshal([]byte("ed25519"))
	require.Error(t, err)
}

func TestRegistry_Register_twicePanics(t *testing.T) {
	t.Parallel()

	reg := gcrypto.NewDefaultRegistry()
	require.Panics(t, func() {
		gcrypto.RegisterEd25519(reg)
	})
}

package gcrypto_test

import (
	"context"
	"testing"

	"github.com/gordian-engine/gsubnet/gcrypto"
	"github.com/gordian-engine/gsubnet/gcrypto/gcryptotest"
	"github.com/stretchr/testify/require"
)

func TestEd25519(t *testing.T) {
	t.Parallel()

	reg := gcrypto.NewDefaultRegistry()

	signers := gcryptotest.DeterministicEd25519Signers(2)
	s1, s2 := signers[0], signers[1]

	dec1, err := reg.Decode(s1.PubKey().TypeName(), s1.PubKey().PubKeyBytes())
	require.NoError(t, err)

	require.True(t, s1.PubKey().Equal(dec1))
	require.False(t, s2.PubKey().Equal(dec1))

	msg := []byte("hello")
	sig, err := s1.Sign(context.Background(), msg)
	require.NoError(t, err)

	require.True(t, s1.PubKey().Verify(msg, sig))
	require.False(t, s2.PubKey().Verify(msg, sig))
	require.False(t, s1.PubKey().Verify(msg, sig[:10]))
}

func TestNewEd25519PubKey_wrongSize(t *testing.T) {
	t.Parallel()

	_, err := gcrypto.NewEd25519PubKey([]byte("short"))
	require.Error(t, err)
}

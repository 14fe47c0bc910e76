package gchain_test

import (
	"math"
	"testing"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/stretchr/testify/require"
)

func TestQuorumThreshold(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		total uint64
		f     gchain.Fraction
		want  uint64
	}{
		{total: 100, f: gchain.Fraction{Num: 67, Den: 100}, want: 67},
		{total: 100, f: gchain.DefaultQuorum, want: 67},
		{total: 99, f: gchain.DefaultQuorum, want: 66},
		{total: 4, f: gchain.DefaultQuorum, want: 3},
		{total: 1, f: gchain.DefaultQuorum, want: 1},
		{total: math.MaxUint64, f: gchain.Fraction{Num: 1, Den: 1}, want: math.MaxUint64},
	} {
		require.Equalf(t, tc.want, gchain.QuorumThreshold(tc.total, tc.f), "total=%d f=%s", tc.total, tc.f)
	}

	require.Panics(t, func() { gchain.QuorumThreshold(0, gchain.DefaultQuorum) })
}

func TestFraction_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, gchain.DefaultQuorum.Validate())
	require.NoError(t, gchain.Fraction{Num: 67, Den: 100}.Validate())
	require.NoError(t, gchain.Fraction{Num: 1, Den: 1}.Validate())

	require.Error(t, gchain.Fraction{Num: 1, Den: 2}.Validate())
	require.Error(t, gchain.Fraction{Num: 3, Den: 2}.Validate())
	require.Error(t, gchain.Fraction{Num: 1, Den: 0}.Validate())
}

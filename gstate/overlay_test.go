package gstate_test

import (
	"testing"

	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/gordian-engine/gsubnet/gstate/gmemkv"
	"github.com/stretchr/testify/require"
)

func TestOverlay(t *testing.T) {
	t.Parallel()

	base := gmemkv.New()
	require.NoError(t, base.Apply([]gstate.Write{
		{Key: []byte("p/1"), Value: []byte("base1")},
		{Key: []byte("p/2"), Value: []byte("base2")},
	}))

	o := gstate.NewOverlay(base)
	require.NoError(t, o.Set([]byte("p/3"), []byte("new3")))
	require.NoError(t, o.Delete([]byte("p/1")))
	require.NoError(t, o.Set([]byte("p/2"), []byte("over2")))

	var got [][2]string
	require.NoError(t, o.Iterate([]byte("p/"), func(k, v []byte) bool {
		got = append(got, [2]string{string(k), string(v)})
		return true
	}))
	require.Equal(t, [][2]string{{"p/2", "over2"}, {"p/3", "new3"}}, got)

	_, ok, err := o.Get([]byte("p/1"))
	require.NoError(t, err)
	require.False(t, ok)

	// The base is untouched.
	v, ok, err := base.Get([]byte("p/1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("base1"), v)

	require.Equal(t, 3, o.Len())
}

func TestOverlay_child(t *testing.T) {
	t.Parallel()

	o := gstate.NewOverlay(gmemkv.New())
	require.NoError(t, o.Set([]byte("a"), []byte("1")))

	discarded := o.Child()
	require.NoError(t, discarded.Set([]byte("a"), []byte("2")))
	require.NoError(t, discarded.Set([]byte("b"), []byte("2")))

	v, _, err := discarded.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	// Dropping the child leaves the parent as it was.
	v, _, err = o.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	kept := o.Child()
	require.NoError(t, kept.Delete([]byte("a")))
	require.NoError(t, kept.Set([]byte("c"), []byte("3")))
	kept.Merge()

	_, ok, err := o.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = o.Get([]byte("b"))
	require.NoError(t, err)
	require.False(t, ok)
	v, _, err = o.Get([]byte("c"))
	require.NoError(t, err)
	require.Equal(t, []byte("3"), v)
}

func TestPrefixed(t *testing.T) {
	t.Parallel()

	o := gstate.NewOverlay(gmemkv.New())
	require.NoError(t, o.Set([]byte("other"), []byte("x")))

	p := gstate.Prefixed(o, "app/")
	require.NoError(t, p.Set([]byte("k"), []byte("v")))

	v, ok, err := o.Get([]byte("app/k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	var keys []string
	require.NoError(t, p.Iterate(nil, func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	}))
	require.Equal(t, []string{"k"}, keys)
}

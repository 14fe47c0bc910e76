package gstate

import "bytes"

// Prefixed returns a view of rw where every key is transparently
// prefixed with prefix.
// Iteration reports keys with the prefix stripped.
func Prefixed(rw ReadWriter, prefix string) ReadWriter {
	return prefixed{rw: rw, p: []byte(prefix)}
}

type prefixed struct {
	rw ReadWriter
	p  []byte
}

func (p prefixed) key(k []byte) []byte {
	out := make([]byte, 0, len(p.p)+len(k))
	out = append(out, p.p...)
	return append(out, k...)
}

func (p prefixed) Get(key []byte) ([]byte, bool, error) {
	return p.rw.Get(p.key(key))
}

func (p prefixed) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	return p.rw.Iterate(p.key(prefix), func(k, v []byte) bool {
		return fn(bytes.TrimPrefix(k, p.p), v)
	})
}

func (p prefixed) Set(key, value []byte) error {
	return p.rw.Set(p.key(key), value)
}

func (p prefixed) Delete(key []byte) error {
	return p.rw.Delete(p.key(key))
}

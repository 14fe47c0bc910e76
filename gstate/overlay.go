package gstate

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
)

// Overlay is a [ReadWriter] buffering writes on top of a parent [Reader].
//
// Overlays are not safe for concurrent use.
type Overlay struct {
	parent Reader

	// Set only for overlays created by [*Overlay.Child].
	up *Overlay

	writes map[string]overlayEntry

	sealed bool
}

type overlayEntry struct {
	value   []byte
	deleted bool
}

// NewOverlay returns an empty overlay on top of parent.
func NewOverlay(parent Reader) *Overlay {
	return &Overlay{
		parent: parent,
		writes: make(map[string]overlayEntry),
	}
}

// Child returns a new overlay on top of o.
// Writes to the child are invisible to o until [*Overlay.Merge] is called;
// discarding the child discards its writes.
func (o *Overlay) Child() *Overlay {
	c := NewOverlay(o)
	c.up = o
	return c
}

// Merge flushes the writes of a child overlay into the overlay it was created from.
func (o *Overlay) Merge() {
	if o.up == nil {
		panic(fmt.Errorf("BUG: Merge called on overlay without parent overlay"))
	}
	if o.up.sealed {
		panic(fmt.Errorf("BUG: Merge into sealed overlay"))
	}
	for k, e := range o.writes {
		o.up.writes[k] = e
	}
	clear(o.writes)
}

func (o *Overlay) Get(key []byte) ([]byte, bool, error) {
	if e, ok := o.writes[string(key)]; ok {
		if e.deleted {
			return nil, false, nil
		}
		return bytes.Clone(e.value), true, nil
	}
	return o.parent.Get(key)
}

func (o *Overlay) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	merged := make(map[string][]byte)
	if err := o.parent.Iterate(prefix, func(k, v []byte) bool {
		merged[string(k)] = v
		return true
	}); err != nil {
		return err
	}

	p := string(prefix)
	for k, e := range o.writes {
		if !strings.HasPrefix(k, p) {
			continue
		}
		if e.deleted {
			delete(merged, k)
		} else {
			merged[k] = e.value
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		if !fn([]byte(k), bytes.Clone(merged[k])) {
			return nil
		}
	}
	return nil
}

func (o *Overlay) Set(key, value []byte) error {
	if err := o.checkWritable(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	o.writes[string(key)] = overlayEntry{value: bytes.Clone(value)}
	return nil
}

func (o *Overlay) Delete(key []byte) error {
	if err := o.checkWritable(key); err != nil {
		return err
	}
	o.writes[string(key)] = overlayEntry{deleted: true}
	return nil
}

func (o *Overlay) checkWritable(key []byte) error {
	if o.sealed {
		panic(fmt.Errorf("BUG: write to sealed overlay"))
	}
	if isReserved(key) {
		return ReservedKeyError{Key: bytes.Clone(key)}
	}
	return nil
}

// Len reports the number of buffered writes.
func (o *Overlay) Len() int {
	return len(o.writes)
}

// Writes returns the buffered writes ordered by key.
func (o *Overlay) Writes() []Write {
	out := make([]Write, 0, len(o.writes))
	for k, e := range o.writes {
		out = append(out, Write{Key: []byte(k), Value: bytes.Clone(e.value), Delete: e.deleted})
	}
	slices.SortFunc(out, func(a, b Write) int {
		return bytes.Compare(a.Key, b.Key)
	})
	return out
}

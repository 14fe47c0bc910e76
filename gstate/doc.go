// Package gstate contains the versioned key/value state of a subnet.
//
// A [VersionedState] has exactly one committed root at a time.
// Block execution writes into a pending [Overlay];
// [VersionedState.Commit] atomically flushes the overlay to the backing [KV]
// and makes the overlay's root the new committed root.
// Until then, readers of the committed view never observe pending writes.
package gstate

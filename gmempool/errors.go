package gmempool

import (
	"fmt"
)

// TxInvalidError indicates that a transaction failed its check against the pool state.
// The check function passed to [New] must wrap rejections in TxInvalidError;
// any other error is fatal during [*Pool.Rebase].
type TxInvalidError struct {
	Err error
}

func (e TxInvalidError) Error() string {
	return fmt.Sprintf("transaction invalid: %v", e.Err)
}

func (e TxInvalidError) Unwrap() error {
	return e.Err
}

// DuplicateTxError is returned from [*Pool.AddTx]
// when a transaction with the same hash is already buffered.
type DuplicateTxError struct {
	Hash []byte
}

func (e DuplicateTxError) Error() string {
	return fmt.Sprintf("transaction %x already buffered", e.Hash)
}

// FullError is returned from [*Pool.AddTx]
// when accepting the transaction would exceed a configured limit.
type FullError struct {
	Limit string
	Max   int
}

func (e FullError) Error() string {
	return fmt.Sprintf("mempool full: %s limit %d reached", e.Limit, e.Max)
}

package gchain

// Receipt is the outcome of one transaction in a finalized block.
type Receipt struct {
	TxHash []byte `json:"tx_hash"`

	Height uint64 `json:"height"`
	Index  uint32 `json:"index"`

	Kind TxKind `json:"kind"`

	// Zero on success.
	// Non-zero codes are failures anticipated by the execution engine;
	// the transaction is still included and its nonce consumed.
	Code uint32 `json:"code"`

	GasUsed uint64 `json:"gas_used"`

	Data []byte `json:"data,omitempty"`
	Log  string `json:"log,omitempty"`
}

// IsOK reports whether the transaction succeeded.
func (r Receipt) IsOK() bool {
	return r.Code == 0
}

// Receipt codes set by the interpreter itself.
// Codes below 100 are reserved; engines use 100 and above.
const (
	CodeOK uint32 = 0

	// The vote or signature was valid but changed nothing.
	CodeNoop uint32 = 1

	// An observation vote conflicted with the voter's earlier vote this round.
	CodeEquivocation uint32 = 2

	// Lowest code available to execution engines.
	CodeEngineMin uint32 = 100
)

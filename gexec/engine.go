// Package gexec defines the boundary between the interpreter pipeline
// and the execution engine that gives transaction payloads their meaning.
package gexec

import (
	"context"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gstate"
)

// Message is a single unit of work for an [Engine].
type Message struct {
	Height uint64

	// Address of the sender, as computed by [gchain.Address],
	// or the top-down sender for implicit messages.
	Sender string

	Nonce    uint64
	GasLimit uint64

	Payload []byte

	// Set only for implicit messages delivered top-down from the parent.
	CrossMsg *gchain.CrossMsg
}

// Implicit reports whether m was delivered from the parent
// rather than signed by a subnet account.
func (m Message) Implicit() bool {
	return m.CrossMsg != nil
}

// Result is the outcome of applying a [Message].
type Result struct {
	// Zero for success.
	// Non-zero codes discard the message's state writes;
	// engines should use codes of at least [gchain.CodeEngineMin].
	Code uint32

	GasUsed uint64

	Data []byte
	Log  string

	// Bottom-up messages emitted by the message,
	// collected into the next checkpoint's outbox.
	Outbox []gchain.CrossMsg
}

// Engine applies messages to state.
//
// Apply must be deterministic in rw and m.
// A non-nil error means the engine could not uphold its contract,
// which the pipeline treats as an invariant violation.
// Failures of the message itself are reported through [Result.Code].
type Engine interface {
	Apply(ctx context.Context, rw gstate.ReadWriter, m Message) (Result, error)
}

// GenesisInitializer is optionally implemented by an [Engine]
// that seeds state from the genesis app_state document.
type GenesisInitializer interface {
	InitGenesis(ctx context.Context, rw gstate.ReadWriter, appState []byte) error
}

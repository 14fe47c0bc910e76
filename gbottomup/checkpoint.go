package gbottomup

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gstate"
)

var (
	outboxPrefix = []byte("bu/outbox/")
	lastKey      = []byte("bu/last")
)

// IsCheckpointHeight reports whether finalizing height
// creates the checkpoint for the period ending at height-1.
func IsCheckpointHeight(height, period uint64) bool {
	return period > 0 && height > 1 && (height-1)%period == 0
}

func heightKey(prefix []byte, height uint64) []byte {
	return binary.BigEndian.AppendUint64(bytes.Clone(prefix), height)
}

// AppendOutbox records bottom-up messages emitted at height,
// after any already recorded at that height.
func AppendOutbox(rw gstate.ReadWriter, height uint64, msgs []gchain.CrossMsg) error {
	if len(msgs) == 0 {
		return nil
	}

	prefix := heightKey(outboxPrefix, height)
	var n uint64
	if err := rw.Iterate(prefix, func(_, _ []byte) bool {
		n++
		return true
	}); err != nil {
		return fmt.Errorf("failed to count outbox at height %d: %w", height, err)
	}

	for _, m := range msgs {
		if m.Payload == nil {
			m.Payload = []byte{}
		}
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode outbox message: %w", err)
		}
		if err := rw.Set(binary.BigEndian.AppendUint64(bytes.Clone(prefix), n), b); err != nil {
			return err
		}
		n++
	}
	return nil
}

// Outbox returns the recorded bottom-up messages with heights in [from, to],
// in emission order.
func Outbox(r gstate.Reader, from, to uint64) ([]gchain.CrossMsg, error) {
	var (
		out  []gchain.CrossMsg
		derr error
	)
	if err := r.Iterate(outboxPrefix, func(k, v []byte) bool {
		h := binary.BigEndian.Uint64(k[len(outboxPrefix):])
		if h < from {
			return true
		}
		if h > to {
			return false
		}
		var m gchain.CrossMsg
		if derr = json.Unmarshal(v, &m); derr != nil {
			return false
		}
		out = append(out, m)
		return true
	}); err != nil {
		return nil, err
	}
	if derr != nil {
		return nil, fmt.Errorf("failed to decode outbox message: %w", derr)
	}
	return out, nil
}

func clearOutbox(rw gstate.ReadWriter, to uint64) error {
	var keys [][]byte
	if err := rw.Iterate(outboxPrefix, func(k, _ []byte) bool {
		if binary.BigEndian.Uint64(k[len(outboxPrefix):]) > to {
			return false
		}
		keys = append(keys, bytes.Clone(k))
		return true
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := rw.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// CheckpointInput is the committed data a checkpoint is derived from.
type CheckpointInput struct {
	SubnetID string

	// The height being finalized; the checkpoint ends at Height-1.
	Height uint64

	Period uint64

	// First height of the chain, the start of the first checkpoint.
	InitialHeight uint64

	// Committed state root at Height-1.
	StateRoot []byte

	// Configuration number of the validator set active at Height-1.
	ConfigurationNumber uint64
}

// CreateCheckpoint derives the checkpoint for the period ending at in.Height-1,
// consumes that period's outbox and records the checkpoint as pending.
// The caller must have checked [IsCheckpointHeight].
func CreateCheckpoint(rw gstate.ReadWriter, in CheckpointInput) (gchain.BottomUpCheckpoint, error) {
	if !IsCheckpointHeight(in.Height, in.Period) {
		panic(fmt.Errorf("BUG: height %d is not a checkpoint height for period %d", in.Height, in.Period))
	}
	to := in.Height - 1

	from := in.InitialHeight
	b, ok, err := rw.Get(lastKey)
	if err != nil {
		return gchain.BottomUpCheckpoint{}, fmt.Errorf("failed to read last checkpoint height: %w", err)
	}
	if ok {
		from = binary.BigEndian.Uint64(b) + 1
	}

	msgs, err := Outbox(rw, from, to)
	if err != nil {
		return gchain.BottomUpCheckpoint{}, err
	}

	cp := gchain.BottomUpCheckpoint{
		SubnetID:            in.SubnetID,
		Epoch:               to / in.Period,
		FromHeight:          from,
		ToHeight:            to,
		StateRoot:           bytes.Clone(in.StateRoot),
		OutboxRoot:          gchain.OutboxRoot(msgs),
		OutboxCount:         uint64(len(msgs)),
		ConfigurationNumber: in.ConfigurationNumber,
	}
	if cp.OutboxRoot == nil {
		cp.OutboxRoot = []byte{}
	}

	if err := clearOutbox(rw, to); err != nil {
		return gchain.BottomUpCheckpoint{}, fmt.Errorf("failed to clear outbox: %w", err)
	}
	if err := rw.Set(lastKey, binary.BigEndian.AppendUint64(nil, to)); err != nil {
		return gchain.BottomUpCheckpoint{}, err
	}
	if err := savePending(rw, Pending{Checkpoint: cp, Signatures: map[string][]byte{}}); err != nil {
		return gchain.BottomUpCheckpoint{}, err
	}
	return cp, nil
}

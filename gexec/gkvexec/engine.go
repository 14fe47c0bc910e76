// Package gkvexec contains a minimal key/value [gexec.Engine].
//
// It exists to exercise the interpreter pipeline end to end;
// it is not a virtual machine.
package gkvexec

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gexec"
	"github.com/gordian-engine/gsubnet/gstate"
)

// Result codes.
const (
	CodeBadPayload = gchain.CodeEngineMin + iota
	CodeFailed
	CodeOutOfGas
)

// Gas charged per operation, in addition to key and value length.
const baseGas = 10

var outboxNonceKey = []byte("sys/outbox-nonce")

// Op is the JSON payload understood by the engine.
type Op struct {
	Op string `json:"op"`

	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`

	// For "send".
	To     string `json:"to,omitempty"`
	Amount uint64 `json:"amount,omitempty"`

	// For "fail".
	Reason string `json:"reason,omitempty"`
}

// Payload encodes op for use as a transaction payload.
func Payload(op Op) []byte {
	b, err := json.Marshal(op)
	if err != nil {
		panic(fmt.Errorf("BUG: failed to marshal op: %w", err))
	}
	return b
}

// Engine is the key/value reference engine.
type Engine struct{}

var (
	_ gexec.Engine             = Engine{}
	_ gexec.GenesisInitializer = Engine{}
)

// AppState is the genesis app_state understood by the engine.
type AppState struct {
	Data     map[string]string `json:"data,omitempty"`
	Balances map[string]uint64 `json:"balances,omitempty"`
}

// InitGenesis writes the data entries and balances of the encoded [AppState].
func (Engine) InitGenesis(_ context.Context, rw gstate.ReadWriter, appState []byte) error {
	if len(appState) == 0 {
		return nil
	}
	var as AppState
	dec := json.NewDecoder(bytes.NewReader(appState))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&as); err != nil {
		return fmt.Errorf("failed to decode app state: %w", err)
	}

	// Overlay writes are order-independent, so map iteration is safe here.
	for k, v := range as.Data {
		if err := rw.Set(dataKey(k), []byte(v)); err != nil {
			return err
		}
	}
	for addr, bal := range as.Balances {
		if err := rw.Set(balanceKey(addr), binary.BigEndian.AppendUint64(nil, bal)); err != nil {
			return err
		}
	}
	return nil
}

func (Engine) Apply(ctx context.Context, rw gstate.ReadWriter, m gexec.Message) (gexec.Result, error) {
	if m.Implicit() {
		return applyCrossMsg(rw, m)
	}

	var op Op
	dec := json.NewDecoder(bytes.NewReader(m.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&op); err != nil {
		return gexec.Result{Code: CodeBadPayload, GasUsed: baseGas, Log: err.Error()}, nil
	}

	gas := uint64(baseGas + len(op.Key) + len(op.Value))
	if m.GasLimit > 0 && gas > m.GasLimit {
		return gexec.Result{
			Code:    CodeOutOfGas,
			GasUsed: m.GasLimit,
			Log:     fmt.Sprintf("need %d gas, limit %d", gas, m.GasLimit),
		}, nil
	}

	switch op.Op {
	case "set":
		if err := rw.Set(dataKey(op.Key), []byte(op.Value)); err != nil {
			return gexec.Result{}, err
		}
		return gexec.Result{GasUsed: gas}, nil

	case "delete":
		if err := rw.Delete(dataKey(op.Key)); err != nil {
			return gexec.Result{}, err
		}
		return gexec.Result{GasUsed: gas}, nil

	case "get":
		v, _, err := rw.Get(dataKey(op.Key))
		if err != nil {
			return gexec.Result{}, err
		}
		return gexec.Result{GasUsed: gas, Data: v}, nil

	case "send":
		msg, err := emit(rw, gchain.CrossMsg{
			From:    m.Sender,
			To:      op.To,
			Value:   op.Amount,
			Payload: []byte(op.Value),
		})
		if err != nil {
			return gexec.Result{}, err
		}
		return gexec.Result{GasUsed: gas, Outbox: []gchain.CrossMsg{msg}}, nil

	case "fail":
		return gexec.Result{Code: CodeFailed, GasUsed: gas, Log: op.Reason}, nil

	default:
		return gexec.Result{Code: CodeBadPayload, GasUsed: baseGas, Log: fmt.Sprintf("unknown op %q", op.Op)}, nil
	}
}

// applyCrossMsg credits the recipient of a top-down message.
func applyCrossMsg(rw gstate.ReadWriter, m gexec.Message) (gexec.Result, error) {
	cm := m.CrossMsg
	key := balanceKey(cm.To)

	bal, err := readUint(rw, key)
	if err != nil {
		return gexec.Result{}, err
	}
	if err := rw.Set(key, binary.BigEndian.AppendUint64(nil, bal+cm.Value)); err != nil {
		return gexec.Result{}, err
	}

	return gexec.Result{Data: []byte(strconv.FormatUint(bal+cm.Value, 10))}, nil
}

func emit(rw gstate.ReadWriter, msg gchain.CrossMsg) (gchain.CrossMsg, error) {
	n, err := readUint(rw, outboxNonceKey)
	if err != nil {
		return gchain.CrossMsg{}, err
	}
	msg.Nonce = n
	if len(msg.Payload) == 0 {
		msg.Payload = []byte{}
	}
	if err := rw.Set(outboxNonceKey, binary.BigEndian.AppendUint64(nil, n+1)); err != nil {
		return gchain.CrossMsg{}, err
	}
	return msg, nil
}

func readUint(r gstate.Reader, key []byte) (uint64, error) {
	v, ok, err := r.Get(key)
	if err != nil || !ok {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("corrupt uint64 at %q", key)
	}
	return binary.BigEndian.Uint64(v), nil
}

func dataKey(k string) []byte {
	return []byte("data/" + k)
}

func balanceKey(addr string) []byte {
	return []byte("bal/" + addr)
}

// Balance returns the balance credited to addr by top-down messages.
func Balance(r gstate.Reader, addr string) (uint64, error) {
	return readUint(r, balanceKey(addr))
}

// Value returns the value stored at key by a "set" op.
func Value(r gstate.Reader, key string) ([]byte, bool, error) {
	return r.Get(dataKey(key))
}

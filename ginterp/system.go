package ginterp

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gcrypto"
	"github.com/gordian-engine/gsubnet/gstate"
)

// State key layout owned by the interpreter.
// Engine state lives under appPrefix,
// top-down and bottom-up state under the keys of their packages.
var (
	chainKey      = []byte("sys/chain")
	paramsKey     = []byte("sys/params")
	validatorsKey = []byte("sys/validators")

	noncePrefix = "acct/nonce/"
)

const appPrefix = "app/"

// System is the chain-level replicated state the pipeline depends on.
type System struct {
	ChainID, SubnetID string

	InitialHeight uint64

	Params gchain.ChainParams

	Validators gchain.ValidatorHistory
}

type chainInfo struct {
	ChainID       string `json:"chain_id"`
	SubnetID      string `json:"subnet_id"`
	InitialHeight uint64 `json:"initial_height"`
}

// LoadSystem reads the system state from r.
func LoadSystem(r gstate.Reader, reg *gcrypto.Registry) (System, error) {
	var ci chainInfo
	if err := getJSON(r, chainKey, &ci); err != nil {
		return System{}, err
	}

	var s System
	if err := getJSON(r, paramsKey, &s.Params); err != nil {
		return System{}, err
	}

	var es []gchain.EncodedSnapshot
	if err := getJSON(r, validatorsKey, &es); err != nil {
		return System{}, err
	}
	hist, err := gchain.DecodeHistory(reg, es)
	if err != nil {
		return System{}, fmt.Errorf("failed to decode validator history: %w", err)
	}

	s.ChainID, s.SubnetID, s.InitialHeight = ci.ChainID, ci.SubnetID, ci.InitialHeight
	s.Validators = hist
	return s, nil
}

func (s System) save(rw gstate.ReadWriter, reg *gcrypto.Registry) error {
	ci := chainInfo{ChainID: s.ChainID, SubnetID: s.SubnetID, InitialHeight: s.InitialHeight}
	if err := setJSON(rw, chainKey, ci); err != nil {
		return err
	}
	if err := setJSON(rw, paramsKey, s.Params); err != nil {
		return err
	}
	return s.saveValidators(rw, reg)
}

func (s System) saveValidators(rw gstate.ReadWriter, reg *gcrypto.Registry) error {
	return setJSON(rw, validatorsKey, gchain.EncodeHistory(reg, s.Validators))
}

func getJSON(r gstate.Reader, key []byte, v any) error {
	b, ok, err := r.Get(key)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrNotInitialized)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func setJSON(rw gstate.ReadWriter, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return rw.Set(key, b)
}

func nonceKey(addr string) []byte {
	return []byte(noncePrefix + addr)
}

// NextNonce returns the nonce expected on the next transaction from addr,
// an address computed by [gchain.Address].
func NextNonce(r gstate.Reader, addr string) (uint64, error) {
	b, ok, err := r.Get(nonceKey(addr))
	if err != nil {
		return 0, fmt.Errorf("failed to read nonce of %s: %w", addr, err)
	}
	if !ok {
		return 0, nil
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("corrupt nonce of %s (%d bytes)", addr, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func setNextNonce(rw gstate.ReadWriter, addr string, n uint64) error {
	return rw.Set(nonceKey(addr), binary.BigEndian.AppendUint64(nil, n))
}

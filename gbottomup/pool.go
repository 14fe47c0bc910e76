package gbottomup

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gcrypto"
	"github.com/gordian-engine/gsubnet/gstate"
)

var (
	pendingPrefix = []byte("bu/pending/")
	certPrefix    = []byte("bu/cert/")
)

// Pending is a checkpoint awaiting enough signatures to be certified.
type Pending struct {
	Checkpoint gchain.BottomUpCheckpoint `json:"checkpoint"`

	// Hex registry-encoded signer key to signature.
	Signatures map[string][]byte `json:"signatures"`
}

// AddOutcome is the effect of [AddSignature].
type AddOutcome uint8

const (
	Added AddOutcome = iota

	// The signer already signed this checkpoint.
	Duplicate

	// The checkpoint is already certified.
	Late
)

func (o AddOutcome) String() string {
	switch o {
	case Added:
		return "Added"
	case Duplicate:
		return "Duplicate"
	case Late:
		return "Late"
	default:
		return fmt.Sprintf("AddOutcome(%d)", uint8(o))
	}
}

func savePending(rw gstate.ReadWriter, p Pending) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode pending checkpoint: %w", err)
	}
	return rw.Set(heightKey(pendingPrefix, p.Checkpoint.ToHeight), b)
}

// LoadPending returns the pending checkpoint at toHeight.
func LoadPending(r gstate.Reader, toHeight uint64) (Pending, bool, error) {
	b, ok, err := r.Get(heightKey(pendingPrefix, toHeight))
	if err != nil || !ok {
		return Pending{}, false, err
	}
	var p Pending
	if err := json.Unmarshal(b, &p); err != nil {
		return Pending{}, false, fmt.Errorf("failed to decode pending checkpoint %d: %w", toHeight, err)
	}
	return p, true, nil
}

// PendingCheckpoints returns every pending checkpoint in ascending height order.
func PendingCheckpoints(r gstate.Reader) ([]Pending, error) {
	var (
		out  []Pending
		derr error
	)
	if err := r.Iterate(pendingPrefix, func(_, v []byte) bool {
		var p Pending
		if derr = json.Unmarshal(v, &p); derr != nil {
			return false
		}
		out = append(out, p)
		return true
	}); err != nil {
		return nil, err
	}
	if derr != nil {
		return nil, fmt.Errorf("failed to decode pending checkpoint: %w", derr)
	}
	return out, nil
}

// LoadCertificate returns the certificate for the checkpoint at toHeight.
func LoadCertificate(r gstate.Reader, toHeight uint64) (gchain.CheckpointCertificate, bool, error) {
	b, ok, err := r.Get(heightKey(certPrefix, toHeight))
	if err != nil || !ok {
		return gchain.CheckpointCertificate{}, false, err
	}
	var c gchain.CheckpointCertificate
	if err := json.Unmarshal(b, &c); err != nil {
		return gchain.CheckpointCertificate{}, false, fmt.Errorf("failed to decode certificate %d: %w", toHeight, err)
	}
	return c, true, nil
}

func isCertified(r gstate.Reader, toHeight uint64) (bool, error) {
	_, ok, err := r.Get(heightKey(certPrefix, toHeight))
	return ok, err
}

// CheckSignature verifies sig against the checkpoint state in r
// and the validator snapshot at the checkpoint height.
// It reports late if the checkpoint is already certified;
// such signatures are acceptable but change nothing.
func CheckSignature(
	r gstate.Reader, reg *gcrypto.Registry, hist gchain.ValidatorHistory, sig gchain.CheckpointSignature,
) (late bool, err error) {
	var cp gchain.BottomUpCheckpoint
	p, ok, err := LoadPending(r, sig.Height)
	if err != nil {
		return false, err
	}
	if ok {
		cp = p.Checkpoint
	} else {
		cert, ok, err := LoadCertificate(r, sig.Height)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, UnknownCheckpointError{Height: sig.Height}
		}
		cp = cert.Checkpoint
		late = true
	}

	hash := cp.Hash()
	if !bytes.Equal(hash, sig.CheckpointHash) {
		return false, CheckpointHashMismatchError{Height: sig.Height, Want: hash, Got: sig.CheckpointHash}
	}

	snap, ok := hist.At(sig.Height)
	if !ok {
		return false, gchain.UnknownValidatorError{PubKey: sig.Signer, Height: sig.Height}
	}
	pk, err := reg.Unmarshal(sig.Signer)
	if err != nil {
		return false, gchain.MalformedTxError{Err: fmt.Errorf("bad signer key: %w", err)}
	}
	if snap.Set.Index(pk) < 0 {
		return false, gchain.UnknownValidatorError{PubKey: sig.Signer, Height: sig.Height}
	}
	if !pk.Verify(gchain.CheckpointSignBytes(hash), sig.Signature) {
		return false, gchain.ErrInvalidSignature
	}
	return late, nil
}

// AddSignature pools a signature already verified by [CheckSignature].
func AddSignature(rw gstate.ReadWriter, sig gchain.CheckpointSignature) (AddOutcome, error) {
	certified, err := isCertified(rw, sig.Height)
	if err != nil {
		return 0, err
	}
	if certified {
		return Late, nil
	}

	p, ok, err := LoadPending(rw, sig.Height)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, UnknownCheckpointError{Height: sig.Height}
	}
	if h := p.Checkpoint.Hash(); !bytes.Equal(h, sig.CheckpointHash) {
		return 0, CheckpointHashMismatchError{Height: sig.Height, Want: h, Got: sig.CheckpointHash}
	}

	k := hex.EncodeToString(sig.Signer)
	if _, have := p.Signatures[k]; have {
		return Duplicate, nil
	}
	if p.Signatures == nil {
		p.Signatures = make(map[string][]byte)
	}
	p.Signatures[k] = bytes.Clone(sig.Signature)
	if err := savePending(rw, p); err != nil {
		return 0, err
	}
	return Added, nil
}

// TryCertify certifies the oldest pending checkpoint whose signers
// meet quorum q of the validator snapshot at its height.
// At most one checkpoint is certified per call.
// The certificate replaces the pending entry in rw.
func TryCertify(
	rw gstate.ReadWriter, reg *gcrypto.Registry, hist gchain.ValidatorHistory, q gchain.Fraction,
) (*gchain.CheckpointCertificate, error) {
	pending, err := PendingCheckpoints(rw)
	if err != nil {
		return nil, err
	}

	for _, p := range pending {
		if len(p.Signatures) == 0 {
			continue
		}

		cert, ok, err := certify(reg, hist, q, p)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		b, err := json.Marshal(cert)
		if err != nil {
			return nil, fmt.Errorf("failed to encode certificate: %w", err)
		}
		if err := rw.Set(heightKey(certPrefix, cert.Checkpoint.ToHeight), b); err != nil {
			return nil, err
		}
		if err := rw.Delete(heightKey(pendingPrefix, cert.Checkpoint.ToHeight)); err != nil {
			return nil, err
		}
		return &cert, nil
	}
	return nil, nil
}

func certify(
	reg *gcrypto.Registry, hist gchain.ValidatorHistory, q gchain.Fraction, p Pending,
) (gchain.CheckpointCertificate, bool, error) {
	snap, ok := hist.At(p.Checkpoint.ToHeight)
	if !ok {
		return gchain.CheckpointCertificate{}, false, fmt.Errorf(
			"no validator snapshot at checkpoint height %d", p.Checkpoint.ToHeight,
		)
	}
	set := snap.Set

	proof, err := gcrypto.NewCommonMessageProof(
		gchain.CheckpointSignBytes(p.Checkpoint.Hash()),
		gchain.ValidatorsToPubKeys(set.Validators),
		set.PubKeyHash,
	)
	if err != nil {
		return gchain.CheckpointCertificate{}, false, err
	}

	signers := make([]string, 0, len(p.Signatures))
	for k := range p.Signatures {
		signers = append(signers, k)
	}
	sort.Strings(signers)

	for _, k := range signers {
		raw, err := hex.DecodeString(k)
		if err != nil {
			return gchain.CheckpointCertificate{}, false, fmt.Errorf("BUG: corrupt signer key %q: %w", k, err)
		}
		pk, err := reg.Unmarshal(raw)
		if err != nil {
			return gchain.CheckpointCertificate{}, false, fmt.Errorf("failed to decode signer key: %w", err)
		}
		// Signatures were verified at admission; a failure here only omits the signer.
		_ = proof.AddSignature(p.Signatures[k], pk)
	}

	power := set.PowerOfBits(proof.SignatureBitSet())
	threshold := gchain.QuorumThreshold(set.TotalPower, q)
	if power < threshold {
		return gchain.CheckpointCertificate{}, false, nil
	}

	return gchain.CheckpointCertificate{
		Checkpoint:       p.Checkpoint,
		ValidatorSetHash: bytes.Clone(set.PubKeyHash),
		Proof:            proof.AsSparse(),
		Power:            power,
		Threshold:        threshold,
	}, true, nil
}

// VerifyCertificate checks that cert carries valid signatures
// from validators in set holding at least quorum q of its power.
func VerifyCertificate(set gchain.ValidatorSet, q gchain.Fraction, cert gchain.CheckpointCertificate) error {
	if !bytes.Equal(set.PubKeyHash, cert.ValidatorSetHash) || !bytes.Equal(set.PubKeyHash, cert.Proof.PubKeyHash) {
		return InvalidCertificateError{Reason: "validator set hash mismatch"}
	}

	proof, err := gcrypto.NewCommonMessageProof(
		gchain.CheckpointSignBytes(cert.Checkpoint.Hash()),
		gchain.ValidatorsToPubKeys(set.Validators),
		set.PubKeyHash,
	)
	if err != nil {
		return err
	}

	res := proof.MergeSparse(cert.Proof)
	if !res.AllValidSignatures {
		return InvalidCertificateError{Reason: "certificate contains invalid signatures"}
	}

	power := set.PowerOfBits(proof.SignatureBitSet())
	if threshold := gchain.QuorumThreshold(set.TotalPower, q); power < threshold {
		return InvalidCertificateError{
			Reason: fmt.Sprintf("signing power %d below threshold %d", power, threshold),
		}
	}
	return nil
}

// Certificates returns every certificate recorded in state, ascending by height.
func Certificates(r gstate.Reader) ([]gchain.CheckpointCertificate, error) {
	var (
		out  []gchain.CheckpointCertificate
		derr error
	)
	if err := r.Iterate(certPrefix, func(_, v []byte) bool {
		var c gchain.CheckpointCertificate
		if derr = json.Unmarshal(v, &c); derr != nil {
			return false
		}
		out = append(out, c)
		return true
	}); err != nil {
		return nil, err
	}
	if derr != nil {
		return nil, fmt.Errorf("failed to decode certificate: %w", derr)
	}
	return out, nil
}

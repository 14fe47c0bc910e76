package gbottomup

import "fmt"

// UnknownCheckpointError indicates a signature for a height
// that has no pending or certified checkpoint.
type UnknownCheckpointError struct {
	Height uint64
}

func (e UnknownCheckpointError) Error() string {
	return fmt.Sprintf("no checkpoint at height %d", e.Height)
}

// CheckpointHashMismatchError indicates a signature over a checkpoint
// different from the one derived at its height.
type CheckpointHashMismatchError struct {
	Height    uint64
	Want, Got []byte
}

func (e CheckpointHashMismatchError) Error() string {
	return fmt.Sprintf(
		"checkpoint hash mismatch at height %d: expected %x, got %x",
		e.Height, e.Want, e.Got,
	)
}

// InvalidCertificateError describes why [VerifyCertificate] rejected a certificate.
type InvalidCertificateError struct {
	Reason string
}

func (e InvalidCertificateError) Error() string {
	return "invalid certificate: " + e.Reason
}

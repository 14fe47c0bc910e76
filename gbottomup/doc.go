// Package gbottomup exports subnet finality to the parent chain.
//
// Every CheckpointPeriod blocks, execution derives a [gchain.BottomUpCheckpoint]
// from committed state. Validators sign it in the background and submit
// their signatures as ordinary transactions; execution pools them in state
// and assembles a [gchain.CheckpointCertificate] once the signers carry
// the quorum threshold of the validator set active at the checkpoint height.
// The [Relayer] then hands each certificate to the parent.
//
// The state functions in this package operate on a [gstate.ReadWriter]
// and must produce identical results on every validator.
package gbottomup

// Package gtopdown imports parent-chain finality into the subnet.
//
// Each validator runs a [Poller] that samples the parent chain
// and submits an observation vote through ordinary transaction admission.
// Votes are tallied deterministically inside block execution by [State];
// an observation is agreed once the power of distinct voters backing it
// reaches the quorum threshold of the validator set captured when the round opened.
package gtopdown

// Package gstore defines the durable record of a subnet node's finalized blocks
// and bottom-up certificates.
//
// Versioned state (see [github.com/gordian-engine/gsubnet/gstate]) holds
// consensus-critical data; gstore holds everything a node reports or relays
// after the fact: receipts, proposal data, checkpoints,
// certificates and their submission status.
package gstore

// Package gwatchdog halts a gsubnet node.
//
// Every long-running component of the node runs under the context
// returned by [NewWatchdog].
// That context is canceled when a monitored subsystem stops responding
// within its configured timeout, or when a component reports
// a condition the node must not continue past,
// such as an invariant violation during block execution, through [*Watchdog.Halt].
//
// Subsystems opt in to monitoring with [*Watchdog.Monitor],
// providing an interval and jitter for how often they are polled
// and a timeout for their response.
package gwatchdog

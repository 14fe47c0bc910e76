// Package ginterp is the interpreter pipeline of a subnet validator.
//
// Every block passes through the same stages:
// decoding and checking of transactions ([Checker]),
// proposal assembly ([*Interpreter.Prepare]),
// proposal validation ([*Interpreter.Process]),
// execution into a pending overlay ([*Interpreter.Finalize])
// and the atomic commit of that overlay ([*Interpreter.Commit]).
//
// Top-down observation votes and bottom-up checkpoint signatures
// are ordinary transactions; their effects on the replicated
// [gtopdown.State] and the [gbottomup] signature pool
// happen only inside Finalize, in a fixed order.
//
// [App] serializes the lifecycle calls of a consensus engine
// onto a single goroutine and halts the node through its watchdog
// when execution reports an [InvariantError].
package ginterp

// Package gdriver and its subpackages drive the interpreter pipeline
// in place of a full consensus engine.
//
// In this context, "driver" is whatever calls prepare, process, finalize and commit
// on a [github.com/gordian-engine/gsubnet/ginterp.App] once per height.
package gdriver

// Package gparentrpc exposes a [gtopdown.ParentClient] and a certificate sink
// over JSON-RPC 2.0, and provides the matching client.
//
// The server side lets a local development parent,
// such as [gtopdowntest.FakeParent], stand in for a real parent chain.
package gparentrpc

// SPDX-License-Identifier: Apache-2.0

// Package transport abstracts the wire connection to one MCP server.
// The conn.Manager owns Transport lifecycles; the stream coordinator
// consumes Streams. Implementations must be safe for concurrent use.
package transport

import "context"

// Stream delivers response text incrementally. Recv returns io.EOF
// after the final chunk. Close aborts the in-flight request; it is
// safe to call more than once and after EOF.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Transport is a single server connection. Connect establishes and
// handshakes the session, Ping probes liveness, OpenStream dispatches
// a query and returns its response stream.
type Transport interface {
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	OpenStream(ctx context.Context, query string) (Stream, error)
	Close() error
}

// Factory builds a Transport for a descriptor. The connection manager
// takes one so tests can substitute fakes.
type Factory func(Descriptor) Transport

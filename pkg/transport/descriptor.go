// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"time"
)

// Kind selects the MCP wire transport for a server.
type Kind string

const (
	KindStdio Kind = "stdio"
	KindHTTP  Kind = "http"
	KindSSE   Kind = "sse"
)

const (
	defaultTimeout = 10 * time.Second
	defaultTool    = "chat"
)

// Descriptor describes how to reach one MCP server. Descriptors are
// value types and immutable once registered with a connection manager.
type Descriptor struct {
	// Name identifies the server everywhere: registry keys, circuit
	// breakers, error records, metrics attributes.
	Name string

	Kind Kind

	// Stdio servers.
	Command string
	Args    []string
	Env     map[string]string

	// HTTP and SSE servers.
	URL     string
	Headers map[string]string

	// Tool is the server tool invoked for queries. Defaults to "chat".
	Tool string

	// Timeout bounds connect, handshake and ping. Zero means 10s.
	Timeout time.Duration
}

// Validate reports the first configuration problem, or nil.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("transport: descriptor requires a name")
	}
	switch d.Kind {
	case KindStdio:
		if d.Command == "" {
			return fmt.Errorf("transport: stdio server %q requires a command", d.Name)
		}
	case KindHTTP, KindSSE:
		if d.URL == "" {
			return fmt.Errorf("transport: %s server %q requires a url", d.Kind, d.Name)
		}
	default:
		return fmt.Errorf("transport: server %q has unknown kind %q", d.Name, d.Kind)
	}
	return nil
}

func (d Descriptor) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return defaultTimeout
}

func (d Descriptor) tool() string {
	if d.Tool != "" {
		return d.Tool
	}
	return defaultTool
}

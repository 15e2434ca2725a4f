// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

const progressMethod = "notifications/progress"

// MCPTransport talks MCP to one server through the mark3labs client.
// Queries run as tool calls; the server streams text back as progress
// notifications keyed by a per-stream progress token, with the final
// tool result used as a fallback when nothing was streamed.
type MCPTransport struct {
	desc   Descriptor
	logger *slog.Logger

	mu      sync.Mutex
	client  *client.Client
	streams map[string]*mcpStream
}

// NewMCP creates an unconnected transport for the descriptor.
func NewMCP(desc Descriptor, logger *slog.Logger) *MCPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPTransport{desc: desc, logger: logger}
}

// MCPFactory returns a Factory producing MCPTransports.
func MCPFactory(logger *slog.Logger) Factory {
	return func(d Descriptor) Transport {
		return NewMCP(d, logger)
	}
}

// Connect dials the server, starts the session and performs the MCP
// initialize handshake. Calling Connect on a connected transport is a
// no-op.
func (t *MCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return nil
	}

	c, err := t.dial()
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, t.desc.timeout())
	defer cancel()

	if err := c.Start(cctx); err != nil {
		c.Close()
		return err
	}
	c.OnNotification(t.dispatch)

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "conduit",
		Version: "0.1.0",
	}
	if _, err := c.Initialize(cctx, initRequest); err != nil {
		c.Close()
		return err
	}

	t.client = c
	t.streams = make(map[string]*mcpStream)
	t.logger.Debug("mcp session established", "server", t.desc.Name, "kind", t.desc.Kind)
	return nil
}

func (t *MCPTransport) dial() (*client.Client, error) {
	d := t.desc
	switch d.Kind {
	case KindStdio:
		env := make([]string, 0, len(d.Env))
		for k, v := range d.Env {
			env = append(env, k+"="+v)
		}
		return client.NewStdioMCPClient(d.Command, env, d.Args...)
	case KindHTTP:
		var opts []mcptransport.StreamableHTTPCOption
		if len(d.Headers) > 0 {
			opts = append(opts, mcptransport.WithHTTPHeaders(d.Headers))
		}
		return client.NewStreamableHttpClient(d.URL, opts...)
	case KindSSE:
		var opts []mcptransport.ClientOption
		if len(d.Headers) > 0 {
			opts = append(opts, mcptransport.WithHeaders(d.Headers))
		}
		return client.NewSSEMCPClient(d.URL, opts...)
	}
	return nil, fmt.Errorf("transport: server %q has unknown kind %q", d.Name, d.Kind)
}

// Ping probes session liveness with the MCP ping request.
func (t *MCPTransport) Ping(ctx context.Context) error {
	t.mu.Lock()
	c := t.client
	t.mu.Unlock()
	if c == nil {
		return fmt.Errorf("transport: %s is not connected", t.desc.Name)
	}

	pctx, cancel := context.WithTimeout(ctx, t.desc.timeout())
	defer cancel()
	return c.Ping(pctx)
}

// OpenStream dispatches query as a tool call and returns the stream of
// text chunks carried by its progress notifications. The call runs
// until the tool result arrives, the context ends or the stream is
// closed.
func (t *MCPTransport) OpenStream(ctx context.Context, query string) (Stream, error) {
	t.mu.Lock()
	c := t.client
	if c == nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport: %s is not connected", t.desc.Name)
	}
	token := uuid.NewString()
	callCtx, cancel := context.WithCancel(ctx)
	s := &mcpStream{
		chunks: make(chan string, 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	t.streams[token] = s
	t.mu.Unlock()

	req := mcp.CallToolRequest{}
	req.Params.Name = t.desc.tool()
	req.Params.Arguments = map[string]any{"query": query}
	req.Params.Meta = &mcp.Meta{ProgressToken: token}

	go func() {
		defer t.forget(token)
		res, err := c.CallTool(callCtx, req)
		if err == nil && res != nil && res.IsError {
			err = fmt.Errorf("transport: %s tool %q failed: %s", t.desc.Name, t.desc.tool(), resultText(res))
		}
		if err == nil && s.delivered.Load() == 0 {
			// Server did not stream; fall back to the whole result.
			if text := resultText(res); text != "" {
				s.deliver(text)
			}
		}
		s.finish(err)
	}()
	return s, nil
}

// Close shuts the session down and aborts any open streams.
func (t *MCPTransport) Close() error {
	t.mu.Lock()
	c := t.client
	streams := t.streams
	t.client = nil
	t.streams = nil
	t.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	if c == nil {
		return nil
	}
	return c.Close()
}

func (t *MCPTransport) dispatch(n mcp.JSONRPCNotification) {
	if n.Method != progressMethod {
		return
	}
	token, _ := n.Params.AdditionalFields["progressToken"].(string)
	text, _ := n.Params.AdditionalFields["message"].(string)
	if token == "" || text == "" {
		return
	}
	t.mu.Lock()
	s := t.streams[token]
	t.mu.Unlock()
	if s != nil {
		s.deliver(text)
	}
}

func (t *MCPTransport) forget(token string) {
	t.mu.Lock()
	if t.streams != nil {
		delete(t.streams, token)
	}
	t.mu.Unlock()
}

func resultText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var sb strings.Builder
	for _, content := range res.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// mcpStream bridges notification-handler deliveries to a pull-based
// reader. finish is called exactly once when the tool call returns.
type mcpStream struct {
	chunks chan string
	done   chan struct{}
	err    error
	cancel context.CancelFunc

	delivered  atomic.Int64
	closeOnce  sync.Once
	finishOnce sync.Once
}

func (s *mcpStream) deliver(text string) {
	select {
	case s.chunks <- text:
		s.delivered.Add(1)
	case <-s.done:
	}
}

func (s *mcpStream) finish(err error) {
	s.finishOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Recv returns the next chunk. Buffered chunks drain before the
// terminal state is reported.
func (s *mcpStream) Recv() (string, error) {
	select {
	case c := <-s.chunks:
		return c, nil
	default:
	}
	select {
	case c := <-s.chunks:
		return c, nil
	case <-s.done:
		select {
		case c := <-s.chunks:
			return c, nil
		default:
		}
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
}

func (s *mcpStream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

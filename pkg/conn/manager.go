// SPDX-License-Identifier: Apache-2.0

// Package conn manages the lifecycle of MCP server connections:
// registration, connect/reconnect, health probing, per-server circuit
// breakers and aggregate health reporting.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	cerrors "github.com/nvela/conduit/pkg/errors"
	"github.com/nvela/conduit/pkg/resilience"
	"github.com/nvela/conduit/pkg/transport"
)

var (
	// ErrServerNotFound is returned for operations on an unregistered server.
	ErrServerNotFound = errors.New("conn: server not registered")

	// ErrAlreadyRegistered is returned when a server name is registered twice.
	ErrAlreadyRegistered = errors.New("conn: server already registered")
)

// State is the connection lifecycle phase of one server.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

const defaultStalenessWindow = 30 * time.Second

// ServerHealth is a point-in-time view of one server's connection.
type ServerHealth struct {
	State               State                   `json:"state"`
	LastContact         time.Time               `json:"last_contact"`
	ConsecutiveFailures int                     `json:"consecutive_failures"`
	CircuitState        resilience.CircuitState `json:"circuit_state"`
}

// Summary aggregates connection health across all registered servers.
type Summary struct {
	Status    string  `json:"status"` // healthy, partial, all_disconnected, no_servers
	Score     float64 `json:"score"`
	Connected int     `json:"connected"`
	Total     int     `json:"total"`
}

type server struct {
	desc      transport.Descriptor
	transport transport.Transport
	breaker   *resilience.CircuitBreaker

	state               State
	lastContact         time.Time
	consecutiveFailures int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTransportFactory sets the factory used to build server transports.
func WithTransportFactory(f transport.Factory) Option {
	return func(m *Manager) {
		if f != nil {
			m.factory = f
		}
	}
}

// WithCircuitConfig sets the breaker configuration applied to each server.
func WithCircuitConfig(cfg resilience.CircuitBreakerConfig) Option {
	return func(m *Manager) { m.circuitCfg = cfg }
}

// WithStalenessWindow sets how long a connection is trusted without a
// fresh probe.
func WithStalenessWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.staleness = d
		}
	}
}

// Manager owns the connections to all registered MCP servers. Each
// server gets its own circuit breaker; breakers stay with the manager
// so stream outcomes and connect outcomes feed the same circuit.
type Manager struct {
	logger     *slog.Logger
	factory    transport.Factory
	circuitCfg resilience.CircuitBreakerConfig
	staleness  time.Duration

	mu      sync.Mutex
	servers map[string]*server
	group   singleflight.Group

	now func() time.Time
}

// NewManager creates a Manager with the given options.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:     slog.Default(),
		circuitCfg: resilience.DefaultCircuitBreakerConfig(),
		staleness:  defaultStalenessWindow,
		servers:    make(map[string]*server),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.factory == nil {
		m.factory = transport.MCPFactory(m.logger)
	}
	return m
}

// Register adds a server. Registering a duplicate name is a
// configuration error; the existing registration is left untouched.
func (m *Manager) Register(desc transport.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[desc.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, desc.Name)
	}

	cfg := m.circuitCfg
	cfg.Name = desc.Name
	m.servers[desc.Name] = &server{
		desc:      desc,
		transport: m.factory(desc),
		breaker:   resilience.NewCircuitBreaker(cfg),
		state:     StateDisconnected,
	}
	return nil
}

// Unregister removes a server, closing its transport best-effort.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	srv := m.servers[name]
	delete(m.servers, name)
	m.mu.Unlock()

	if srv != nil {
		_ = srv.transport.Close()
	}
}

// Connect establishes the connection to one server. It is idempotent:
// an already connected server returns nil without touching the wire.
// Each call makes at most one underlying attempt; concurrent calls for
// the same server share a single attempt.
func (m *Manager) Connect(ctx context.Context, name string) error {
	srv, err := m.lookup(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if srv.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	srv.state = StateConnecting
	m.mu.Unlock()

	return m.connect(ctx, srv)
}

// EnsureConnected makes sure the server is usable before a dispatch:
// fail fast when the circuit rejects, trust a fresh connection, probe a
// stale one and reconnect when the probe fails or the server is down.
func (m *Manager) EnsureConnected(ctx context.Context, name string) error {
	srv, err := m.lookup(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	fresh := srv.state == StateConnected && m.now().Sub(srv.lastContact) < m.staleness
	connected := srv.state == StateConnected
	m.mu.Unlock()

	if fresh && srv.breaker.State() == resilience.CircuitClosed {
		return nil
	}

	if err := srv.breaker.Allow(); err != nil {
		return cerrors.New(cerrors.CategoryNetwork, fmt.Sprintf("server %s: circuit open", name), err).
			WithServer(name).
			WithRetryable(false)
	}

	if connected {
		if err := srv.transport.Ping(ctx); err == nil {
			m.mu.Lock()
			srv.lastContact = m.now()
			srv.consecutiveFailures = 0
			m.mu.Unlock()
			srv.breaker.RecordSuccess()
			return nil
		}
		m.logger.Warn("health probe failed, reconnecting", "server", name)
		_ = srv.transport.Close()
	}

	m.mu.Lock()
	srv.state = StateReconnecting
	m.mu.Unlock()

	return m.connect(ctx, srv)
}

// connect runs one deduplicated connection attempt and settles server
// state, breaker and classification from its outcome. Settling happens
// inside the singleflight closure: collapsed callers share one wire
// attempt and that attempt is one outcome, not one per caller.
func (m *Manager) connect(ctx context.Context, srv *server) error {
	name := srv.desc.Name
	_, err, _ := m.group.Do(name, func() (any, error) {
		err := srv.transport.Connect(ctx)
		if err == nil {
			m.mu.Lock()
			srv.state = StateConnected
			srv.lastContact = m.now()
			srv.consecutiveFailures = 0
			m.mu.Unlock()
			srv.breaker.RecordSuccess()
			m.logger.Info("server connected", "server", name)
			return nil, nil
		}

		classified := cerrors.Classify(err).WithServer(name)

		m.mu.Lock()
		srv.state = StateFailed
		srv.consecutiveFailures++
		m.mu.Unlock()

		switch classified.Category {
		case cerrors.CategoryCancelled:
			// An interrupted attempt says nothing about server health.
		case cerrors.CategoryAuthentication:
			srv.breaker.TripOpen()
		default:
			srv.breaker.RecordFailure()
		}

		m.logger.Error("connect failed",
			"server", name,
			"category", classified.Category,
			"error", classified)
		return nil, classified
	})
	return err
}

// Disconnect closes one server's connection best-effort.
func (m *Manager) Disconnect(name string) {
	m.mu.Lock()
	srv := m.servers[name]
	if srv != nil {
		srv.state = StateDisconnected
	}
	m.mu.Unlock()

	if srv != nil {
		_ = srv.transport.Close()
	}
}

// DisconnectAll closes every connection. Shutdown path: never fails.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	srvs := make([]*server, 0, len(m.servers))
	for _, srv := range m.servers {
		srv.state = StateDisconnected
		srvs = append(srvs, srv)
	}
	m.mu.Unlock()

	for _, srv := range srvs {
		_ = srv.transport.Close()
	}
}

// Transport returns the server's transport for stream dispatch.
func (m *Manager) Transport(name string) (transport.Transport, error) {
	srv, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return srv.transport, nil
}

// Breaker returns the server's circuit breaker, or nil when the server
// is unknown. The stream coordinator reports terminal outcomes here.
func (m *Manager) Breaker(name string) *resilience.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if srv, ok := m.servers[name]; ok {
		return srv.breaker
	}
	return nil
}

// Servers returns the registered server names.
func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	return names
}

// HealthStatus reports per-server connection health.
func (m *Manager) HealthStatus() map[string]ServerHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ServerHealth, len(m.servers))
	for name, srv := range m.servers {
		out[name] = ServerHealth{
			State:               srv.state,
			LastContact:         srv.lastContact,
			ConsecutiveFailures: srv.consecutiveFailures,
			CircuitState:        srv.breaker.State(),
		}
	}
	return out
}

// Summary aggregates health across servers into a single status and a
// 0..1 score.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := len(m.servers)
	if total == 0 {
		return Summary{Status: "no_servers"}
	}

	connected := 0
	for _, srv := range m.servers {
		if srv.state == StateConnected {
			connected++
		}
	}

	s := Summary{
		Score:     float64(connected) / float64(total),
		Connected: connected,
		Total:     total,
	}
	switch {
	case connected == total:
		s.Status = "healthy"
	case connected > 0:
		s.Status = "partial"
	default:
		s.Status = "all_disconnected"
	}
	return s
}

func (m *Manager) lookup(name string) (*server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	return srv, nil
}

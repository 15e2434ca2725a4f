// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nvela/conduit/pkg/resilience"
	"github.com/nvela/conduit/pkg/transport"
)

// fakeTransport scripts connect/ping outcomes for manager tests.
type fakeTransport struct {
	mu          sync.Mutex
	connectErrs []error // consumed in order; empty means success
	pingErr     error

	connects atomic.Int64
	pings    atomic.Int64
	closes   atomic.Int64

	// blockConnect, when set, holds Connect until the channel closes.
	blockConnect chan struct{}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.connects.Add(1)
	if f.blockConnect != nil {
		<-f.blockConnect
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connectErrs) == 0 {
		return nil
	}
	err := f.connectErrs[0]
	f.connectErrs = f.connectErrs[1:]
	return err
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.pings.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTransport) OpenStream(ctx context.Context, query string) (transport.Stream, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTransport) Close() error {
	f.closes.Add(1)
	return nil
}

func stdioDesc(name string) transport.Descriptor {
	return transport.Descriptor{Name: name, Kind: transport.KindStdio, Command: "fake"}
}

func newTestManager(ft *fakeTransport, opts ...Option) *Manager {
	opts = append([]Option{
		WithTransportFactory(func(transport.Descriptor) transport.Transport { return ft }),
	}, opts...)
	return NewManager(opts...)
}

func TestRegisterDuplicateName(t *testing.T) {
	m := newTestManager(&fakeTransport{})
	if err := m.Register(stdioDesc("files")); err != nil {
		t.Fatalf("first Register() = %v", err)
	}
	if err := m.Register(stdioDesc("files")); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("duplicate Register() = %v, want ErrAlreadyRegistered", err)
	}
}

func TestRegisterInvalidDescriptor(t *testing.T) {
	m := newTestManager(&fakeTransport{})
	if err := m.Register(transport.Descriptor{Name: "x", Kind: transport.KindStdio}); err == nil {
		t.Error("Register() should reject a stdio descriptor without a command")
	}
}

func TestConnectSuccess(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestManager(ft)
	m.Register(stdioDesc("files"))

	if err := m.Connect(context.Background(), "files"); err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	hs := m.HealthStatus()["files"]
	if hs.State != StateConnected {
		t.Errorf("state = %s, want connected", hs.State)
	}
	if hs.LastContact.IsZero() {
		t.Error("LastContact not set after connect")
	}

	// Idempotent: second call must not touch the wire.
	m.Connect(context.Background(), "files")
	if got := ft.connects.Load(); got != 1 {
		t.Errorf("connects = %d, want 1", got)
	}
}

func TestConnectUnknownServer(t *testing.T) {
	m := newTestManager(&fakeTransport{})
	if err := m.Connect(context.Background(), "ghost"); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("Connect() = %v, want ErrServerNotFound", err)
	}
}

func TestConnectFailureFeedsBreaker(t *testing.T) {
	ft := &fakeTransport{connectErrs: []error{errors.New("dial tcp: connection refused")}}
	m := newTestManager(ft)
	m.Register(stdioDesc("files"))

	err := m.Connect(context.Background(), "files")
	if err == nil {
		t.Fatal("Connect() should fail")
	}

	hs := m.HealthStatus()["files"]
	if hs.State != StateFailed {
		t.Errorf("state = %s, want failed", hs.State)
	}
	if hs.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d, want 1", hs.ConsecutiveFailures)
	}
	if snap := m.Breaker("files").Snapshot(); snap.Failures != 1 {
		t.Errorf("breaker failures = %d, want 1", snap.Failures)
	}
}

func TestAuthFailureTripsCircuit(t *testing.T) {
	ft := &fakeTransport{connectErrs: []error{errors.New("401 unauthorized")}}
	m := newTestManager(ft)
	m.Register(stdioDesc("files"))

	if err := m.Connect(context.Background(), "files"); err == nil {
		t.Fatal("Connect() should fail")
	}
	if got := m.Breaker("files").State(); got != resilience.CircuitOpen {
		t.Fatalf("breaker state = %s, want open after auth failure", got)
	}

	err := m.EnsureConnected(context.Background(), "files")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("EnsureConnected() = %v, want wrapped ErrCircuitOpen", err)
	}
	// Fail fast: no extra connection attempt was made.
	if got := ft.connects.Load(); got != 1 {
		t.Errorf("connects = %d, want 1", got)
	}
}

func TestEnsureConnectedFreshConnectionSkipsProbe(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestManager(ft, WithStalenessWindow(time.Hour))
	m.Register(stdioDesc("files"))
	m.Connect(context.Background(), "files")

	if err := m.EnsureConnected(context.Background(), "files"); err != nil {
		t.Fatalf("EnsureConnected() = %v", err)
	}
	if got := ft.pings.Load(); got != 0 {
		t.Errorf("pings = %d, want 0 for a fresh connection", got)
	}
}

func TestEnsureConnectedStaleConnectionProbes(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestManager(ft, WithStalenessWindow(time.Minute))
	m.Register(stdioDesc("files"))
	m.Connect(context.Background(), "files")

	now := time.Now()
	m.now = func() time.Time { return now.Add(2 * time.Minute) }

	if err := m.EnsureConnected(context.Background(), "files"); err != nil {
		t.Fatalf("EnsureConnected() = %v", err)
	}
	if got := ft.pings.Load(); got != 1 {
		t.Errorf("pings = %d, want 1 for a stale connection", got)
	}
	if got := ft.connects.Load(); got != 1 {
		t.Errorf("connects = %d, want 1 when the probe passes", got)
	}
}

func TestEnsureConnectedReconnectsOnProbeFailure(t *testing.T) {
	ft := &fakeTransport{pingErr: errors.New("broken pipe")}
	m := newTestManager(ft, WithStalenessWindow(time.Nanosecond))
	m.Register(stdioDesc("files"))
	m.Connect(context.Background(), "files")

	time.Sleep(time.Millisecond) // let the connection go stale
	if err := m.EnsureConnected(context.Background(), "files"); err != nil {
		t.Fatalf("EnsureConnected() = %v", err)
	}
	if got := ft.closes.Load(); got != 1 {
		t.Errorf("closes = %d, want old transport closed before reconnect", got)
	}
	if got := ft.connects.Load(); got != 2 {
		t.Errorf("connects = %d, want reconnect after failed probe", got)
	}
	if hs := m.HealthStatus()["files"]; hs.State != StateConnected {
		t.Errorf("state = %s, want connected after recovery", hs.State)
	}
}

func TestConcurrentConnectsShareOneAttempt(t *testing.T) {
	ft := &fakeTransport{blockConnect: make(chan struct{})}
	m := newTestManager(ft)
	m.Register(stdioDesc("files"))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Connect(context.Background(), "files")
		}()
	}

	// Wait for the first attempt to start and the rest to pile up
	// behind it, then release everyone.
	for ft.connects.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(ft.blockConnect)
	wg.Wait()

	if got := ft.connects.Load(); got != 1 {
		t.Errorf("connects = %d, want concurrent calls collapsed to 1", got)
	}
}

func TestConcurrentFailedConnectsRecordOneFailure(t *testing.T) {
	ft := &fakeTransport{
		connectErrs:  []error{errors.New("dial tcp: connection refused")},
		blockConnect: make(chan struct{}),
	}
	m := newTestManager(ft)
	m.Register(stdioDesc("files"))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Connect(context.Background(), "files")
		}()
	}

	for ft.connects.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(ft.blockConnect)
	wg.Wait()

	if got := ft.connects.Load(); got != 1 {
		t.Fatalf("connects = %d, want concurrent calls collapsed to 1", got)
	}
	// One wire attempt is one outcome, shared by every collapsed caller.
	if snap := m.Breaker("files").Snapshot(); snap.Failures != 1 {
		t.Errorf("breaker failures = %d, want 1", snap.Failures)
	}
	if hs := m.HealthStatus()["files"]; hs.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d, want 1", hs.ConsecutiveFailures)
	}
}

func TestSummary(t *testing.T) {
	m := newTestManager(&fakeTransport{})
	if s := m.Summary(); s.Status != "no_servers" {
		t.Errorf("empty Summary().Status = %s", s.Status)
	}

	m.Register(stdioDesc("a"))
	m.Register(stdioDesc("b"))
	if s := m.Summary(); s.Status != "all_disconnected" || s.Score != 0 {
		t.Errorf("Summary() = %+v, want all_disconnected", s)
	}

	m.Connect(context.Background(), "a")
	if s := m.Summary(); s.Status != "partial" || s.Score != 0.5 || s.Connected != 1 {
		t.Errorf("Summary() = %+v, want partial 0.5", s)
	}

	m.Connect(context.Background(), "b")
	if s := m.Summary(); s.Status != "healthy" || s.Score != 1 {
		t.Errorf("Summary() = %+v, want healthy", s)
	}
}

func TestDisconnectAll(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestManager(ft)
	m.Register(stdioDesc("a"))
	m.Register(stdioDesc("b"))
	m.Connect(context.Background(), "a")
	m.Connect(context.Background(), "b")

	m.DisconnectAll()

	if got := ft.closes.Load(); got != 2 {
		t.Errorf("closes = %d, want 2", got)
	}
	for name, hs := range m.HealthStatus() {
		if hs.State != StateDisconnected {
			t.Errorf("%s state = %s, want disconnected", name, hs.State)
		}
	}
}

func TestCancelledConnectDoesNotFeedBreaker(t *testing.T) {
	ft := &fakeTransport{connectErrs: []error{context.Canceled}}
	m := newTestManager(ft)
	m.Register(stdioDesc("files"))

	if err := m.Connect(context.Background(), "files"); err == nil {
		t.Fatal("Connect() should surface the cancellation")
	}
	if snap := m.Breaker("files").Snapshot(); snap.Failures != 0 {
		t.Errorf("breaker failures = %d, want 0 for a cancelled attempt", snap.Failures)
	}
}

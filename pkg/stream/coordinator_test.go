// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	cerrors "github.com/nvela/conduit/pkg/errors"
	"github.com/nvela/conduit/pkg/resilience"
	"github.com/nvela/conduit/pkg/transport"
)

// scriptedStream plays back chunks then a terminal error (io.EOF for
// a clean end).
type scriptedStream struct {
	mu     sync.Mutex
	chunks []string
	final  error

	block chan struct{} // when set, Recv blocks here after the chunks
}

func (s *scriptedStream) Recv() (string, error) {
	s.mu.Lock()
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		s.mu.Unlock()
		return c, nil
	}
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	s.mu.Lock()
	final := s.final
	s.mu.Unlock()
	if final != nil {
		return "", final
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		default:
			close(s.block)
		}
		s.final = context.Canceled
	}
	return nil
}

// fakeConns scripts the connection layer for coordinator tests.
type fakeConns struct {
	mu         sync.Mutex
	ensureErrs []error
	openErrs   []error
	streams    []*scriptedStream
	breaker    *resilience.CircuitBreaker

	ensures int
	opens   int
}

func newFakeConns() *fakeConns {
	return &fakeConns{breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())}
}

func (f *fakeConns) EnsureConnected(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	if len(f.ensureErrs) > 0 {
		err := f.ensureErrs[0]
		f.ensureErrs = f.ensureErrs[1:]
		return err
	}
	return nil
}

func (f *fakeConns) Transport(name string) (transport.Transport, error) {
	return (*fakeConnTransport)(f), nil
}

func (f *fakeConns) Breaker(name string) *resilience.CircuitBreaker {
	return f.breaker
}

type fakeConnTransport fakeConns

func (f *fakeConnTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeConnTransport) Ping(ctx context.Context) error    { return nil }
func (f *fakeConnTransport) Close() error                      { return nil }

func (f *fakeConnTransport) OpenStream(ctx context.Context, query string) (transport.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.streams) == 0 {
		return &scriptedStream{}, nil
	}
	st := f.streams[0]
	f.streams = f.streams[1:]
	return st, nil
}

// capture collects callback activity and signals the terminal event.
type capture struct {
	mu        sync.Mutex
	chunks    []string
	completes int
	errors    []cerrors.Record
	terminal  chan struct{}
}

func newCapture() *capture {
	return &capture{terminal: make(chan struct{}, 2)}
}

func (c *capture) callbacks() Callbacks {
	return Callbacks{
		OnChunk: func(text string) {
			c.mu.Lock()
			c.chunks = append(c.chunks, text)
			c.mu.Unlock()
		},
		OnComplete: func(string) {
			c.mu.Lock()
			c.completes++
			c.mu.Unlock()
			c.terminal <- struct{}{}
		},
		OnError: func(rec cerrors.Record) {
			c.mu.Lock()
			c.errors = append(c.errors, rec)
			c.mu.Unlock()
			c.terminal <- struct{}{}
		},
	}
}

func (c *capture) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.terminal:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not reach a terminal callback")
	}
}

func (c *capture) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.chunks, "")
}

// fakeMetrics records classified failures.
type fakeMetrics struct {
	mu   sync.Mutex
	recs []cerrors.Record
}

func (m *fakeMetrics) Record(rec cerrors.Record) {
	m.mu.Lock()
	m.recs = append(m.recs, rec)
	m.mu.Unlock()
}

func fastRetry() resilience.RetryPolicy {
	return resilience.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
}

func TestSendQueryHappyPath(t *testing.T) {
	conns := newFakeConns()
	conns.streams = []*scriptedStream{{chunks: []string{"pong"}}}
	cap := newCapture()
	c := NewCoordinator(conns, WithRetryPolicy(fastRetry()))

	c.SendQuery(context.Background(), "alpha", "ping", cap.callbacks())
	cap.wait(t)

	if got := cap.text(); got != "pong" {
		t.Errorf("delivered %q, want %q", got, "pong")
	}
	if cap.completes != 1 || len(cap.errors) != 0 {
		t.Errorf("completes = %d, errors = %v; want exactly one complete", cap.completes, cap.errors)
	}
	if conns.breaker.State() != resilience.CircuitClosed {
		t.Error("breaker should remain closed after success")
	}
}

func TestSendQueryTransientFailureThenRecovery(t *testing.T) {
	conns := newFakeConns()
	conns.openErrs = []error{errors.New("dial tcp: connection refused"), nil}
	conns.streams = []*scriptedStream{{chunks: []string{"ok"}}}
	cap := newCapture()
	met := &fakeMetrics{}
	c := NewCoordinator(conns, WithRetryPolicy(fastRetry()), WithMetrics(met))

	c.SendQuery(context.Background(), "alpha", "q", cap.callbacks())
	cap.wait(t)

	if cap.completes != 1 || len(cap.errors) != 0 {
		t.Fatalf("completes = %d, errors = %v; want recovery with no error surfaced", cap.completes, cap.errors)
	}
	if got := cap.text(); got != "ok" {
		t.Errorf("delivered %q, want %q", got, "ok")
	}
	met.mu.Lock()
	defer met.mu.Unlock()
	if len(met.recs) != 1 || met.recs[0].Category != cerrors.CategoryNetwork {
		t.Errorf("metrics = %+v, want one NETWORK record", met.recs)
	}
}

func TestSendQueryExhaustedRetries(t *testing.T) {
	conns := newFakeConns()
	conns.openErrs = []error{
		errors.New("connection reset by peer"),
		errors.New("connection reset by peer"),
		errors.New("connection reset by peer"),
	}
	cap := newCapture()
	met := &fakeMetrics{}
	c := NewCoordinator(conns, WithRetryPolicy(fastRetry()), WithMetrics(met))

	c.SendQuery(context.Background(), "alpha", "q", cap.callbacks())
	cap.wait(t)

	if len(cap.errors) != 1 || cap.completes != 0 {
		t.Fatalf("errors = %v, completes = %d; want exactly one error", cap.errors, cap.completes)
	}
	if cap.errors[0].Category != cerrors.CategoryNetwork {
		t.Errorf("error category = %s, want NETWORK", cap.errors[0].Category)
	}

	// Three attempts were made; the exhausted sequence counts once
	// against the circuit.
	conns.mu.Lock()
	opens := conns.opens
	conns.mu.Unlock()
	if opens != 3 {
		t.Errorf("open attempts = %d, want 3", opens)
	}
	if snap := conns.breaker.Snapshot(); snap.Failures != 1 {
		t.Errorf("breaker failures = %d, want 1", snap.Failures)
	}
}

func TestSendQueryNonRetryableFailsImmediately(t *testing.T) {
	conns := newFakeConns()
	conns.openErrs = []error{errors.New("401 unauthorized")}
	cap := newCapture()
	c := NewCoordinator(conns, WithRetryPolicy(fastRetry()))

	c.SendQuery(context.Background(), "alpha", "q", cap.callbacks())
	cap.wait(t)

	if len(cap.errors) != 1 {
		t.Fatalf("errors = %v, want one", cap.errors)
	}
	if cap.errors[0].Category != cerrors.CategoryAuthentication {
		t.Errorf("category = %s, want AUTHENTICATION", cap.errors[0].Category)
	}
	conns.mu.Lock()
	opens := conns.opens
	conns.mu.Unlock()
	if opens != 1 {
		t.Errorf("open attempts = %d, want no retry for auth failures", opens)
	}
}

func TestCircuitRejectionDoesNotExtendCooldown(t *testing.T) {
	conns := newFakeConns()
	conns.breaker.TripOpen()
	before := conns.breaker.Snapshot().OpenedAt

	// Wide enough gap that a wrongly recorded outcome would visibly
	// move OpenedAt forward.
	time.Sleep(5 * time.Millisecond)
	conns.ensureErrs = []error{
		cerrors.New(cerrors.CategoryNetwork, "server alpha: circuit open", resilience.ErrCircuitOpen).
			WithServer("alpha").
			WithRetryable(false),
	}
	cap := newCapture()
	met := &fakeMetrics{}
	c := NewCoordinator(conns, WithRetryPolicy(fastRetry()), WithMetrics(met))

	c.SendQuery(context.Background(), "alpha", "q", cap.callbacks())
	cap.wait(t)

	if len(cap.errors) != 1 || cap.errors[0].Category != cerrors.CategoryNetwork {
		t.Fatalf("errors = %v, want one NETWORK record", cap.errors)
	}
	if after := conns.breaker.Snapshot().OpenedAt; !after.Equal(before) {
		t.Errorf("OpenedAt moved %v -> %v; a fail-fast rejection must not restart the cooldown", before, after)
	}
	met.mu.Lock()
	recs := len(met.recs)
	met.mu.Unlock()
	if recs != 0 {
		t.Errorf("metrics records = %d, want none for a call that never reached the server", recs)
	}
	conns.mu.Lock()
	opens := conns.opens
	conns.mu.Unlock()
	if opens != 0 {
		t.Errorf("open attempts = %d, want 0 while rejected", opens)
	}
}

func TestAuthFailureDuringDispatchTripsCircuit(t *testing.T) {
	conns := newFakeConns()
	conns.openErrs = []error{errors.New("401 unauthorized")}
	cap := newCapture()
	c := NewCoordinator(conns, WithRetryPolicy(fastRetry()))

	c.SendQuery(context.Background(), "alpha", "q", cap.callbacks())
	cap.wait(t)

	if got := conns.breaker.State(); got != resilience.CircuitOpen {
		t.Errorf("breaker state = %s, want open after an authentication failure", got)
	}
	if err := conns.breaker.Allow(); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Allow() = %v, want rejection while tripped", err)
	}
}

func TestInterruptDoesNotPenalize(t *testing.T) {
	conns := newFakeConns()
	st := &scriptedStream{chunks: []string{"partial "}, block: make(chan struct{})}
	conns.streams = []*scriptedStream{st}
	cap := newCapture()
	met := &fakeMetrics{}
	c := NewCoordinator(conns,
		WithRetryPolicy(fastRetry()),
		WithMetrics(met),
		WithBufferConfig(BufferConfig{MinFlushSize: 1, MaxBufferSize: 100, FlushOnBoundary: true}))

	id := c.SendQuery(context.Background(), "alpha", "q", cap.callbacks())

	// Wait for the first chunk so the stream is live, then stop.
	deadline := time.Now().Add(5 * time.Second)
	for cap.text() == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	c.Interrupt(id)
	cap.wait(t)

	if cap.completes != 1 || len(cap.errors) != 0 {
		t.Errorf("completes = %d, errors = %v; interruption must not surface an error", cap.completes, cap.errors)
	}
	if snap := conns.breaker.Snapshot(); snap.Failures != 0 {
		t.Errorf("breaker failures = %d, want 0 after interrupt", snap.Failures)
	}
	met.mu.Lock()
	defer met.mu.Unlock()
	if len(met.recs) != 0 {
		t.Errorf("metrics = %+v, want none for an interruption", met.recs)
	}
	if st := c.Status(); st.State != SessionIdle {
		t.Errorf("status = %+v, want idle after interrupt", st)
	}
}

func TestNewQueryInterruptsPrior(t *testing.T) {
	conns := newFakeConns()
	blocked := &scriptedStream{block: make(chan struct{})}
	conns.streams = []*scriptedStream{blocked, {chunks: []string{"second"}}}
	first := newCapture()
	second := newCapture()
	c := NewCoordinator(conns, WithRetryPolicy(fastRetry()))

	c.SendQuery(context.Background(), "alpha", "one", first.callbacks())

	// Ensure the first session is streaming before superseding it.
	deadline := time.Now().Add(5 * time.Second)
	for c.Status().State != SessionStreaming && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	c.SendQuery(context.Background(), "alpha", "two", second.callbacks())
	first.wait(t)
	second.wait(t)

	if len(first.errors) != 1 || first.errors[0].Category != cerrors.CategoryCancelled {
		t.Errorf("first session errors = %v, want one CANCELLED record", first.errors)
	}
	if second.completes != 1 || second.text() != "second" {
		t.Errorf("second session: completes = %d, text = %q", second.completes, second.text())
	}
	if snap := conns.breaker.Snapshot(); snap.Failures != 0 {
		t.Errorf("breaker failures = %d, superseding must not penalize", snap.Failures)
	}
}

func TestStatusIdleWhenNoSession(t *testing.T) {
	c := NewCoordinator(newFakeConns())
	if st := c.Status(); st.State != SessionIdle || st.Streaming {
		t.Errorf("Status() = %+v, want idle", st)
	}
}

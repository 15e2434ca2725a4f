// SPDX-License-Identifier: Apache-2.0

// Package stream drives streaming queries: one active session at a
// time, whole-request retry on transient failures, cooperative
// interruption and word-boundary buffered delivery to the UI callbacks.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	cerrors "github.com/nvela/conduit/pkg/errors"
	"github.com/nvela/conduit/pkg/resilience"
	"github.com/nvela/conduit/pkg/transport"
)

// SessionState is the lifecycle phase of one streaming session.
type SessionState string

const (
	SessionIdle        SessionState = "idle"
	SessionDispatching SessionState = "dispatching"
	SessionStreaming   SessionState = "streaming"
	SessionCompleted   SessionState = "completed"
	SessionFailed      SessionState = "failed"
	SessionInterrupted SessionState = "interrupted"
)

// Callbacks receive session output. They are called from the session
// goroutine (or the interrupter) and must be cheap or dispatch their
// own work; chunk delivery within a session is strictly ordered.
type Callbacks struct {
	OnChunk    func(text string)
	OnComplete func(sessionID string)
	OnError    func(rec cerrors.Record)
}

// Connections is the slice of the connection manager the coordinator
// needs. *conn.Manager implements it.
type Connections interface {
	EnsureConnected(ctx context.Context, name string) error
	Transport(name string) (transport.Transport, error)
	Breaker(name string) *resilience.CircuitBreaker
}

// Recorder receives classified failure records. *metrics.ErrorMetrics
// implements it.
type Recorder interface {
	Record(rec cerrors.Record)
}

// Status is a point-in-time view of the coordinator for the UI.
type Status struct {
	Streaming bool         `json:"streaming"`
	SessionID string       `json:"session_id,omitempty"`
	Server    string       `json:"server,omitempty"`
	State     SessionState `json:"state"`
	Attempt   int          `json:"attempt,omitempty"`
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetryPolicy overrides the retry policy applied across whole
// delivery attempts.
func WithRetryPolicy(rp resilience.RetryPolicy) CoordinatorOption {
	return func(c *Coordinator) { c.retry = rp }
}

// WithBufferConfig overrides the response buffer configuration.
func WithBufferConfig(cfg BufferConfig) CoordinatorOption {
	return func(c *Coordinator) { c.bufCfg = cfg }
}

// WithRateLimit gates dispatch attempts with a token bucket.
func WithRateLimit(limit rate.Limit, burst int) CoordinatorOption {
	return func(c *Coordinator) { c.limiter = rate.NewLimiter(limit, burst) }
}

// WithMetrics records classified failures into the given recorder.
func WithMetrics(rec Recorder) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = rec }
}

// Coordinator runs streaming queries against servers held by a
// connection manager. Only one session is active at a time: starting a
// new query interrupts the previous session first, which keeps UI
// state predictable.
type Coordinator struct {
	conns   Connections
	logger  *slog.Logger
	retry   resilience.RetryPolicy
	bufCfg  BufferConfig
	limiter *rate.Limiter
	metrics Recorder

	mu     sync.Mutex
	active *session
}

// NewCoordinator creates a Coordinator over the given connections.
func NewCoordinator(conns Connections, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		conns:  conns,
		logger: slog.Default(),
		retry:  resilience.DefaultRetryPolicy(),
		bufCfg: DefaultBufferConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type session struct {
	id     string
	server string
	query  string
	cb     Callbacks

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       SessionState
	attempt     int
	stream      transport.Stream
	interrupted bool

	terminal sync.Once
}

func (s *session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) setStream(st transport.Stream) {
	s.mu.Lock()
	s.stream = st
	s.mu.Unlock()
}

// abort cancels the session and closes any open stream. Safe to call
// from any goroutine.
func (s *session) abort() {
	s.mu.Lock()
	s.interrupted = true
	st := s.stream
	s.mu.Unlock()

	s.cancel()
	if st != nil {
		_ = st.Close()
	}
}

func (s *session) wasInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// SendQuery starts a streaming session for text against server and
// returns its session id. Any prior active session is interrupted
// first; its OnError receives a Cancelled record, which the UI renders
// as an interruption rather than a failure.
func (c *Coordinator) SendQuery(ctx context.Context, server, text string, cb Callbacks) string {
	sctx, cancel := context.WithCancel(ctx)
	sess := &session{
		id:     uuid.NewString(),
		server: server,
		query:  text,
		cb:     cb,
		ctx:    sctx,
		cancel: cancel,
		state:  SessionDispatching,
	}

	c.mu.Lock()
	prior := c.active
	c.active = sess
	c.mu.Unlock()

	if prior != nil {
		c.logger.Debug("interrupting prior session", "session_id", prior.id)
		prior.abort()
		prior.setState(SessionInterrupted)
		prior.terminal.Do(func() {
			if prior.cb.OnError != nil {
				prior.cb.OnError(cancelledRecord(prior.server))
			}
		})
	}

	go c.run(sess)
	return sess.id
}

// Interrupt cooperatively stops the session if it is still active. The
// session ends with OnComplete, not OnError: a user stop is not a
// failure, and neither the circuit breaker nor the error metrics see
// it.
func (c *Coordinator) Interrupt(sessionID string) {
	c.mu.Lock()
	sess := c.active
	if sess == nil || sess.id != sessionID {
		c.mu.Unlock()
		return
	}
	c.active = nil
	c.mu.Unlock()

	c.logger.Info("session interrupted", "session_id", sessionID)
	sess.abort()
	sess.setState(SessionInterrupted)
	sess.terminal.Do(func() {
		if sess.cb.OnComplete != nil {
			sess.cb.OnComplete(sess.id)
		}
	})
}

// Status reports the active session, or an idle status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	sess := c.active
	c.mu.Unlock()

	if sess == nil {
		return Status{State: SessionIdle}
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Status{
		Streaming: sess.state == SessionStreaming,
		SessionID: sess.id,
		Server:    sess.server,
		State:     sess.state,
		Attempt:   sess.attempt,
	}
}

// run drives the attempt loop for one session. The whole request
// restarts from scratch on a retryable failure; text already delivered
// stays in place and no retraction is emitted.
func (c *Coordinator) run(sess *session) {
	defer c.clearActive(sess)

	buffer := NewResponseBuffer(c.bufCfg, func(text string) error {
		if sess.cb.OnChunk != nil {
			sess.cb.OnChunk(text)
		}
		return nil
	}, c.logger)

	for attempt := 1; ; attempt++ {
		sess.mu.Lock()
		sess.attempt = attempt
		sess.mu.Unlock()

		if c.limiter != nil {
			if err := c.limiter.Wait(sess.ctx); err != nil {
				c.finishInterrupted(sess)
				return
			}
		}

		sess.setState(SessionDispatching)
		err := c.attempt(sess, buffer)
		if err == nil {
			sess.setState(SessionCompleted)
			if br := c.conns.Breaker(sess.server); br != nil {
				br.RecordSuccess()
			}
			sess.terminal.Do(func() {
				if sess.cb.OnComplete != nil {
					sess.cb.OnComplete(sess.id)
				}
			})
			return
		}

		classified := cerrors.Classify(err).WithServer(sess.server)

		if classified.Category == cerrors.CategoryCancelled || sess.wasInterrupted() {
			c.finishInterrupted(sess)
			return
		}

		c.logger.Warn("delivery attempt failed",
			"session_id", sess.id,
			"server", sess.server,
			"attempt", attempt,
			"category", classified.Category,
			"error", classified)
		// A circuit-open rejection never touched the wire; it is not an
		// observed server error.
		if c.metrics != nil && !errors.Is(classified, resilience.ErrCircuitOpen) {
			c.metrics.Record(classified.Record())
		}

		var delay time.Duration
		ok := false
		if classified.Retryable {
			delay, ok = c.retry.NextDelay(attempt, classified.Category)
		}
		if !ok {
			c.fail(sess, classified)
			return
		}

		buffer.Reset()
		if err := resilience.Sleep(sess.ctx, delay); err != nil {
			// Interrupted during backoff.
			c.finishInterrupted(sess)
			return
		}
	}
}

// attempt performs one full delivery: ensure a healthy connection,
// open the stream, pump chunks through the buffer until end-of-stream.
func (c *Coordinator) attempt(sess *session, buffer *ResponseBuffer) error {
	if err := c.conns.EnsureConnected(sess.ctx, sess.server); err != nil {
		return err
	}

	tr, err := c.conns.Transport(sess.server)
	if err != nil {
		return err
	}

	st, err := tr.OpenStream(sess.ctx, sess.query)
	if err != nil {
		return err
	}
	sess.setStream(st)
	defer func() {
		sess.setStream(nil)
		_ = st.Close()
	}()

	sess.setState(SessionStreaming)
	for {
		if err := sess.ctx.Err(); err != nil {
			return err
		}
		chunk, err := st.Recv()
		if err == io.EOF {
			buffer.Flush()
			return nil
		}
		if err != nil {
			return err
		}
		buffer.Feed(chunk)
	}
}

// fail settles a session whose retry budget is spent (or whose error
// is not retryable). The exhausted sequence counts once against the
// server's circuit; authentication failures trip it open outright, and
// a circuit-open rejection is not reported back to the circuit that
// issued it, or every query during cooldown would restart the cooldown.
func (c *Coordinator) fail(sess *session, classified *cerrors.Error) {
	sess.setState(SessionFailed)
	if br := c.conns.Breaker(sess.server); br != nil {
		switch {
		case errors.Is(classified, resilience.ErrCircuitOpen):
		case classified.Category == cerrors.CategoryAuthentication:
			br.TripOpen()
		default:
			br.RecordFailure()
		}
	}
	c.logger.Error("session failed",
		"session_id", sess.id,
		"server", sess.server,
		"category", classified.Category,
		"error", classified)
	sess.terminal.Do(func() {
		if sess.cb.OnError != nil {
			sess.cb.OnError(classified.Record())
		}
	})
}

func (c *Coordinator) finishInterrupted(sess *session) {
	sess.setState(SessionInterrupted)
	sess.terminal.Do(func() {
		if sess.cb.OnComplete != nil {
			sess.cb.OnComplete(sess.id)
		}
	})
}

func (c *Coordinator) clearActive(sess *session) {
	c.mu.Lock()
	if c.active == sess {
		c.active = nil
	}
	c.mu.Unlock()
}

func cancelledRecord(server string) cerrors.Record {
	return cerrors.New(cerrors.CategoryCancelled, "superseded by a new query", nil).
		WithServer(server).
		Record()
}

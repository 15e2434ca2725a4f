// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// BufferConfig controls chunk aggregation between the raw network
// stream and the consumer callback.
type BufferConfig struct {
	// MinFlushSize is the smallest buffered length that a boundary
	// character may flush.
	MinFlushSize int

	// MaxBufferSize forces a flush regardless of boundaries. Single
	// chunks larger than this are split before buffering.
	MaxBufferSize int

	// FlushOnBoundary enables flushing at whitespace/punctuation once
	// MinFlushSize is reached. When false only MaxBufferSize and
	// explicit Flush emit.
	FlushOnBoundary bool

	// MaxConsumerFailures is how many consecutive consumer errors are
	// tolerated before output is dropped instead of delivered.
	MaxConsumerFailures int
}

// DefaultBufferConfig returns the buffer defaults.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		MinFlushSize:        16,
		MaxBufferSize:       100,
		FlushOnBoundary:     true,
		MaxConsumerFailures: 5,
	}
}

// BufferStats reports cumulative buffer activity.
type BufferStats struct {
	ChunksProcessed  int     `json:"chunks_processed"`
	FlushesPerformed int     `json:"flushes_performed"`
	TotalCharacters  int     `json:"total_characters"`
	CurrentBuffered  int     `json:"current_buffered"`
	DroppedFlushes   int     `json:"dropped_flushes"`
	AverageChunkSize float64 `json:"average_chunk_size"`
	AverageFlushSize float64 `json:"average_flush_size"`
}

// ResponseBuffer aggregates raw stream chunks into consumer-friendly
// pieces: it holds text until a word boundary (or the size cap) so the
// consumer sees smooth, bounded updates instead of token dribble.
//
// Consumer failures get a lightweight backstop separate from any
// per-server circuit: after MaxConsumerFailures consecutive errors the
// buffer drops output instead of calling the consumer, and a later
// success resets the count. A broken renderer must not kill the stream.
type ResponseBuffer struct {
	cfg     BufferConfig
	logger  *slog.Logger
	consume func(string) error

	mu               sync.Mutex
	buf              strings.Builder
	chunksProcessed  int
	flushesPerformed int
	totalCharacters  int
	flushedChars     int
	droppedFlushes   int
	consumerFailures int
}

// NewResponseBuffer creates a buffer delivering to consume.
func NewResponseBuffer(cfg BufferConfig, consume func(string) error, logger *slog.Logger) *ResponseBuffer {
	if cfg.MinFlushSize < 1 {
		cfg.MinFlushSize = DefaultBufferConfig().MinFlushSize
	}
	if cfg.MaxBufferSize < cfg.MinFlushSize {
		cfg.MaxBufferSize = DefaultBufferConfig().MaxBufferSize
	}
	if cfg.MaxConsumerFailures < 1 {
		cfg.MaxConsumerFailures = DefaultBufferConfig().MaxConsumerFailures
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseBuffer{cfg: cfg, logger: logger, consume: consume}
}

// Feed adds one raw chunk, emitting buffered output whenever the
// boundary or size policy says so. Oversized chunks are split at word
// boundaries before buffering so no single delivery exceeds the cap.
func (b *ResponseBuffer) Feed(chunk string) {
	if chunk == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunksProcessed++
	b.totalCharacters += len(chunk)

	for len(chunk) > b.cfg.MaxBufferSize {
		cut := lastBoundary(chunk[:b.cfg.MaxBufferSize])
		if cut <= 0 {
			// No boundary in range: mid-token split as last resort, backed
			// off so a multi-byte rune is never torn across deliveries.
			cut = b.cfg.MaxBufferSize
			for cut > 0 && !utf8.RuneStart(chunk[cut]) {
				cut--
			}
			if cut == 0 {
				cut = b.cfg.MaxBufferSize
			}
		}
		b.buf.WriteString(chunk[:cut])
		b.emitLocked(b.takeAll())
		chunk = chunk[cut:]
	}
	b.buf.WriteString(chunk)

	if b.buf.Len() >= b.cfg.MaxBufferSize {
		b.emitLocked(b.takeAll())
		return
	}
	if b.cfg.FlushOnBoundary && b.buf.Len() >= b.cfg.MinFlushSize {
		if out := b.takeToBoundary(); out != "" {
			b.emitLocked(out)
		}
	}
}

// Flush emits everything still buffered. Called at end of stream.
func (b *ResponseBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() == 0 {
		return
	}
	b.emitLocked(b.takeAll())
}

// Reset discards buffered content and forgives consumer failures.
// Used when a request restarts from scratch.
func (b *ResponseBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
	b.consumerFailures = 0
}

// Stats returns a snapshot of cumulative buffer activity.
func (b *ResponseBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := BufferStats{
		ChunksProcessed:  b.chunksProcessed,
		FlushesPerformed: b.flushesPerformed,
		TotalCharacters:  b.totalCharacters,
		CurrentBuffered:  b.buf.Len(),
		DroppedFlushes:   b.droppedFlushes,
	}
	if b.chunksProcessed > 0 {
		s.AverageChunkSize = float64(b.totalCharacters) / float64(b.chunksProcessed)
	}
	if b.flushesPerformed > 0 {
		s.AverageFlushSize = float64(b.flushedChars) / float64(b.flushesPerformed)
	}
	return s
}

func (b *ResponseBuffer) takeAll() string {
	out := b.buf.String()
	b.buf.Reset()
	return out
}

// takeToBoundary cuts the buffer at its last boundary character,
// keeping the trailing partial token for the next feed.
func (b *ResponseBuffer) takeToBoundary() string {
	s := b.buf.String()
	cut := lastBoundary(s)
	if cut <= 0 {
		return ""
	}
	b.buf.Reset()
	b.buf.WriteString(s[cut:])
	return s[:cut]
}

func (b *ResponseBuffer) emitLocked(text string) {
	if text == "" || b.consume == nil {
		return
	}

	if b.consumerFailures >= b.cfg.MaxConsumerFailures {
		b.droppedFlushes++
		b.logger.Error("consumer disabled after repeated failures, dropping output",
			"failures", b.consumerFailures,
			"dropped_chars", len(text))
		return
	}

	if err := b.safeConsume(text); err != nil {
		b.consumerFailures++
		b.logger.Error("consumer callback failed",
			"failures", b.consumerFailures,
			"max", b.cfg.MaxConsumerFailures,
			"error", err)
		return
	}

	if b.consumerFailures > 0 {
		b.logger.Info("consumer callback recovered", "after_failures", b.consumerFailures)
		b.consumerFailures = 0
	}
	b.flushesPerformed++
	b.flushedChars += len(text)
}

func (b *ResponseBuffer) safeConsume(text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panic: %v", r)
		}
	}()
	return b.consume(text)
}

// lastBoundary returns the index just past the last whitespace or
// punctuation rune in s, or 0 when s has none.
func lastBoundary(s string) int {
	for i := len(s); i > 0; {
		r, size := utf8.DecodeLastRuneInString(s[:i])
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			return i
		}
		i -= size
	}
	return 0
}

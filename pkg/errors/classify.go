// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"context"
	goerrors "errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// Classify maps a raw transport or protocol failure into the closed
// taxonomy. Already-classified errors pass through untouched. Anything
// unrecognized becomes CategoryUnknown, biased toward retry so transient
// misclassifications recover on their own, but logged distinctly by
// callers so the bias stays visible.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ce *Error
	if goerrors.As(err, &ce) {
		return ce
	}

	if cat, ok := classifyTyped(err); ok {
		return New(cat, cat.UserMessage(), err)
	}
	if cat, ok := classifyMessage(err.Error()); ok {
		return New(cat, cat.UserMessage(), err)
	}
	return New(CategoryUnknown, CategoryUnknown.UserMessage(), err)
}

// classifyTyped handles errors the standard library lets us inspect
// structurally. Checked before the message heuristics.
func classifyTyped(err error) (Category, bool) {
	switch {
	case goerrors.Is(err, context.Canceled):
		return CategoryCancelled, true
	case goerrors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout, true
	}

	var netErr net.Error
	if goerrors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout, true
	}

	var dnsErr *net.DNSError
	if goerrors.As(err, &dnsErr) {
		return CategoryNetwork, true
	}

	switch {
	case goerrors.Is(err, syscall.ECONNREFUSED),
		goerrors.Is(err, syscall.ECONNRESET),
		goerrors.Is(err, syscall.EPIPE),
		goerrors.Is(err, io.ErrUnexpectedEOF):
		return CategoryNetwork, true
	case goerrors.Is(err, syscall.EMFILE),
		goerrors.Is(err, syscall.ENFILE),
		goerrors.Is(err, syscall.EAGAIN):
		return CategoryResourceExhaustion, true
	}

	var opErr *net.OpError
	if goerrors.As(err, &opErr) {
		return CategoryNetwork, true
	}

	return CategoryUnknown, false
}

// classifyMessage is the fallback for errors that only carry a string.
// Transport libraries and remote servers flatten most failures into
// text, so substring matching is the practical last line.
func classifyMessage(msg string) (Category, bool) {
	lower := strings.ToLower(msg)

	contains := func(subs ...string) bool {
		for _, sub := range subs {
			if strings.Contains(lower, sub) {
				return true
			}
		}
		return false
	}

	switch {
	case contains("cancelled", "canceled", "interrupted"):
		return CategoryCancelled, true
	case contains("401", "unauthorized", "403", "forbidden", "authentication", "invalid api key", "credential"):
		return CategoryAuthentication, true
	case contains("429", "rate limit", "quota exceeded", "too many requests"):
		return CategoryRateLimit, true
	case contains("timeout", "timed out", "deadline exceeded"):
		return CategoryTimeout, true
	case contains("too many open files", "resource exhausted", "out of memory", "insufficient resources"):
		return CategoryResourceExhaustion, true
	case contains("500", "502", "503", "504", "internal server error", "unavailable", "bad gateway"):
		return CategoryServerError, true
	case contains("jsonrpc", "json-rpc", "protocol", "malformed", "parse error", "unexpected message", "invalid response"):
		return CategoryProtocol, true
	case contains("connection refused", "connection reset", "broken pipe", "no such host", "network is unreachable", "connection closed"):
		return CategoryNetwork, true
	}
	return CategoryUnknown, false
}

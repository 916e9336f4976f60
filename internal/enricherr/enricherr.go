// Package enricherr defines the closed error taxonomy for external calls
// made by the enrichment pipeline, plus the retry/backoff policy shared by
// the analysis and embedding clients. Callers classify failures by Kind via
// errors.As, never by probing response attributes.
package enricherr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Kind enumerates every failure class an external call can surface.
type Kind int

const (
	// KindTimeout: the call exceeded its per-call deadline. Transient.
	KindTimeout Kind = iota
	// KindServiceError: non-success status or malformed response. Transient.
	KindServiceError
	// KindQuotaExceeded: explicit rate/quota signal from the provider.
	// Transient, and additionally a backpressure signal.
	KindQuotaExceeded
	// KindPayloadTooLarge: inline payload over the provider limit. Handled
	// by switching to the upload strategy, not retried as-is.
	KindPayloadTooLarge
	// KindAnalysisFailed: terminal, analysis retries exhausted. The clip
	// keeps no thumbnail selection.
	KindAnalysisFailed
	// KindEmbeddingFailed: terminal, per-slot embedding retries exhausted.
	// Only the owning slot stays empty.
	KindEmbeddingFailed
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindServiceError:
		return "service_error"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindAnalysisFailed:
		return "analysis_failed"
	case KindEmbeddingFailed:
		return "embedding_failed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error carries the structured fields callers may need alongside the kind.
type Error struct {
	Kind       Kind
	StatusCode int           // HTTP status when the provider answered, else 0
	RetryAfter time.Duration // provider hint on quota errors, else 0
	Message    string
	Err        error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a taxonomy error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the taxonomy kind from err. Plain context deadline and
// network timeout errors classify as KindTimeout; anything else unknown
// classifies as KindServiceError.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}
	return KindServiceError
}

// IsTransient reports whether a failure of this kind may succeed on retry.
func IsTransient(k Kind) bool {
	switch k {
	case KindTimeout, KindServiceError, KindQuotaExceeded:
		return true
	}
	return false
}

// RetryAfterFrom parses a response's Retry-After header into the wait hint
// carried on quota errors. Zero when absent or unparseable.
func RetryAfterFrom(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// RetryPolicy governs per-call deadline, retry budget and backoff shape for
// one class of external call. The zero value is unusable; use Defaults.
type RetryPolicy struct {
	Timeout    time.Duration // per attempt, not per operation
	MaxRetries int           // retries after the first attempt
	Backoff    time.Duration // base delay, doubled each retry
}

// Defaults returns the policy observed to be safe against the provider:
// 30s per call, 2 retries, exponential backoff from 1s.
func Defaults() RetryPolicy {
	return RetryPolicy{Timeout: 30 * time.Second, MaxRetries: 2, Backoff: time.Second}
}

// Do runs fn under the policy: each attempt gets its own deadline, transient
// failures are retried with exponential backoff, and a quota hint from the
// provider extends the wait. The last error is returned after the budget is
// exhausted. Non-transient failures return immediately.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.Backoff << (attempt - 1)
			var e *Error
			if errors.As(lastErr, &e) && e.Kind == KindQuotaExceeded && e.RetryAfter > delay {
				delay = e.RetryAfter
			}
			logger.Warn("retrying external call",
				"op", op, "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}

		// Normalize so callers always see the taxonomy.
		kind := KindOf(err)
		var e *Error
		if !errors.As(err, &e) {
			err = Wrap(kind, err)
		}
		lastErr = err

		if !IsTransient(kind) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

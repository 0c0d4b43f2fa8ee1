// Package httpx holds the client-side plumbing shared by the source
// and destination adapters: upstream error classification, retry with
// capped exponential backoff, and token-bucket rate limiting.
package httpx

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/erauner12/capsync/internal/domain"
)

// ClassifyStatus maps an upstream HTTP status into the engine's error
// taxonomy. 2xx returns nil.
func ClassifyStatus(status int, body string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &domain.AuthError{Err: fmt.Errorf("status %d: %s", status, body)}
	case status == http.StatusNotFound:
		return domain.ErrNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		return domain.Retryable(fmt.Errorf("status %d: %s", status, body))
	default:
		return domain.Permanent(fmt.Errorf("status %d: %s", status, body))
	}
}

// Retry runs fn, retrying only Retryable errors, up to max attempts
// with exponential backoff starting at base. Context cancellation
// aborts between attempts.
func Retry(ctx context.Context, max int, base time.Duration, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = 30 * time.Second

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max)), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if domain.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// Limiter is a token bucket. Wait blocks until a token is available or
// the context is done.
type Limiter struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	rate   float64 // tokens per second
	last   time.Time
}

// NewLimiter returns a limiter refilling at rps tokens per second with
// the given burst capacity. A non-positive rps disables limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		tokens: float64(burst),
		burst:  float64(burst),
		rate:   rps,
		last:   time.Now(),
	}
}

// Wait consumes one token, sleeping as needed.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.rate <= 0 {
		return nil
	}
	for {
		l.mu.Lock()
		now := time.Now()
		l.tokens += now.Sub(l.last).Seconds() * l.rate
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
		l.last = now
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

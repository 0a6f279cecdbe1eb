package llm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behavior for model API calls.
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableStatus []int
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		RetryableStatus: []int{429, 500, 502, 503, 504},
	}
}

// RateLimiter spaces calls at least interval apart.
type RateLimiter struct {
	mu       sync.Mutex
	lastCall time.Time
	interval time.Duration
}

// NewRateLimiter returns nil, meaning unlimited, for requestsPerSecond <= 0.
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	return &RateLimiter{interval: time.Duration(float64(time.Second) / requestsPerSecond)}
}

// Wait blocks until the next call may go out or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	rl.mu.Lock()
	now := time.Now()
	next := rl.lastCall.Add(rl.interval)
	if next.Before(now) {
		next = now
	}
	rl.lastCall = next
	rl.mu.Unlock()

	if d := time.Until(next); d > 0 {
		log.Debug().Dur("sleep", d).Msg("rate limiting model call")
		return sleep(ctx, d)
	}
	return nil
}

// RetryingTransport retries transport errors and retryable status codes
// with jittered exponential backoff. Request bodies are replayed through
// GetBody, so requests without one are sent once.
type RetryingTransport struct {
	Base    http.RoundTripper
	Retry   RetryConfig
	Limiter *RateLimiter
}

func (t *RetryingTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *RetryingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	retries := t.Retry.MaxRetries
	if req.Body != nil && req.GetBody == nil {
		retries = 0
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := t.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
		r := req
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("replay body: %w", err)
			}
			r = req.Clone(ctx)
			r.Body = body
		}

		resp, err := t.base().RoundTrip(r)
		switch {
		case err != nil:
			lastErr = err
		case slices.Contains(t.Retry.RetryableStatus, resp.StatusCode) && attempt < retries:
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			resp.Body.Close()
		default:
			return resp, nil
		}
		if attempt >= retries {
			return nil, lastErr
		}

		delay := t.calculateDelay(attempt)
		log.Warn().Err(lastErr).Int("attempt", attempt+1).Int("max_retries", retries).
			Dur("delay", delay).Str("url", req.URL.Redacted()).Msg("model request failed, retrying")
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// calculateDelay is exponential backoff with +/-25% jitter, capped at
// MaxDelay.
func (t *RetryingTransport) calculateDelay(attempt int) time.Duration {
	factor := t.Retry.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(t.Retry.InitialDelay) * math.Pow(factor, float64(attempt))
	delay += delay * 0.25 * (2*rand.Float64() - 1)
	if ceiling := float64(t.Retry.MaxDelay); ceiling > 0 && delay > ceiling {
		delay = ceiling
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimiter implements a token bucket with exponential backoff after
// consecutive API errors.
type RateLimiter struct {
	requestsPerMinute int
	tokens            chan struct{}
	lastRefill        time.Time
	mu                sync.Mutex

	consecutiveErrors int
	lastErrorTime     time.Time
	backoffDuration   time.Duration

	stop chan struct{}
}

// NewRateLimiter creates a rate limiter. rpm <= 0 selects the default of
// 60 requests per minute.
func NewRateLimiter(rpm int) *RateLimiter {
	if rpm <= 0 {
		rpm = 60
	}

	rl := &RateLimiter{
		requestsPerMinute: rpm,
		tokens:            make(chan struct{}, rpm),
		lastRefill:        time.Now(),
		stop:              make(chan struct{}),
	}

	for i := 0; i < rpm; i++ {
		rl.tokens <- struct{}{}
	}

	go rl.refillLoop()

	return rl
}

// Wait blocks until a token is available or the context is done. Returns
// an error immediately while backoff is active.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.isInBackoff() {
		return fmt.Errorf("rate limited: backoff active for %s", rl.backoffRemaining())
	}

	select {
	case <-rl.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire attempts to take a token without blocking.
func (rl *RateLimiter) TryAcquire() bool {
	if rl.isInBackoff() {
		return false
	}

	select {
	case <-rl.tokens:
		return true
	default:
		return false
	}
}

// RecordSuccess resets the backoff state.
func (rl *RateLimiter) RecordSuccess() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.consecutiveErrors = 0
	rl.backoffDuration = 0
}

// RecordError bumps the consecutive error count and extends the backoff
// exponentially, capped at 5 minutes.
func (rl *RateLimiter) RecordError() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.consecutiveErrors++
	rl.lastErrorTime = time.Now()

	backoff := time.Duration(1<<uint(rl.consecutiveErrors)) * time.Second
	if backoff > 300*time.Second {
		backoff = 300 * time.Second
	}
	rl.backoffDuration = backoff
}

func (rl *RateLimiter) isInBackoff() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.backoffDuration == 0 {
		return false
	}
	return time.Since(rl.lastErrorTime) < rl.backoffDuration
}

func (rl *RateLimiter) backoffRemaining() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.backoffDuration == 0 {
		return 0
	}
	remaining := rl.backoffDuration - time.Since(rl.lastErrorTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// refillLoop refills the bucket once per minute until Close.
func (rl *RateLimiter) refillLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.refillTokens()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) refillTokens() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for {
		select {
		case <-rl.tokens:
		default:
			goto refill
		}
	}

refill:
	for i := 0; i < rl.requestsPerMinute; i++ {
		select {
		case rl.tokens <- struct{}{}:
		default:
		}
	}
	rl.lastRefill = time.Now()
}

// Stats is a snapshot of the limiter state.
type Stats struct {
	RequestsPerMinute int
	TokensAvailable   int
	ConsecutiveErrors int
	InBackoff         bool
	BackoffRemaining  time.Duration
	LastRefill        time.Time
}

// GetStats returns current limiter statistics.
func (rl *RateLimiter) GetStats() Stats {
	inBackoff := rl.isInBackoff()
	remaining := time.Duration(0)
	if inBackoff {
		remaining = rl.backoffRemaining()
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	return Stats{
		RequestsPerMinute: rl.requestsPerMinute,
		TokensAvailable:   len(rl.tokens),
		ConsecutiveErrors: rl.consecutiveErrors,
		InBackoff:         inBackoff,
		BackoffRemaining:  remaining,
		LastRefill:        rl.lastRefill,
	}
}

// Close stops the refill goroutine.
func (rl *RateLimiter) Close() {
	close(rl.stop)
}

// Package resiliency provides the shared HTTP client wrapper used for any
// outbound call to an external model provider or webhook endpoint — currently
// the embedding and chat completion transports in pkg/llm/openai.go and
// pkg/store/embeddings.go. Its retries are separate from the Scheduler's
// own retry loop in pkg/scheduler.
package resiliency

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// EnhancedClient wraps http.Client with the resilience patterns an
// outbound model-provider call needs: exponential backoff with jitter,
// circuit breaking, and W3C trace-context injection.
type EnhancedClient struct {
	client     *http.Client
	maxRetries int
	breaker    *CircuitBreaker
}

// NewEnhancedClient returns a client with a 30s timeout, 3 retries, and a
// circuit breaker that opens after 5 consecutive failures and probes again
// after 10s.
func NewEnhancedClient() *EnhancedClient {
	return &EnhancedClient{
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		breaker:    NewCircuitBreaker("default", 5, 10*time.Second),
	}
}

// Do executes req, injecting a traceparent header, gating on the circuit
// breaker, and retrying 5xx responses and transport errors with backoff.
func (c *EnhancedClient) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("traceparent", fmt.Sprintf("00-%s-0000000000000001-01", newTraceID()))

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("resiliency: circuit breaker %q open", c.breaker.name)
	}

	var resp *http.Response
	var err error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		resp, err = c.client.Do(req)

		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}

		if attempt == c.maxRetries {
			break
		}
		time.Sleep(backoffWithJitter(attempt))
	}

	c.breaker.Failure()
	return resp, err
}

// newTraceID generates a random 128-bit trace ID for the traceparent
// header, falling back to a clock-derived value if the system RNG fails.
func newTraceID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return fmt.Sprintf("%032x", time.Now().UnixNano())
}

// backoffWithJitter returns base*2^attempt plus up to 50ms of jitter.
func backoffWithJitter(attempt int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		backoff += time.Duration(n.Int64()) * time.Millisecond
	}
	return backoff
}

// breakerState is the CircuitBreaker's state machine position.
type breakerState string

const (
	breakerClosed   breakerState = "CLOSED"
	breakerOpen     breakerState = "OPEN"
	breakerHalfOpen breakerState = "HALF_OPEN"
)

// CircuitBreaker trips after threshold consecutive failures and stays
// open until resetTimeout has passed, at which point one probe request is
// let through (HALF_OPEN) to decide whether to close again.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        breakerClosed,
	}
}

// Allow reports whether a request may proceed, transitioning OPEN to
// HALF_OPEN once resetTimeout has elapsed since the last failure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == breakerOpen {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	}
	if cb.state == breakerHalfOpen {
		return false
	}
	return true
}

// Success closes the breaker and resets the failure count.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.failureCount = 0
}

// Failure records a failed call, opening the breaker once threshold
// consecutive failures have accumulated.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = breakerOpen
	}
}

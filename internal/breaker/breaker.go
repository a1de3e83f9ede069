// Package breaker wraps best-effort downstream calls (cache writes, event
// publication, admin notifications) with a circuit breaker so a degraded
// dependency fails fast instead of piling up latency on every job
// transition. Per spec §7, these calls are logged and swallowed on
// failure — the breaker never turns a best-effort side effect into a
// surfaced Unavailable error; it only bounds how long a flaky dependency
// is retried before give-up.
package breaker

import (
	"time"

	"github.com/sony/gobreaker"
)

// Breaker wraps gobreaker.CircuitBreaker for a single named downstream.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New constructs a breaker that opens after 5 consecutive failures and
// attempts a half-open probe after 30 seconds.
func New(name string) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do runs fn through the breaker. When the breaker is open, fn is not
// invoked and the breaker's own error is returned so the caller can log
// and swallow it, same as any other best-effort failure.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// State reports the breaker's current state name (closed/half-open/open),
// useful for a /healthz surface.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

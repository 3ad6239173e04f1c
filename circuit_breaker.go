package couchkv

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

// CircuitBreaker guards session creation for one host.
// *gobreaker.CircuitBreaker[Resource] satisfies it.
type CircuitBreaker interface {
	Execute(fn func() (Resource, error)) (Resource, error)
	State() gobreaker.State
	Counts() gobreaker.Counts
}

// NewCircuitBreakerConfig returns a Settings.NewCircuitBreaker function.
// A host's breaker opens once at least three connect attempts were made
// and 60% of them failed.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(host string) CircuitBreaker {
	return func(host string) CircuitBreaker {
		return gobreaker.NewCircuitBreaker[Resource](gobreaker.Settings{
			Name:        host,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: func(err error) bool {
				// Authentication failures do not count against the host.
				return err == nil || IsAuthError(err)
			},
		})
	}
}

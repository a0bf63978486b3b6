package aredis

import (
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/aredis/aredis/resp"
)

// CircuitBreaker guards command execution against an unhealthy node.
type CircuitBreaker interface {
	Execute(fn func() (*resp.Reply, error)) (*resp.Reply, error)
	State() gobreaker.State
}

// NewCircuitBreakerConfig returns a factory creating one circuit breaker
// per cluster node. A node trips after 3+ requests with a 60% failure
// ratio and recovers through gobreaker's half-open probing.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(addr string) CircuitBreaker {
	return func(addr string) CircuitBreaker {
		settings := gobreaker.Settings{
			Name:        addr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: func(err error) bool {
				// server error replies are node health, not node failure
				return err == nil || isRedisErr(err)
			},
		}
		return gobreaker.NewCircuitBreaker[*resp.Reply](settings)
	}
}

// ratelimit.go groups the per-category request limiters an adapter must
// respect against Hyperliquid's published REST limits: a generous info
// budget, and a tighter exchange-action budget since signed actions cost
// the account's address-level weight.
//
// Replaces the teacher's hand-rolled TokenBucket with
// golang.org/x/time/rate, which already implements the same continuous
// refill behavior with a reviewed, allocation-free implementation.
package exchange

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter groups limiters by Hyperliquid API category. Each call must
// Wait() the relevant limiter before issuing the HTTP request.
type RateLimiter struct {
	Info   *rate.Limiter // POST /info — public metadata and book reads
	Action *rate.Limiter // POST /exchange — signed order/cancel/modify actions
}

// NewRateLimiter builds limiters from config.ExchangeConfig's RateLimit
// (requests/sec) and RateBurst, applied uniformly; the Action limiter
// additionally caps at a quarter of the info budget since exchange
// actions are Hyperliquid's most heavily weighted category.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	if burst <= 0 {
		burst = int(requestsPerSecond)
	}
	return &RateLimiter{
		Info:   rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		Action: rate.NewLimiter(rate.Limit(requestsPerSecond/4), max(1, burst/4)),
	}
}

// WaitInfo blocks until an info-category token is available.
func (rl *RateLimiter) WaitInfo(ctx context.Context) error {
	return rl.Info.Wait(ctx)
}

// WaitAction blocks until an exchange-action token is available.
func (rl *RateLimiter) WaitAction(ctx context.Context) error {
	return rl.Action.Wait(ctx)
}

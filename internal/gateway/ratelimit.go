package gateway

import (
	"golang.org/x/time/rate"
)

// RateLimiter wraps a token-bucket limiter scoped to a single connection.
// Bursts allow a connection to front-load a handful of requests (e.g. a
// client catching up after a slow network blip) without smoothing every
// request to a rigid interval.
type RateLimiter struct {
	limiter *rate.Limiter
	enabled bool
}

// NewRateLimiter builds a limiter from a requests-per-minute budget. rpm
// <= 0 disables rate limiting entirely.
func NewRateLimiter(rpm int, burst int) *RateLimiter {
	if rpm <= 0 {
		return &RateLimiter{enabled: false}
	}
	if burst <= 0 {
		burst = 1
	}
	perSecond := rate.Limit(float64(rpm) / 60.0)
	return &RateLimiter{limiter: rate.NewLimiter(perSecond, burst), enabled: true}
}

// Enabled reports whether this limiter actually restricts anything.
func (r *RateLimiter) Enabled() bool { return r.enabled }

// Allow reports whether a request frame may proceed right now.
func (r *RateLimiter) Allow() bool {
	if !r.enabled {
		return true
	}
	return r.limiter.Allow()
}

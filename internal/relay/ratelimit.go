package relay

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimit bounds inbound commands per connection. A zero PerSecond
// disables limiting.
type RateLimit struct {
	PerSecond float64 `yaml:"perSecond"`
	Burst     int     `yaml:"burst"`
}

// commandLimiter throttles one connection's inbound commands.
type commandLimiter struct {
	limiter *rate.Limiter
	now     func() time.Time
}

func newCommandLimiter(limit RateLimit) *commandLimiter {
	if limit.PerSecond <= 0 {
		return nil
	}
	burst := limit.Burst
	if burst <= 0 {
		burst = 1
	}
	return &commandLimiter{
		limiter: rate.NewLimiter(rate.Limit(limit.PerSecond), burst),
		now:     time.Now,
	}
}

// Allow takes one token. A nil limiter always allows.
func (c *commandLimiter) Allow() bool {
	if c == nil {
		return true
	}
	return c.limiter.AllowN(c.now(), 1)
}

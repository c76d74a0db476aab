package server

import (
	"sync"
	"time"

	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/config"
)

// inboundLimiter throttles the frames one session may hand to the
// dispatcher: Burst frames per RefillInterval, refilled continuously and
// never banked beyond Burst.
type inboundLimiter struct {
	mu       sync.Mutex
	burst    float64
	perSec   float64
	credit   float64
	refilled time.Time
	now      func() time.Time
}

func newRateLimiter(cfg config.RateLimitConfig) *inboundLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	l := &inboundLimiter{
		burst:  float64(burst),
		perSec: float64(burst) / interval.Seconds(),
		credit: float64(burst),
		now:    time.Now,
	}
	l.refilled = l.now()
	return l
}

// allow spends one frame of credit, reporting false when the session has
// exhausted its burst.
func (l *inboundLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if elapsed := now.Sub(l.refilled); elapsed > 0 {
		l.credit = min(l.burst, l.credit+elapsed.Seconds()*l.perSec)
	}
	l.refilled = now

	if l.credit < 1 {
		return false
	}
	l.credit--
	return true
}

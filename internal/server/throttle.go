package server

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const maxThrottledPrincipals = 4096

// ThrottleConfig bounds requests per principal. A non-positive rate
// disables throttling.
type ThrottleConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// throttle keeps one token bucket per principal. The least recently seen
// principals are evicted once the table is full.
type throttle struct {
	limit   rate.Limit
	burst   int
	buckets *lru.Cache[string, *rate.Limiter]
}

func newThrottle(cfg ThrottleConfig) *throttle {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	buckets, _ := lru.New[string, *rate.Limiter](maxThrottledPrincipals)
	return &throttle{limit: rate.Limit(cfg.RequestsPerSecond), burst: cfg.Burst, buckets: buckets}
}

func (t *throttle) allow(principal string) bool {
	if t == nil {
		return true
	}
	l, ok := t.buckets.Get(principal)
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		if prev, found, _ := t.buckets.PeekOrAdd(principal, l); found {
			l = prev
		}
	}
	return l.Allow()
}

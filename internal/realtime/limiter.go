// ABOUTME: Per-user token buckets for sendMessage
// ABOUTME: Limiters are dropped when the user's last connection goes away

package realtime

import (
	"sync"

	"golang.org/x/time/rate"
)

type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	limit rate.Limit
	burst int
}

func newLimiterPool(perSecond float64, burst int) *limiterPool {
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{
		m:     make(map[string]*rate.Limiter),
		limit: rate.Limit(perSecond),
		burst: burst,
	}
}

// Allow reports whether userID may send now, consuming a token if so.
func (p *limiterPool) Allow(userID string) bool {
	p.mu.Lock()
	l, ok := p.m[userID]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.m[userID] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

func (p *limiterPool) forget(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, userID)
}

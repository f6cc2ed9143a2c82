// Package ratelimit throttles anonymous writes per client.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRPS   = 5
	defaultBurst = 10
	idleAfter    = 10 * time.Minute
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Pool hands out one token bucket per key.
type Pool struct {
	mu    sync.Mutex
	m     map[string]*entry
	rps   float64
	burst int
	now   func() time.Time
}

func NewPool(rps float64, burst int) *Pool {
	if rps <= 0 {
		rps = defaultRPS
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &Pool{
		m:     make(map[string]*entry),
		rps:   rps,
		burst: burst,
		now:   time.Now,
	}
}

func (p *Pool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.limiter
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = &entry{limiter: l, lastSeen: now}
	return l
}

func (p *Pool) Allow(key string) bool {
	return p.get(key).AllowN(p.now(), 1)
}

// Sweep forgets buckets that have been idle for a while and returns how many were dropped.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-idleAfter)
	dropped := 0
	for key, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, key)
			dropped++
		}
	}
	return dropped
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

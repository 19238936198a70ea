package app

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleTTL is the floor for how long an actor's bucket may sit unused
// before it is dropped. The pool raises it to the full refill time when that
// is longer, so eviction never hands out tokens the actor would not have had.
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool keeps one token bucket per actor for appends. Entries idle for
// longer than idleTTL are swept at most once per idleTTL.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	rps       float64
	burst     int
	idleTTL   time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	idleTTL := limiterIdleTTL
	if refill := time.Duration(float64(burst) / rps * float64(time.Second)); refill > idleTTL {
		idleTTL = refill
	}
	return &limiterPool{m: make(map[string]*limiterEntry), rps: rps, burst: burst, idleTTL: idleTTL, now: time.Now}
}

func (p *limiterPool) get(key string, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Sub(p.lastSweep) >= p.idleTTL {
		for k, e := range p.m {
			if now.Sub(e.lastSeen) >= p.idleTTL {
				delete(p.m, k)
			}
		}
		p.lastSweep = now
	}
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.m[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (p *limiterPool) allow(actorID string) bool {
	now := p.now()
	return p.get(actorID, now).AllowN(now, 1)
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// Package ratelimit enforces per-host and global outbound fetch limits
// (component C2) using golang.org/x/time/rate token buckets, generalized
// from a single limiter pair to one bucket per host plus a global
// semaphore.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// HostConfig is the token-bucket shape for one host.
type HostConfig struct {
	RatePerSecond float64
	Burst         int
}

// Config is the rate limiter's startup configuration.
type Config struct {
	PerHost      HostConfig
	GlobalMaxInFlight int64
	IdleEvictAfter    time.Duration
}

// DefaultIdleEvictAfter is the default idle period after which an unused
// host bucket is evicted.
const DefaultIdleEvictAfter = 10 * time.Minute

type hostBucket struct {
	limiter    *rate.Limiter
	mu         sync.Mutex
	inFlight   int
	lastUsed   time.Time
}

// Lease is returned by Acquire and must be released when the caller's
// outbound call completes.
type Lease struct {
	release func()
	once    sync.Once
}

// Release returns the lease's tokens. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

// Limiter enforces a per-host token bucket plus a global concurrency cap.
type Limiter struct {
	cfg    Config
	global *semaphore.Weighted

	mu    sync.Mutex
	hosts map[string]*hostBucket

	stopJanitor chan struct{}
}

// New constructs a Limiter from cfg. Host buckets are created lazily on
// first use.
func New(cfg Config) *Limiter {
	if cfg.IdleEvictAfter <= 0 {
		cfg.IdleEvictAfter = DefaultIdleEvictAfter
	}
	if cfg.GlobalMaxInFlight <= 0 {
		cfg.GlobalMaxInFlight = 1 << 20 // effectively unbounded
	}
	l := &Limiter{
		cfg:    cfg,
		global: semaphore.NewWeighted(cfg.GlobalMaxInFlight),
		hosts:  make(map[string]*hostBucket),
	}
	return l
}

func (l *Limiter) bucketFor(host string) *hostBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.hosts[host]
	if !ok {
		r := rate.Limit(l.cfg.PerHost.RatePerSecond)
		burst := l.cfg.PerHost.Burst
		if burst <= 0 {
			burst = 1
		}
		b = &hostBucket{limiter: rate.NewLimiter(r, burst)}
		l.hosts[host] = b
	}
	b.lastUsed = time.Now()
	return b
}

// Acquire blocks until weight tokens are available from both the host
// bucket for host and the global semaphore, or ctx is canceled. Acquire
// takes tokens from both; FIFO ordering within a host follows
// from rate.Limiter's internal reservation queue.
func (l *Limiter) Acquire(ctx context.Context, host string, weight int) (*Lease, error) {
	if weight <= 0 {
		weight = 1
	}
	b := l.bucketFor(host)

	if err := l.global.Acquire(ctx, int64(weight)); err != nil {
		return nil, err
	}

	if err := b.limiter.WaitN(ctx, weight); err != nil {
		l.global.Release(int64(weight))
		return nil, err
	}

	b.mu.Lock()
	b.inFlight += weight
	b.lastUsed = time.Now()
	b.mu.Unlock()

	lease := &Lease{release: func() {
		b.mu.Lock()
		b.inFlight -= weight
		b.lastUsed = time.Now()
		b.mu.Unlock()
		l.global.Release(int64(weight))
	}}
	return lease, nil
}

// EvictIdle removes host buckets that have had no in-flight leases for at
// least the configured idle period. Intended to be called periodically by
// a background sweeper.
func (l *Limiter) EvictIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for host, b := range l.hosts {
		b.mu.Lock()
		idle := b.inFlight == 0 && now.Sub(b.lastUsed) >= l.cfg.IdleEvictAfter
		b.mu.Unlock()
		if idle {
			delete(l.hosts, host)
			evicted++
		}
	}
	return evicted
}

// HostCount reports how many host buckets currently exist, for tests and
// diagnostics.
func (l *Limiter) HostCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hosts)
}

// Package ratelimit implements per-domain token buckets for outbound
// fetches. Each host gets a bucket refilled proportionally to wall-clock
// time; callers that find the bucket empty join a strict-FIFO wait queue
// drained by a background tick.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/distil/internal/kinds"
	"github.com/jmylchreest/distil/internal/urlutil"
)

// Config holds limiter configuration.
type Config struct {
	Enabled    bool
	Capacity   float64       // tokens per bucket (default 1)
	RefillRate float64       // tokens/sec when no crawl-delay is known
	Tick       time.Duration // waiter drain interval
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Capacity:   1,
		RefillRate: 2,
		Tick:       100 * time.Millisecond,
	}
}

type waiter struct {
	ready chan struct{}
}

// bucket is one per-domain token bucket. tokens <= capacity always; refill
// is proportional to elapsed time since lastRefill.
type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
	waiting    []*waiter
	ticking    bool
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
}

// Limiter hands out fetch permits per domain.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	logger  *slog.Logger
	clock   func() time.Time
}

// New creates a limiter.
func New(cfg Config, logger *slog.Logger) *Limiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = DefaultConfig().RefillRate
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		logger:  logger.With("component", "ratelimit"),
		clock:   time.Now,
	}
}

// CheckLimit consumes one token for the URL's host, blocking FIFO until a
// token is available. Returns immediately when the limiter is disabled.
// Cancellation surfaces as CANCELLED; the waiter's slot is abandoned without
// reordering the remaining queue.
func (l *Limiter) CheckLimit(ctx context.Context, rawURL string) error {
	if !l.cfg.Enabled {
		return nil
	}
	host, err := urlutil.Host(rawURL)
	if err != nil {
		return err
	}

	l.mu.Lock()
	b := l.getBucket(host)
	b.refill(l.clock())
	if len(b.waiting) == 0 && b.tokens >= 1 {
		b.tokens--
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	b.waiting = append(b.waiting, w)
	if !b.ticking {
		b.ticking = true
		go l.tickLoop(host)
	}
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.abandon(host, w)
		return kinds.Wrap(kinds.KindCancelled, 499, "rate limit wait cancelled", ctx.Err())
	}
}

// SetDomainLimit sets the refill rate for a host from a robots.txt
// crawl-delay. Non-positive delays are ignored.
func (l *Limiter) SetDomainLimit(host string, crawlDelaySeconds float64) {
	if crawlDelaySeconds <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.getBucket(host)
	b.refill(l.clock())
	b.refillRate = 1 / crawlDelaySeconds
	l.logger.Debug("domain limit set", "host", host, "crawl_delay_s", crawlDelaySeconds)
}

// tickLoop refills the bucket and resumes waiters in enqueue order while
// tokens last. It exits once the queue drains.
func (l *Limiter) tickLoop(host string) {
	ticker := time.NewTicker(l.cfg.Tick)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		b := l.getBucket(host)
		b.refill(l.clock())
		for len(b.waiting) > 0 && b.tokens >= 1 {
			b.tokens--
			w := b.waiting[0]
			b.waiting = b.waiting[1:]
			close(w.ready)
		}
		if len(b.waiting) == 0 {
			b.ticking = false
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
	}
}

// abandon removes a cancelled waiter if it has not been resumed yet.
func (l *Limiter) abandon(host string, target *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.getBucket(host)
	for i, w := range b.waiting {
		if w == target {
			b.waiting = append(b.waiting[:i], b.waiting[i+1:]...)
			return
		}
	}
}

// getBucket returns the host's bucket, creating it full. Caller holds mu.
func (l *Limiter) getBucket(host string) *bucket {
	b, ok := l.buckets[host]
	if !ok {
		b = &bucket{
			tokens:     l.cfg.Capacity,
			capacity:   l.cfg.Capacity,
			refillRate: l.cfg.RefillRate,
			lastRefill: l.clock(),
		}
		l.buckets[host] = b
	}
	return b
}

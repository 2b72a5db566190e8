package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate limiter defaults.
const (
	DefaultRateLimitMaxKeys         = 10000
	DefaultRateLimitIdleTimeout     = 30 * time.Minute
	DefaultRateLimitCleanupInterval = 5 * time.Minute
)

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	// PerSecond is the sustained number of requests allowed per key.
	PerSecond float64 `yaml:"perSecond"`

	// Burst is the number of requests a key may make at once.
	Burst int `yaml:"burst"`

	// MaxKeys bounds the number of tracked keys. The least recently seen key
	// is dropped when a new one arrives at the limit (default: 10000).
	MaxKeys int `yaml:"maxKeys"`

	// IdleTimeout is how long an unused key is kept (default: 30m).
	IdleTimeout time.Duration `yaml:"idleTimeout"`

	// CleanupInterval is how often idle keys are dropped (default: 5m).
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

type bucket struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key, typically a client IP. Keys
// are held in recency order so the map stays bounded under many distinct
// callers.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*list.Element
	order   *list.List
	cfg     RateLimitConfig

	evictions int64
	dropped   int64

	logger *slog.Logger
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter and starts its idle-key cleanup. Call
// Stop to end it.
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultRateLimitMaxKeys
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultRateLimitIdleTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultRateLimitCleanupInterval
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	rl := &RateLimiter{
		buckets: make(map[string]*list.Element),
		order:   list.New(),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// SetClock replaces the clock used for token refill and idle tracking.
func (rl *RateLimiter) SetClock(now func() time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.now = now
}

// Allow consumes one token for key and reports whether the request may
// proceed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if elem, ok := rl.buckets[key]; ok {
		rl.order.MoveToFront(elem)
		b := elem.Value.(*bucket)
		b.lastSeen = now
		return b.limiter.AllowN(now, 1)
	}

	if len(rl.buckets) >= rl.cfg.MaxKeys {
		if oldest := rl.order.Back(); oldest != nil {
			rl.removeLocked(oldest)
			rl.evictions++
		}
	}

	b := &bucket{
		key:      key,
		limiter:  rate.NewLimiter(rate.Limit(rl.cfg.PerSecond), rl.cfg.Burst),
		lastSeen: now,
	}
	rl.buckets[key] = rl.order.PushFront(b)
	return b.limiter.AllowN(now, 1)
}

// Cleanup drops keys idle for longer than the configured idle timeout and
// returns how many were dropped.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	// The list is ordered by recency, so stop at the first live key.
	for elem := rl.order.Back(); elem != nil; {
		b := elem.Value.(*bucket)
		if now.Sub(b.lastSeen) <= rl.cfg.IdleTimeout {
			break
		}
		prev := elem.Prev()
		rl.removeLocked(elem)
		removed++
		elem = prev
	}
	rl.dropped += int64(removed)
	if removed > 0 {
		rl.logger.Debug("Idle rate limit keys dropped", "count", removed, "remaining", len(rl.buckets))
	}
	return removed
}

// Stop ends the cleanup loop. It is idempotent.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// RateLimitStats is a snapshot of limiter bookkeeping.
type RateLimitStats struct {
	Keys      int
	MaxKeys   int
	Evictions int64
	Dropped   int64
}

// Stats returns a snapshot of the limiter counters.
func (rl *RateLimiter) Stats() RateLimitStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RateLimitStats{
		Keys:      len(rl.buckets),
		MaxKeys:   rl.cfg.MaxKeys,
		Evictions: rl.evictions,
		Dropped:   rl.dropped,
	}
}

func (rl *RateLimiter) removeLocked(elem *list.Element) {
	b := elem.Value.(*bucket)
	delete(rl.buckets, b.key)
	rl.order.Remove(elem)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stop:
			return
		}
	}
}

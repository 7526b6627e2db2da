// Package ratelimit provides a per-user token bucket limiter for the
// generation endpoint.
package ratelimit

import (
	"sync"
	"time"
)

// tokenBucket refills at a constant rate and allows bursts up to capacity.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(capacity, refillRate float64) *tokenBucket {
	return &tokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// refill must be called with the lock held.
func (b *tokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// Config holds limiter settings.
type Config struct {
	// RequestsPerSecond is the sustained per-user rate.
	RequestsPerSecond float64
	// BurstSize is the per-user burst capacity.
	BurstSize float64
	// CleanupInterval controls how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig returns the stock limits: 5 generations per second sustained
// with a burst of 10.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		BurstSize:         10,
		CleanupInterval:   5 * time.Minute,
	}
}

// Limiter tracks a token bucket per user ID. Buckets for users idle long
// enough to refill back to capacity are dropped by a background sweep.
type Limiter struct {
	mu         sync.RWMutex
	buckets    map[string]*tokenBucket
	capacity   float64
	refillRate float64
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewLimiter creates a limiter and starts its cleanup loop.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 10
	}
	l := &Limiter{
		buckets:    make(map[string]*tokenBucket),
		capacity:   cfg.BurstSize,
		refillRate: cfg.RequestsPerSecond,
		stop:       make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go l.cleanupLoop(cfg.CleanupInterval)
	}
	return l
}

// Allow reports whether a request from userID should proceed. An empty user
// ID is allowed; validation rejects it downstream with a clearer error.
func (l *Limiter) Allow(userID string) bool {
	if userID == "" {
		return true
	}
	return l.bucket(userID).allow()
}

// Remaining returns the tokens currently available to userID.
func (l *Limiter) Remaining(userID string) float64 {
	if userID == "" {
		return l.capacity
	}
	return l.bucket(userID).remaining()
}

// Close stops the cleanup loop.
func (l *Limiter) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	return nil
}

func (l *Limiter) bucket(userID string) *tokenBucket {
	l.mu.RLock()
	b, ok := l.buckets[userID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[userID]; ok {
		return b
	}
	b = newTokenBucket(l.capacity, l.refillRate)
	l.buckets[userID] = b
	return b
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

// cleanup drops buckets refilled back near capacity; those users have been
// idle for at least a full refill cycle.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for userID, b := range l.buckets {
		if b.remaining() >= b.capacity*0.95 {
			delete(l.buckets, userID)
		}
	}
}

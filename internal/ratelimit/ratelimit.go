// Package ratelimit provides per-client rate limiting middleware for
// payment intent creation.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config configures rate limiting
type Config struct {
	// RPS is the sustained requests per second per client.
	RPS float64
	// Burst allows brief bursts above the limit.
	Burst int
	// CleanupInterval is how often idle clients are forgotten.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RPS:             5,
		Burst:           10,
		CleanupInterval: time.Minute,
	}
}

// Limiter tracks a token bucket per client key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*entry
	stop    chan struct{}
	once    sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a new rate limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RPS <= 0 {
		cfg.RPS = def.RPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-2 * l.cfg.CleanupInterval)
			for key, e := range l.clients {
				if e.lastSeen.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether a request for key may proceed now, and if not, how
// long until it could.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.clients[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.clients[key] = e
	}
	e.lastSeen = now

	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retryAfter := l.Allow(c.ClientIP())
		if !ok {
			secs := max(1, int(retryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": secs,
			})
			return
		}
		c.Next()
	}
}

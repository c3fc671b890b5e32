package synthesis

import (
	"sync"
	"time"

	"github.com/eleven-am/tts-multiplex/internal/shared"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

type RateLimiterConfig struct {
	RequestsPerSecond float64
	Burst             int
	CleanupInterval   time.Duration
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 10,
		Burst:             20,
		CleanupInterval:   5 * time.Minute,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiterStore struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	config   RateLimiterConfig
}

func newRateLimiterStore(cfg RateLimiterConfig) *rateLimiterStore {
	defaults := DefaultRateLimiterConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}

	return &rateLimiterStore{
		visitors: make(map[string]*visitor),
		config:   cfg,
	}
}

func (s *rateLimiterStore) getLimiter(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, exists := s.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(s.config.RequestsPerSecond), s.config.Burst)}
		s.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// evictIdle drops limiters not used since before cutoff.
func (s *rateLimiterStore) evictIdle(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, v := range s.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(s.visitors, key)
			evicted++
		}
	}
	return evicted
}

func (s *rateLimiterStore) cleanupLoop() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for now := range ticker.C {
		s.evictIdle(now.Add(-s.config.CleanupInterval))
	}
}

// RateLimiter limits requests per client IP with a token bucket.
func RateLimiter(cfg RateLimiterConfig) echo.MiddlewareFunc {
	store := newRateLimiterStore(cfg)
	go store.cleanupLoop()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			limiter := store.getLimiter(c.RealIP(), time.Now())
			if !limiter.Allow() {
				return shared.TooManyRequests("rate_limit_exceeded", "too many requests")
			}
			return next(c)
		}
	}
}

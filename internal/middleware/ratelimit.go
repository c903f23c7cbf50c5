package middleware

import (
	"sync"
	"time"

	"github.com/gpt-relay-bot-go/internal/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter limits chat turns per session identity
type RateLimiter interface {
	Allow(identity string) bool
}

// IdentityRateLimiter keeps one token bucket per identity
type IdentityRateLimiter struct {
	enabled  bool
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	rpm      int
	burst    int
	idleTTL  time.Duration
	logger   *logrus.Logger
	metrics  *Metrics
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter. A disabled limiter allows everything.
func NewRateLimiter(cfg *config.RateLimitConfig, logger *logrus.Logger) *IdentityRateLimiter {
	if !cfg.Enabled {
		return &IdentityRateLimiter{enabled: false}
	}

	return &IdentityRateLimiter{
		enabled:  true,
		limiters: make(map[string]*limiterEntry),
		rpm:      cfg.RequestsPerMinute,
		burst:    cfg.Burst,
		idleTTL:  time.Hour,
		logger:   logger,
		metrics:  NewMetrics(),
	}
}

// Allow checks if identity may start another turn now
func (r *IdentityRateLimiter) Allow(identity string) bool {
	if !r.enabled {
		return true
	}

	allowed := r.getLimiter(identity).Allow()
	if !allowed {
		r.metrics.RecordRateLimitExceeded()
		r.logger.WithField("identity", identity).Warn("Rate limit exceeded")
	}
	return allowed
}

func (r *IdentityRateLimiter) getLimiter(identity string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	entry, exists := r.limiters[identity]
	if !exists {
		// Rate per second = RPM / 60
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)}
		r.limiters[identity] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// Cleanup drops buckets idle for longer than the idle TTL
func (r *IdentityRateLimiter) Cleanup() int {
	if !r.enabled {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for identity, entry := range r.limiters {
		if time.Since(entry.lastSeen) > r.idleTTL {
			delete(r.limiters, identity)
			removed++
		}
	}
	return removed
}

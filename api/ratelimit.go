package api

import (
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds per-owner rate limiting configuration.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
	// IdleTTL drops limiters of owners not seen for this long.
	IdleTTL time.Duration
}

type ownerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per owner.
type RateLimiter struct {
	config  RateLimitConfig
	mu      sync.Mutex
	owners  map[string]*ownerLimiter
	stopCh  chan struct{}
	stopped sync.Once
}

func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}
	rl := &RateLimiter{
		config: config,
		owners: make(map[string]*ownerLimiter),
		stopCh: make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether the owner may make another request now.
func (rl *RateLimiter) Allow(owner string) bool {
	if !rl.config.Enabled {
		return true
	}
	rl.mu.Lock()
	ol, ok := rl.owners[owner]
	if !ok {
		ol = &ownerLimiter{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)}
		rl.owners[owner] = ol
	}
	ol.lastSeen = time.Now()
	rl.mu.Unlock()
	return ol.limiter.Allow()
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopped.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-rl.config.IdleTTL)
			rl.mu.Lock()
			for owner, ol := range rl.owners {
				if ol.lastSeen.Before(cutoff) {
					delete(rl.owners, owner)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Middleware answers 429 once an owner exceeds its budget. It must run after
// RequireOwner.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(string(ownerFrom(r))) {
			retry := 1
			if rl.config.RequestsPerSecond > 0 {
				retry = int(math.Ceil(1 / rl.config.RequestsPerSecond))
			}
			w.Header().Set("Retry-After", fmt.Sprint(retry))
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "Rate limit exceeded", Retryable: true})
			return
		}
		next.ServeHTTP(w, r)
	})
}

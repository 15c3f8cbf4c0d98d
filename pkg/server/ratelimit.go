package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/llmadapter/coordinator/pkg/config"
)

// bucket is one client's token bucket.
type bucket struct {
	tokens float64
	last   time.Time
}

// rateLimiter is a per-client token bucket. Buckets refill at
// requestsPerMinute/60 tokens per second up to the burst capacity.
type rateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	ratePerSec float64
	burst      float64
	trustProxy bool
	now        func() time.Time
}

func newRateLimiter(cfg config.RateLimitDefaults) *rateLimiter {
	burst := float64(cfg.Burst)
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		buckets:    make(map[string]*bucket),
		ratePerSec: cfg.RequestsPerMinute / 60,
		burst:      burst,
		trustProxy: cfg.TrustProxyHeaders,
		now:        time.Now,
	}
}

// allow takes one token from the client's bucket if available.
func (rl *rateLimiter) allow(clientID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[clientID]
	if !ok {
		b = &bucket{tokens: rl.burst, last: now}
		rl.buckets[clientID] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	b.tokens += elapsed * rl.ratePerSec
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// clientID identifies the caller for bucketing. Proxy headers are only
// honored when the config trusts them.
func (rl *rateLimiter) clientID(r *http.Request) string {
	if rl.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// middleware enforces the rate limit before the handler runs.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(rl.clientID(r)) {
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

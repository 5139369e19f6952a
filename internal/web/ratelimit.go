package web

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterTTL = 5 * time.Minute

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

// limiterSet hands out one limiter per client. Expired entries are swept at most once per TTL,
// so the set stays proportional to the clients seen within the last TTL window.
type limiterSet struct {
	mu        sync.Mutex
	limiters  map[string]*cachedLimiter
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterSet(limit float64, burst int) *limiterSet {
	if burst < 1 {
		burst = 1
	}
	return &limiterSet{
		limiters:  make(map[string]*cachedLimiter),
		limit:     rate.Limit(limit),
		burst:     burst,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= limiterTTL {
		for k, cached := range s.limiters {
			if !now.Before(cached.expiresAt) {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	if cached, ok := s.limiters[key]; ok && now.Before(cached.expiresAt) {
		return cached.limiter
	}
	limiter := rate.NewLimiter(s.limit, s.burst)
	s.limiters[key] = &cachedLimiter{limiter: limiter, expiresAt: now.Add(limiterTTL)}
	return limiter
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// submitRateLimit throttles task submissions per client address. A limit of 0 means unlimited.
func submitRateLimit(limit float64, burst int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		limiters := newLimiterSet(limit, burst)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.get(clientKey(r)).Allow() {
				w.Header().Set("Retry-After", "1")
				respondTooMany(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey is the remote host; RealIP has already applied forwarding headers.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func respondTooMany(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"too many submissions, retry later"}`))
}

package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ladybirdbrowser/wptsync/pkg/config"
	"golang.org/x/time/rate"
)

const (
	rateLimitCleanupInterval = 5 * time.Minute
	rateLimitEntryTTL        = 10 * time.Minute
)

// routeKey identifies one client on one reporting route. Requests for
// different runs share the budget of the /runs/{id} pattern.
type routeKey struct {
	client string
	route  string
}

type routeBucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
}

// routeLimiter hands out a token bucket per client and route.
type routeLimiter struct {
	perMinute int

	mu      sync.Mutex
	buckets map[routeKey]*routeBucket
}

func newRouteLimiter(tier config.RateLimitTier) *routeLimiter {
	return &routeLimiter{
		perMinute: tier.RequestsPerMinute,
		buckets:   make(map[routeKey]*routeBucket, 64),
	}
}

// allow takes one token for key. When the bucket is empty it returns the
// time until the next token is available.
func (l *routeLimiter) allow(key routeKey, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &routeBucket{
			tokens: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute),
		}
		l.buckets[key] = b
	}

	b.lastSeen = now

	res := b.tokens.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}

	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)

		return false, wait
	}

	return true, 0
}

// evict drops buckets that have not been used within the TTL.
func (l *routeLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > rateLimitEntryTTL {
			delete(l.buckets, key)
		}
	}
}

// rateLimitMiddleware limits each client per reporting route. It must be
// used inside a chi group so the matched route pattern is known.
func (s *server) rateLimitMiddleware(
	tier config.RateLimitTier,
) func(http.Handler) http.Handler {
	limiter := newRouteLimiter(tier)
	limitHeader := strconv.Itoa(tier.RequestsPerMinute)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(rateLimitCleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				limiter.evict(now)
			case <-s.done:
				return
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := routeKey{client: extractIP(r), route: routePattern(r)}

			w.Header().Set("X-RateLimit-Limit", limitHeader)

			ok, wait := limiter.allow(key, time.Now())
			if !ok {
				w.Header().Set("Retry-After",
					strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// routePattern returns the matched chi pattern, or the raw path outside
// of a chi router.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	return r.URL.Path
}

// extractIP returns the client address, preferring the first hop of
// X-Forwarded-For when running behind a proxy.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

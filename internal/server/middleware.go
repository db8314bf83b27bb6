package server

import (
	"container/list"
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/livetemplate/wizard/internal/transport"
)

// CORSMiddleware adds CORS headers for the configured origins. With no
// origins the handler is returned unchanged.
func CORSMiddleware(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(origins) == 0 {
			return next
		}

		allowHeaders := "Content-Type, Accept, " + transport.SessionHeader

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed, allowAll := false, false
			for _, o := range origins {
				if o == "*" {
					allowed, allowAll = true, true
					break
				}
				if o == origin {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				if allowAll {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware adds security headers to all responses.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			// connect-src 'self' covers the same-origin websocket.
			w.Header().Set("Content-Security-Policy",
				"default-src 'self'; "+
					"script-src 'self'; "+
					"style-src 'self'; "+
					"img-src 'self' data:; "+
					"connect-src 'self'; "+
					"frame-ancestors 'none'")

			next.ServeHTTP(w, r)
		})
	}
}

// evictionLogInterval is the minimum time between eviction log messages.
const evictionLogInterval = 30 * time.Second

// limiterIdle is how long an IP may stay quiet before its bucket is swept.
const limiterIdle = 10 * time.Minute

type ipLimiter struct {
	ip       string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet is an LRU of per-IP token buckets. The front of order is the
// most recently used IP.
type limiterSet struct {
	rps    float64
	burst  int
	maxIPs int

	mu           sync.Mutex
	items        map[string]*list.Element
	order        *list.List
	lastEvictLog time.Time
	evictCount   int
}

func (s *limiterSet) allow(ip string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[ip]
	if ok {
		s.order.MoveToFront(elem)
		elem.Value.(*ipLimiter).lastSeen = now
		return elem.Value.(*ipLimiter).limiter.Allow()
	}

	if s.order.Len() >= s.maxIPs {
		s.evictOldest(now)
	}
	lim := &ipLimiter{
		ip:       ip,
		limiter:  rate.NewLimiter(rate.Limit(s.rps), s.burst),
		lastSeen: now,
	}
	s.items[ip] = s.order.PushFront(lim)
	return lim.limiter.Allow()
}

func (s *limiterSet) evictOldest(now time.Time) {
	back := s.order.Back()
	if back == nil {
		return
	}
	evicted := back.Value.(*ipLimiter)
	s.order.Remove(back)
	delete(s.items, evicted.ip)
	s.evictCount++
	if now.Sub(s.lastEvictLog) >= evictionLogInterval {
		log.Printf("[RateLimit] Evicted %d least-recent IP(s) (at capacity: %d IPs)", s.evictCount, s.maxIPs)
		s.lastEvictLog = now
		s.evictCount = 0
	}
}

// sweep drops idle buckets. LRU order tracks access recency, not lastSeen,
// so the whole list is scanned.
func (s *limiterSet) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := s.order.Back(); e != nil; {
		prev := e.Prev()
		lim := e.Value.(*ipLimiter)
		if now.Sub(lim.lastSeen) > limiterIdle {
			s.order.Remove(e)
			delete(s.items, lim.ip)
		}
		e = prev
	}
}

// RateLimitMiddleware limits requests per client IP with a token bucket.
// At most maxIPs buckets are kept; the least recently used one is evicted
// when a new IP arrives at capacity.
//
// A sweeper goroutine runs until ctx is cancelled; the returned channel is
// closed when it has exited.
func RateLimitMiddleware(ctx context.Context, rps float64, burst int, maxIPs int) (func(http.Handler) http.Handler, <-chan struct{}) {
	if maxIPs <= 0 {
		maxIPs = 10000
	}
	set := &limiterSet{
		rps:    rps,
		burst:  burst,
		maxIPs: maxIPs,
		items:  make(map[string]*list.Element),
		order:  list.New(),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				set.sweep(now)
			case <-ctx.Done():
				return
			}
		}
	}()

	middleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !set.allow(getClientIP(r), time.Now()) {
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	return middleware, done
}

// getClientIP extracts the client IP from the request.
// It only trusts X-Forwarded-For / X-Real-IP when the immediate peer is a
// loopback or private address (i.e., behind a reverse proxy).
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	peerIP := net.ParseIP(host)
	trustedProxy := peerIP != nil && (peerIP.IsLoopback() || peerIP.IsPrivate())

	if trustedProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if parts := strings.SplitN(xff, ",", 2); len(parts) > 0 {
				return strings.TrimSpace(parts[0])
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	if peerIP != nil {
		return peerIP.String()
	}
	return host
}

// writeJSONError answers in the wizard response envelope so the transport
// classifies middleware rejections like backend ones.
func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(transport.Envelope{
		Success: false,
		Error:   &transport.EnvelopeError{Message: message, Code: code},
	})
}

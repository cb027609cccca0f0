package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	IPPerMinute       int
	IPBurst           int
	BusinessPerMinute int
	BusinessBurst     int
}

// RateLimiter applies one bucket per client IP and one per business.
type RateLimiter struct {
	ipLimiter       *keyedLimiter
	businessLimiter *keyedLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:       newKeyedLimiter(cfg.IPPerMinute, cfg.IPBurst),
		businessLimiter: newKeyedLimiter(cfg.BusinessPerMinute, cfg.BusinessBurst),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip != "" && !l.ipLimiter.allow(ip) {
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		businessID, requestID := extractBusinessAndRequestID(r)
		if businessID != "" && !l.businessLimiter.allow(businessID) {
			writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

type keyedLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*limiterEntry
	lastGC   time.Time
}

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

const limiterIdleTTL = 10 * time.Minute

func newKeyedLimiter(perMinute, burst int) *keyedLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &keyedLimiter{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
		lastGC:   time.Now(),
	}
}

func (l *keyedLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastGC) > limiterIdleTTL {
		for k, entry := range l.limiters {
			if now.Sub(entry.seen) > limiterIdleTTL {
				delete(l.limiters, k)
			}
		}
		l.lastGC = now
	}

	entry, ok := l.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.seen = now
	return entry.limiter.AllowN(now, 1)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func extractBusinessAndRequestID(r *http.Request) (string, string) {
	businessID := strings.TrimSpace(r.Header.Get("X-Business-ID"))
	requestID := requestIDFromRequest(r)
	if businessID == "" {
		businessID = strings.TrimSpace(r.URL.Query().Get("business_id"))
	}
	if businessID != "" || r.Body == nil || r.Method != http.MethodPost {
		return businessID, requestID
	}
	contentType := r.Header.Get("Content-Type")
	if !strings.Contains(contentType, "application/json") {
		return businessID, requestID
	}

	body, err := readBody(r)
	if err != nil {
		return businessID, requestID
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return businessID, requestID
	}
	if value, ok := payload["business_id"].(string); ok {
		businessID = strings.TrimSpace(value)
	}
	if requestID == "" {
		if value, ok := payload["request_id"].(string); ok {
			requestID = strings.TrimSpace(value)
		}
	}
	return businessID, requestID
}

// readBody buffers the body so the handler can decode it again.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

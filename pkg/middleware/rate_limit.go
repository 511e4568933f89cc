package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/diagnosis/ticketdrop/pkg/logger"
	"github.com/diagnosis/ticketdrop/pkg/response"
	"github.com/redis/go-redis/v9"
)

// RateCounter counts hits per key in fixed windows.
type RateCounter interface {
	// Incr records one hit for key and returns the count in the current window.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RateLimitConfig defines rate limiting parameters
type RateLimitConfig struct {
	Requests int                            // Max requests per window; 0 disables
	Window   time.Duration                  // Time window duration
	KeyFunc  func(r *http.Request) []string // Function to generate rate limit keys
}

// RateLimiter provides rate limiting functionality
type RateLimiter struct {
	counter RateCounter
	config  RateLimitConfig
}

func NewRateLimiter(counter RateCounter, config RateLimitConfig) *RateLimiter {
	if config.KeyFunc == nil {
		config.KeyFunc = ClientIPKeyFunc
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &RateLimiter{
		counter: counter,
		config:  config,
	}
}

// Middleware returns the rate limiting middleware
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl.config.Requests <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, key := range rl.config.KeyFunc(r) {
				if !rl.allow(r.Context(), key) {
					w.Header().Set("Retry-After", strconv.Itoa(int(rl.config.Window.Seconds())))
					response.RateLimit(w, "Too many requests. Try again later.")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	// keys carry client addresses; store only a digest
	sum := sha256.Sum256([]byte(key))
	count, err := rl.counter.Incr(ctx, hex.EncodeToString(sum[:]), rl.config.Window)
	if err != nil {
		// fail open
		logger.WarnContext(ctx, "Rate limit counter unavailable", "error", err)
		return true
	}
	return count <= int64(rl.config.Requests)
}

// ClientIPKeyFunc limits by client address.
func ClientIPKeyFunc(r *http.Request) []string {
	if ip := clientIP(r); ip != "" {
		return []string{"ip:" + ip}
	}
	return nil
}

// clientIP extracts the real client IP from the request
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// MemoryRateCounter keeps windows in process memory.
type MemoryRateCounter struct {
	mu      sync.Mutex
	windows map[string]rateWindow
	now     func() time.Time
}

type rateWindow struct {
	count   int64
	expires time.Time
}

const memoryCounterPruneAt = 10000

func NewMemoryRateCounter() *MemoryRateCounter {
	return &MemoryRateCounter{
		windows: make(map[string]rateWindow),
		now:     time.Now,
	}
}

func (c *MemoryRateCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.windows) >= memoryCounterPruneAt {
		for k, w := range c.windows {
			if !now.Before(w.expires) {
				delete(c.windows, k)
			}
		}
	}

	w, ok := c.windows[key]
	if !ok || !now.Before(w.expires) {
		w = rateWindow{expires: now.Add(window)}
	}
	w.count++
	c.windows[key] = w
	return w.count, nil
}

// RedisRateCounter shares windows across replicas.
type RedisRateCounter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateCounter(client redis.UniversalClient) *RedisRateCounter {
	return &RedisRateCounter{client: client, prefix: "ticketdrop:ratelimit:"}
}

func (c *RedisRateCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	key = c.prefix + key
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

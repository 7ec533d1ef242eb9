package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops a client's limiter once it has been quiet this long.
	IdleTTL time.Duration
	// MaxClients bounds the number of tracked client keys.
	MaxClients int
}

// DefaultRateLimitConfig suits the public intake forms, which are the only
// unauthenticated write surface.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
		IdleTTL:           10 * time.Minute,
		MaxClients:        10000,
	}
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	d := DefaultRateLimitConfig()
	if c.IdleTTL <= 0 {
		c.IdleTTL = d.IdleTTL
	}
	if c.MaxClients <= 0 {
		c.MaxClients = d.MaxClients
	}
	return c
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientTable keys one rate.Limiter per client. Entries idle past IdleTTL are
// swept on insert, and the least recently seen entry is evicted when the
// table is full.
type clientTable struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	clients map[string]*clientLimiter
	now     func() time.Time
}

func newClientTable(cfg RateLimitConfig) *clientTable {
	return &clientTable{
		cfg:     cfg.withDefaults(),
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

func (t *clientTable) get(key string) (*rate.Limiter, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if cl, ok := t.clients[key]; ok {
		cl.lastSeen = now
		return cl.limiter, now
	}
	if len(t.clients) >= t.cfg.MaxClients {
		t.sweep(now)
	}
	if len(t.clients) >= t.cfg.MaxClients {
		t.evictOldest()
	}
	cl := &clientLimiter{
		limiter:  rate.NewLimiter(rate.Limit(t.cfg.RequestsPerSecond), t.cfg.BurstSize),
		lastSeen: now,
	}
	t.clients[key] = cl
	return cl.limiter, now
}

func (t *clientTable) sweep(now time.Time) {
	for key, cl := range t.clients {
		if now.Sub(cl.lastSeen) > t.cfg.IdleTTL {
			delete(t.clients, key)
		}
	}
}

func (t *clientTable) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, cl := range t.clients {
		if oldestKey == "" || cl.lastSeen.Before(oldest) {
			oldestKey, oldest = key, cl.lastSeen
		}
	}
	delete(t.clients, oldestKey)
}

func (t *clientTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

// retryAfterSeconds rounds the reservation delay up to whole seconds.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// RateLimit limits each client by c.RealIP(). The router's IPExtractor decides
// whether forwarding headers are honored.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(newClientTable(cfg))
}

func rateLimit(table *clientTable) echo.MiddlewareFunc {
	limit := strconv.FormatFloat(table.cfg.RequestsPerSecond, 'f', 0, 64)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			limiter, now := table.get(c.RealIP())
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			res := limiter.ReserveN(now, 1)
			if !res.OK() {
				h.Set("Retry-After", "1")
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			if delay := res.DelayFrom(now); delay > 0 {
				res.CancelAt(now)
				h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(delay)))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}

			remaining := int(limiter.TokensAt(now))
			if remaining < 0 {
				remaining = 0
			}
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			return next(c)
		}
	}
}

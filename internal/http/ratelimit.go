package httpx

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) Decision
	Close()
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Count     int
	WindowEnd time.Time
}

type window struct {
	count int
	end   time.Time
}

// MemoryRateLimiter keeps counters in process.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryRateLimiter starts a limiter with a background sweeper.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	rl := &MemoryRateLimiter{
		windows: make(map[string]window),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *MemoryRateLimiter) Allow(_ context.Context, key string, limit int, d time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.After(w.end) {
		w = window{end: now.Add(d)}
	}
	if w.count >= limit {
		return Decision{Allowed: false, Count: w.count, WindowEnd: w.end}
	}
	w.count++
	rl.windows[key] = w
	return Decision{Allowed: true, Count: w.count, WindowEnd: w.end}
}

func (rl *MemoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *MemoryRateLimiter) sweep() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.windows {
		if now.After(w.end) {
			delete(rl.windows, key)
		}
	}
}

func (rl *MemoryRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stopCh) })
}

// RedisRateLimiter shares counters between replicas. Redis errors fail open.
type RedisRateLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	timeout time.Duration
}

// NewRedisRateLimiter connects and pings Redis.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (*RedisRateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisRateLimiter{client: client, logger: logger, timeout: 250 * time.Millisecond}, nil
}

func (rl *RedisRateLimiter) Allow(ctx context.Context, key string, limit int, d time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	ctx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()

	redisKey := "kubeploy:ratelimit:" + key
	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, d)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Error("redis rate limiter error", "error", err)
		return Decision{Allowed: true}
	}
	remaining := ttl.Val()
	if remaining <= 0 {
		remaining = d
	}
	count := int(incr.Val())
	return Decision{Allowed: count <= limit, Count: count, WindowEnd: time.Now().Add(remaining)}
}

func (rl *RedisRateLimiter) Close() {
	_ = rl.client.Close()
}

// withRateLimit keys on the authenticated user, falling back to the client address.
func (r *Router) withRateLimit(limit int, d time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.limiter == nil {
			next(w, req)
			return
		}
		key := clientKey(req)
		decision := r.limiter.Allow(req.Context(), key, limit, d)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(limit-decision.Count, 0)))
		if !decision.WindowEnd.IsZero() {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.WindowEnd.Unix(), 10))
		}
		if !decision.Allowed {
			r.metrics.rateLimitHits.WithLabelValues(routeLabel(req)).Inc()
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func clientKey(req *http.Request) string {
	if id, ok := userFromContext(req.Context()); ok {
		return "user:" + id
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	return "ip:" + host
}

// Package ratelimit throttles clients of the relay. The Redis implementation
// shares counters between relay instances; Local keeps them in process.
package ratelimit

import (
	"strconv"
	"sync"
	"time"

	rate "github.com/wallstreetcn/rate/redis"
	xrate "golang.org/x/time/rate"
)

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	// Allow reports whether one more event is allowed for key, given a
	// refill of one token per every and a bucket size of burst.
	Allow(key string, every time.Duration, burst int) bool
}

// Setup points the Redis rate limiter at a server. It creates a separate Redis
// connection from the result store (rate limiter library limitation).
func Setup(host string, port int, auth string) error {
	return rate.SetRedis(&rate.ConfigRedis{
		Host: host,
		Port: port,
		Auth: auth,
	})
}

// Redis is a Limiter backed by the Redis server configured with Setup.
type Redis struct{}

// NewRedis returns a Redis limiter. Setup must have been called.
func NewRedis() *Redis {
	return &Redis{}
}

func (Redis) Allow(key string, every time.Duration, burst int) bool {
	return rate.NewLimiter(rate.Every(every), burst, key).Allow()
}

// Local keeps one token bucket per key in memory. It serves single-instance
// deployments (ratelimit.local in the config) and tests.
type Local struct {
	mu       sync.Mutex
	now      func() time.Time
	limiters map[string]*xrate.Limiter
}

// NewLocal returns an empty in-process limiter.
func NewLocal() *Local {
	return &Local{now: time.Now, limiters: make(map[string]*xrate.Limiter)}
}

func (l *Local) Allow(key string, every time.Duration, burst int) bool {
	// A key may be checked with different rates; each pair gets its own bucket.
	id := key + "|" + every.String() + "|" + strconv.Itoa(burst)

	l.mu.Lock()
	lim, ok := l.limiters[id]
	if !ok {
		lim = xrate.NewLimiter(xrate.Every(every), burst)
		l.limiters[id] = lim
	}
	now := l.now()
	l.mu.Unlock()

	return lim.AllowN(now, 1)
}

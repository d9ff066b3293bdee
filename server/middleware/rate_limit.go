package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimiter keeps one token bucket per client address and route class.
type RateLimiter struct {
	clients    map[string]*ClientBucket
	mutex      sync.RWMutex
	cleanup    *time.Ticker
	done       chan struct{}
	stopOnce   sync.Once
	logger     *zap.Logger
	defaultRPS int
	burst      int
}

type ClientBucket struct {
	tokens     float64
	lastUpdate time.Time
	mutex      sync.Mutex
}

func NewRateLimiter(defaultRPS, burst int, logger *zap.Logger) *RateLimiter {
	rl := &RateLimiter{
		clients:    make(map[string]*ClientBucket),
		done:       make(chan struct{}),
		defaultRPS: defaultRPS,
		burst:      burst,
		logger:     logger,
	}

	rl.cleanup = time.NewTicker(5 * time.Minute)
	go rl.cleanupExpiredClients()

	return rl
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return rl.RateLimitWithConfig(rl.defaultRPS, rl.burst)
}

// RateLimitWithConfig limits with its own rps and burst. Buckets are separate
// per configuration so a client's polling does not spend its submission
// budget.
func (rl *RateLimiter) RateLimitWithConfig(rps int, burst int) gin.HandlerFunc {
	if rps < 1 {
		rps = 1
	}
	if burst < 1 {
		burst = 1
	}
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		allowed, retryAfter := rl.allowRequestWithConfig(clientIP, rps, burst)
		if !allowed {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", c.Request.URL.Path),
				zap.Int("rps", rps))

			seconds := int(math.Ceil(retryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": seconds,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) allowRequestWithConfig(clientIP string, rps, burst int) (bool, time.Duration) {
	key := bucketKey(clientIP, rps, burst)

	rl.mutex.Lock()
	bucket, exists := rl.clients[key]
	if !exists {
		bucket = &ClientBucket{
			tokens:     float64(burst),
			lastUpdate: time.Now(),
		}
		rl.clients[key] = bucket
	}
	rl.mutex.Unlock()

	return bucket.allowRequest(rps, burst)
}

func (cb *ClientBucket) allowRequest(rps, burst int) (bool, time.Duration) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(cb.lastUpdate)

	cb.tokens = math.Min(float64(burst), cb.tokens+elapsed.Seconds()*float64(rps))
	cb.lastUpdate = now

	if cb.tokens >= 1 {
		cb.tokens--
		return true, 0
	}

	missing := 1 - cb.tokens
	return false, time.Duration(missing / float64(rps) * float64(time.Second))
}

func (rl *RateLimiter) cleanupExpiredClients() {
	for {
		select {
		case <-rl.done:
			return
		case <-rl.cleanup.C:
		}

		rl.mutex.Lock()
		now := time.Now()
		for key, bucket := range rl.clients {
			bucket.mutex.Lock()
			if now.Sub(bucket.lastUpdate) > 10*time.Minute {
				delete(rl.clients, key)
			}
			bucket.mutex.Unlock()
		}
		rl.mutex.Unlock()
	}
}

func (rl *RateLimiter) GetGlobalStats() map[string]interface{} {
	rl.mutex.RLock()
	defer rl.mutex.RUnlock()

	return map[string]interface{}{
		"active_buckets": len(rl.clients),
		"default_rps":    rl.defaultRPS,
		"burst_capacity": rl.burst,
	}
}

func (rl *RateLimiter) Shutdown() {
	rl.stopOnce.Do(func() {
		rl.cleanup.Stop()
		close(rl.done)
	})
}

func bucketKey(clientIP string, rps, burst int) string {
	return clientIP + "|" + strconv.Itoa(rps) + "|" + strconv.Itoa(burst)
}

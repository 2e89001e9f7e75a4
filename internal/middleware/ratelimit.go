package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimit limits requests per (clientIP, path) within a fixed window. This
// is a coarse request throttle for the HTTP surface; the login lockout policy
// lives in the auth package and is enforced separately.
func RateLimit(maxRequests int, window time.Duration) gin.HandlerFunc {
	type bucket struct {
		count     int
		windowEnd time.Time
	}

	var (
		mu        sync.Mutex
		buckets   = make(map[string]*bucket)
		nextSweep = time.Now().Add(window)
	)

	return func(c *gin.Context) {
		if maxRequests <= 0 || window <= 0 {
			c.Next()
			return
		}

		key := c.ClientIP() + "|" + c.FullPath()
		now := time.Now()

		mu.Lock()
		// Drop stale buckets once per window so the map stays bounded
		// without a background goroutine.
		if now.After(nextSweep) {
			for k, b := range buckets {
				if now.After(b.windowEnd) {
					delete(buckets, k)
				}
			}
			nextSweep = now.Add(window)
		}

		b, ok := buckets[key]
		if !ok || now.After(b.windowEnd) {
			b = &bucket{windowEnd: now.Add(window)}
			buckets[key] = b
		}
		b.count++
		count := b.count
		resetIn := time.Until(b.windowEnd)
		mu.Unlock()

		remaining := maxRequests - count
		if remaining < 0 {
			remaining = 0
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(resetIn.Seconds())))

		if count > maxRequests {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}

		c.Next()
	}
}

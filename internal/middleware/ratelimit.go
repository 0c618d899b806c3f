package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"chitram/api/internal/ratelimit"
)

// ClientIdentity keys rate limiting on the first X-Forwarded-For entry, falling
// back to the peer address. The header is client controlled.
func ClientIdentity(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func RateLimit(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || !limiter.Enabled() {
			c.Next()
			return
		}

		result := limiter.Check(c.Request.Context(), ClientIdentity(c.Request))
		if !result.Degraded {
			header := c.Writer.Header()
			header.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			header.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			header.Set("X-RateLimit-Reset", strconv.Itoa(result.ResetSeconds()))
		}

		if !result.Allowed {
			c.Header("Retry-After", strconv.Itoa(result.ResetSeconds()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate_limited",
				"message":    "too many uploads, try again later",
				"retryAfter": result.ResetSeconds(),
			})
			return
		}

		c.Next()
	}
}

// Package security provides response hardening and outbound URL checks.
package security

import (
	"net/http"
	"strings"

	"github.com/fredagent/x402proxy/pkg/x402"
	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds security headers to all responses. The proxy
// serves JSON only, so the CSP forbids everything.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// Browser payers must be able to send the payment header and read the
// settlement and challenge headers.
var (
	allowHeaders = strings.Join([]string{
		"Content-Type", "X-Request-ID", x402.HeaderPayment, x402.HeaderPaymentLegacy,
	}, ", ")
	exposeHeaders = strings.Join([]string{
		x402.HeaderPaymentResponse, x402.HeaderPaymentRequired, "X-Payment-Price",
		"X-Payment-Recipient", "X-Payment-Asset", "X-Payment-Network", "X-Request-ID",
	}, ", ")
)

// CORSMiddleware handles CORS for the paid API.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	originsMap := make(map[string]bool)
	for _, o := range allowedOrigins {
		originsMap[o] = true
	}
	wildcard := originsMap["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if origin != "" && (wildcard || originsMap[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Expose-Headers", exposeHeaders)
			c.Header("Access-Control-Max-Age", "86400")
			// Wildcard plus credentials would let any site spend on behalf of a cookie holder.
			if !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

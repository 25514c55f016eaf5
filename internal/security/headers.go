// Package security provides HTTP hardening middleware and outbound URL
// checks for webhook targets.
package security

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
)

// apiHeaders suit a JSON-only API: nothing may render, frame, or cache it.
var apiHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cache-Control", "no-store"},
}

// HeadersMiddleware sets the hardening headers on every response.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, h := range apiHeaders {
			c.Header(h[0], h[1])
		}
		c.Next()
	}
}

// CORSMiddleware lets browser checkouts on the listed origins call the
// API. An empty list or "*" admits any origin, without credentials.
// Preflight requests end here with 204.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	anyOrigin := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (anyOrigin || slices.Contains(allowedOrigins, origin)) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
			if !anyOrigin {
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

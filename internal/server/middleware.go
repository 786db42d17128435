package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/edgeward/gateguard/internal/apikey"
	"github.com/edgeward/gateguard/internal/observability"
	"github.com/edgeward/gateguard/internal/ratelimit"
)

// Context keys for values set by the auth middleware.
const (
	contextKeyAPIKey    = "gateguard.apikey"
	contextKeyRateLimit = "gateguard.ratelimit"
)

// recoveryMiddleware converts panics into 500 responses.
func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic recovered",
					observability.Any("panic", r),
					observability.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "Internal Server Error",
				})
			}
		}()
		c.Next()
	}
}

// loggingMiddleware logs one line per request and stamps a request id.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		ctx := observability.ContextWithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		s.logger.Info("request completed",
			observability.String("request_id", requestID),
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", c.Writer.Status()),
			observability.Duration("duration", time.Since(start)),
		)
	}
}

// adminAuthMiddleware guards the management surface with static bearer
// tokens. With no tokens configured the surface is open, for single-tenant
// deployments behind their own admin plane.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	tokens := make(map[string]bool, len(s.config.AdminKeys))
	for _, t := range s.config.AdminKeys {
		tokens[t] = true
	}

	return func(c *gin.Context) {
		if len(tokens) == 0 {
			c.Next()
			return
		}

		if !tokens[extractToken(c.Request)] {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Unauthorized",
			})
			return
		}
		c.Next()
	}
}

// keyAuthMiddleware authenticates the data plane through the admission gate.
// The validated key and rate limit snapshot are stored on the gin context for
// downstream handlers.
func (s *Server) keyAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		plaintext := extractToken(c.Request)
		if plaintext == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "missing API key",
			})
			return
		}

		result, err := s.gate.Validate(c.Request.Context(), plaintext)
		if err != nil {
			s.logger.Error("API key validation failed",
				observability.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Internal Server Error",
			})
			return
		}

		if result.RateLimit != nil {
			setRateLimitHeaders(c, result.RateLimit)
		}

		if !result.Allowed {
			abortForDenial(c, result)
			return
		}

		c.Set(contextKeyAPIKey, result.Key)
		if result.RateLimit != nil {
			c.Set(contextKeyRateLimit, result.RateLimit)
		}
		c.Next()
	}
}

// abortForDenial maps a gate denial onto an HTTP status. A limiter
// malfunction is a server-side degradation, not a client quota problem.
func abortForDenial(c *gin.Context, result *apikey.ValidationResult) {
	switch result.Denial {
	case apikey.DenialRateLimited:
		if result.RateLimit != nil {
			c.Header("Retry-After",
				strconv.Itoa(int(result.RateLimit.RetryAfter.Seconds())))
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "Too Many Requests",
			"message": "rate limit exceeded",
		})
	case apikey.DenialLimiterError:
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Service Unavailable",
			"message": "rate limiter unavailable",
		})
	default:
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "Unauthorized",
			"message": "invalid API key",
		})
	}
}

// setRateLimitHeaders exposes the remaining budget to the caller.
func setRateLimitHeaders(c *gin.Context, result *ratelimit.Result) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset",
		strconv.FormatInt(time.Now().Add(result.ResetAfter).Unix(), 10))
}

// extractToken pulls the credential from X-API-Key or a bearer Authorization
// header, in that order.
func extractToken(r *http.Request) string {
	if v := r.Header.Get("X-API-Key"); v != "" {
		return strings.TrimSpace(v)
	}

	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}

	return ""
}

// keyFromContext returns the validated key stored by the auth middleware.
func keyFromContext(c *gin.Context) *apikey.Key {
	v, ok := c.Get(contextKeyAPIKey)
	if !ok {
		return nil
	}
	key, _ := v.(*apikey.Key)
	return key
}

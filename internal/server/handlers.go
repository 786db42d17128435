package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edgeward/gateguard/internal/apikey"
	"github.com/edgeward/gateguard/internal/circuitbreaker"
	"github.com/edgeward/gateguard/internal/observability"
)

// maxProxyResponseBytes caps how much of a downstream response is buffered.
const maxProxyResponseBytes = 4 << 20

// generateKeyRequest is the body for POST /api/v1/keys.
type generateKeyRequest struct {
	Name        string              `json:"name" binding:"required"`
	OwnerID     string              `json:"ownerId" binding:"required"`
	Permissions []apikey.Permission `json:"permissions"`
	RateLimit   *rateLimitRequest   `json:"rateLimit"`
	ExpiresAt   *time.Time          `json:"expiresAt"`
}

// rateLimitRequest carries a per-key budget with a human-readable window.
type rateLimitRequest struct {
	Requests int    `json:"requests"`
	Window   string `json:"window"`
	Burst    int    `json:"burst"`
}

// toRateLimit parses the request form into the gate's budget type.
func (r *rateLimitRequest) toRateLimit() (*apikey.RateLimit, error) {
	window, err := time.ParseDuration(r.Window)
	if err != nil {
		return nil, err
	}
	return &apikey.RateLimit{
		Requests: r.Requests,
		Window:   window,
		Burst:    r.Burst,
	}, nil
}

// handleHealthz reports process liveness.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleGenerateKey creates a new API key. The plaintext appears in this
// response and nowhere else.
func (s *Server) handleGenerateKey(c *gin.Context) {
	var req generateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Bad Request",
			"message": err.Error(),
		})
		return
	}

	var limit *apikey.RateLimit
	if req.RateLimit != nil {
		parsed, err := req.RateLimit.toRateLimit()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Bad Request",
				"message": "invalid rate limit window: " + err.Error(),
			})
			return
		}
		limit = parsed
	}

	key, plaintext, err := s.gate.Generate(
		c.Request.Context(), req.Name, req.OwnerID, req.Permissions, limit, req.ExpiresAt)
	if err != nil {
		s.logger.Error("failed to generate API key", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"key":       key,
		"plaintext": plaintext,
	})
}

// handleListKeys lists the owner's keys with secrets stripped.
func (s *Server) handleListKeys(c *gin.Context) {
	ownerID := c.Query("owner")
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Bad Request",
			"message": "owner query parameter is required",
		})
		return
	}

	keys, err := s.gate.ListForOwner(c.Request.Context(), ownerID)
	if err != nil {
		s.logger.Error("failed to list API keys", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// handleRotateKey replaces the key's secret, returning the new plaintext.
func (s *Server) handleRotateKey(c *gin.Context) {
	ownerID := c.Query("owner")
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Bad Request",
			"message": "owner query parameter is required",
		})
		return
	}

	key, plaintext, err := s.gate.Rotate(c.Request.Context(), c.Param("id"), ownerID)
	switch {
	case errors.Is(err, apikey.ErrKeyNotOwned):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return
	case errors.Is(err, apikey.ErrKeyRevoked):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Conflict",
			"message": "key is revoked",
		})
		return
	case err != nil:
		s.logger.Error("failed to rotate API key", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"key":       key,
		"plaintext": plaintext,
	})
}

// handleRevokeKey deactivates the key. Revoking twice is a success.
func (s *Server) handleRevokeKey(c *gin.Context) {
	ownerID := c.Query("owner")
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Bad Request",
			"message": "owner query parameter is required",
		})
		return
	}

	err := s.gate.Revoke(c.Request.Context(), c.Param("id"), ownerID)
	switch {
	case errors.Is(err, apikey.ErrKeyNotOwned):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return
	case err != nil:
		s.logger.Error("failed to revoke API key", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}

	c.Status(http.StatusNoContent)
}

// handleKeyMetrics reports usage and the current budget for a key.
func (s *Server) handleKeyMetrics(c *gin.Context) {
	metrics, err := s.gate.MetricsFor(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, apikey.ErrKeyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return
	case err != nil:
		s.logger.Error("failed to read API key metrics", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}

	c.JSON(http.StatusOK, metrics)
}

// handleBreakerHealth reports the health of every breaker.
func (s *Server) handleBreakerHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.registry.Health()})
}

// handleForceOpen administratively opens one breaker.
func (s *Server) handleForceOpen(c *gin.Context) {
	name := c.Param("name")
	b := s.registry.Get(name)
	if b == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return
	}

	b.ForceOpen()
	c.JSON(http.StatusOK, gin.H{"name": name, "state": b.Stats().State.String()})
}

// handleForceClose administratively closes one breaker.
func (s *Server) handleForceClose(c *gin.Context) {
	name := c.Param("name")
	b := s.registry.Get(name)
	if b == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return
	}

	b.ForceClose()
	c.JSON(http.StatusOK, gin.H{"name": name, "state": b.Stats().State.String()})
}

// handleForceOpenAll administratively opens every breaker.
func (s *Server) handleForceOpenAll(c *gin.Context) {
	s.registry.ForceOpenAll()
	c.JSON(http.StatusOK, gin.H{"breakers": s.registry.Health()})
}

// handleForceCloseAll administratively closes every breaker.
func (s *Server) handleForceCloseAll(c *gin.Context) {
	s.registry.ForceCloseAll()
	c.JSON(http.StatusOK, gin.H{"breakers": s.registry.Health()})
}

// proxyRequest is the body for POST /api/v1/proxy/:dependency.
type proxyRequest struct {
	URL    string `json:"url" binding:"required"`
	Method string `json:"method"`
	Body   string `json:"body"`
}

// proxyResponse is what the breaker-guarded call produced.
type proxyResponse struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// handleProxy executes a downstream HTTP call through the dependency's
// circuit breaker. The caller needs an "invoke" grant on the dependency.
func (s *Server) handleProxy(c *gin.Context) {
	dependency := c.Param("dependency")

	key := keyFromContext(c)
	reqCtx := map[string]any{
		"method": c.Request.Method,
		"owner":  key.OwnerID,
	}
	if !s.gate.CheckPermission(key, dependency, "invoke", reqCtx) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "Forbidden",
			"message": "key does not grant invoke on " + dependency,
		})
		return
	}

	var req proxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Bad Request",
			"message": err.Error(),
		})
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	breaker := s.registry.GetOrCreate(dependency, nil)
	result, err := breaker.Execute(c.Request.Context(), func(ctx context.Context) (any, error) {
		return s.forward(ctx, &req)
	})

	switch {
	case errors.Is(err, circuitbreaker.ErrBreakerOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Service Unavailable",
			"message": "circuit breaker open for " + dependency,
		})
		return
	case errors.Is(err, circuitbreaker.ErrOperationTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":   "Gateway Timeout",
			"message": "downstream call timed out",
		})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "Bad Gateway",
			"message": err.Error(),
		})
		return
	}

	resp, ok := result.(*proxyResponse)
	if !ok {
		// A fallback value configured on the breaker is returned verbatim.
		c.JSON(http.StatusOK, gin.H{"fallback": result})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// forward performs the downstream HTTP call under the breaker's context.
func (s *Server) forward(ctx context.Context, req *proxyRequest) (*proxyResponse, error) {
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}

	httpResp, err := s.proxy.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxProxyResponseBytes))
	if err != nil {
		return nil, err
	}

	return &proxyResponse{
		StatusCode: httpResp.StatusCode,
		Body:       string(data),
	}, nil
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeward/gateguard/internal/apikey"
	"github.com/edgeward/gateguard/internal/circuitbreaker"
)

// newTestServer builds a server over a fresh gate and registry.
func newTestServer(t *testing.T, cfg *Config) (*Server, *apikey.Gate, *circuitbreaker.Registry) {
	t.Helper()

	gate := apikey.NewGate()
	t.Cleanup(gate.Close)

	registry := circuitbreaker.NewRegistry(&circuitbreaker.Config{
		Enabled:          true,
		Timeout:          time.Second,
		FailureThreshold: 2,
		SuccessThreshold: 1,
		ResetTimeout:     50 * time.Millisecond,
	}, nil)
	t.Cleanup(registry.Close)

	return New(cfg, gate, registry, nil), gate, registry
}

// doJSON performs a request with an optional JSON body and API key.
func doJSON(s *Server, method, path, key string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}

	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w := doJSON(s, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	s, gate, _ := newTestServer(t, nil)
	gate.Metrics().Init()

	w := doJSON(s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gateguard_apikey_validation_total")
}

func TestGenerateKeyEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w := doJSON(s, http.MethodPost, "/api/v1/keys", "", map[string]any{
		"name":    "ci key",
		"ownerId": "owner1",
		"rateLimit": map[string]any{
			"requests": 5,
			"window":   "1m",
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Key       *apikey.Key `json:"key"`
		Plaintext string      `json:"plaintext"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, apikey.IsWellFormed(resp.Plaintext))
	assert.Equal(t, "owner1", resp.Key.OwnerID)
	assert.Equal(t, 5, resp.Key.RateLimit.Requests)
}

func TestGenerateKeyEndpointValidation(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	// Missing required fields.
	w := doJSON(s, http.MethodPost, "/api/v1/keys", "", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unparseable window.
	w = doJSON(s, http.MethodPost, "/api/v1/keys", "", map[string]any{
		"name":      "x",
		"ownerId":   "owner1",
		"rateLimit": map[string]any{"requests": 5, "window": "soon"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestKeyLifecycleEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w := doJSON(s, http.MethodPost, "/api/v1/keys", "", map[string]any{
		"name":    "ci key",
		"ownerId": "owner1",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Key       *apikey.Key `json:"key"`
		Plaintext string      `json:"plaintext"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Key.ID

	// List.
	w = doJSON(s, http.MethodGet, "/api/v1/keys?owner=owner1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	// Missing owner parameter.
	w = doJSON(s, http.MethodGet, "/api/v1/keys", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Metrics.
	w = doJSON(s, http.MethodGet, "/api/v1/keys/"+id+"/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Rotate.
	w = doJSON(s, http.MethodPost, "/api/v1/keys/"+id+"/rotate?owner=owner1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rotated struct {
		Plaintext string `json:"plaintext"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rotated))
	assert.NotEqual(t, created.Plaintext, rotated.Plaintext)

	// Rotate for the wrong owner.
	w = doJSON(s, http.MethodPost, "/api/v1/keys/"+id+"/rotate?owner=intruder", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Revoke, twice.
	w = doJSON(s, http.MethodDelete, "/api/v1/keys/"+id+"?owner=owner1", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = doJSON(s, http.MethodDelete, "/api/v1/keys/"+id+"?owner=owner1", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// Rotating a revoked key conflicts.
	w = doJSON(s, http.MethodPost, "/api/v1/keys/"+id+"/rotate?owner=owner1", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Unknown key metrics.
	w = doJSON(s, http.MethodGet, "/api/v1/keys/missing/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminAuth(t *testing.T) {
	s, _, _ := newTestServer(t, &Config{AdminKeys: []string{"admin-token"}})

	w := doJSON(s, http.MethodGet, "/api/v1/breakers", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(s, http.MethodGet, "/api/v1/breakers", "wrong-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(s, http.MethodGet, "/api/v1/breakers", "admin-token", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Bearer form works too.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/breakers", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBreakerEndpoints(t *testing.T) {
	s, _, registry := newTestServer(t, nil)

	registry.GetOrCreate("payments", nil)

	w := doJSON(s, http.MethodGet, "/api/v1/breakers", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "payments")

	w = doJSON(s, http.MethodPost, "/api/v1/breakers/payments/open", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, circuitbreaker.StateOpen, registry.Get("payments").State())

	w = doJSON(s, http.MethodPost, "/api/v1/breakers/payments/close", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, circuitbreaker.StateClosed, registry.Get("payments").State())

	w = doJSON(s, http.MethodPost, "/api/v1/breakers/missing/open", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	registry.GetOrCreate("inventory", nil)
	w = doJSON(s, http.MethodPost, "/api/v1/breakers/open", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, circuitbreaker.StateOpen, registry.Get("inventory").State())

	w = doJSON(s, http.MethodPost, "/api/v1/breakers/close", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, circuitbreaker.StateClosed, registry.Get("inventory").State())
}

// issueKey generates a key with the given grants and returns its plaintext.
func issueKey(t *testing.T, gate *apikey.Gate, perms []apikey.Permission, limit *apikey.RateLimit) string {
	t.Helper()

	_, plaintext, err := gate.Generate(
		context.Background(), "test", "owner1", perms, limit, nil)
	require.NoError(t, err)
	return plaintext
}

func TestProxyRequiresAuth(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w := doJSON(s, http.MethodPost, "/api/v1/proxy/payments", "", map[string]any{
		"url": "http://example.invalid",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(s, http.MethodPost, "/api/v1/proxy/payments", "sk_bogus", map[string]any{
		"url": "http://example.invalid",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProxyRequiresPermission(t *testing.T) {
	s, gate, _ := newTestServer(t, nil)

	plaintext := issueKey(t, gate, []apikey.Permission{
		{Resource: "inventory", Actions: []string{"invoke"}},
	}, nil)

	w := doJSON(s, http.MethodPost, "/api/v1/proxy/payments", plaintext, map[string]any{
		"url": "http://example.invalid",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestProxyThroughBreaker(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "upstream says hi")
	}))
	defer upstream.Close()

	s, gate, _ := newTestServer(t, nil)

	plaintext := issueKey(t, gate, []apikey.Permission{
		{Resource: "*", Actions: []string{"invoke"}},
	}, nil)

	w := doJSON(s, http.MethodPost, "/api/v1/proxy/payments", plaintext, map[string]any{
		"url": upstream.URL,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp proxyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "upstream says hi", resp.Body)

	assert.Equal(t, "99", w.Header().Get("X-RateLimit-Remaining"))
}

func TestProxyOpenBreakerReturns503(t *testing.T) {
	s, gate, registry := newTestServer(t, nil)

	plaintext := issueKey(t, gate, []apikey.Permission{
		{Resource: "*", Actions: []string{"invoke"}},
	}, nil)

	registry.GetOrCreate("payments", nil).ForceOpen()

	w := doJSON(s, http.MethodPost, "/api/v1/proxy/payments", plaintext, map[string]any{
		"url": "http://example.invalid",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestProxyDownstreamFailureReturns502(t *testing.T) {
	s, gate, _ := newTestServer(t, nil)

	plaintext := issueKey(t, gate, []apikey.Permission{
		{Resource: "*", Actions: []string{"invoke"}},
	}, nil)

	w := doJSON(s, http.MethodPost, "/api/v1/proxy/payments", plaintext, map[string]any{
		"url": "http://127.0.0.1:1",
	})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestProxyRateLimited(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s, gate, _ := newTestServer(t, nil)

	plaintext := issueKey(t, gate, []apikey.Permission{
		{Resource: "*", Actions: []string{"invoke"}},
	}, &apikey.RateLimit{Requests: 1, Window: time.Minute})

	w := doJSON(s, http.MethodPost, "/api/v1/proxy/payments", plaintext, map[string]any{
		"url": upstream.URL,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(s, http.MethodPost, "/api/v1/proxy/payments", plaintext, map[string]any{
		"url": upstream.URL,
	})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestProxyBadBody(t *testing.T) {
	s, gate, _ := newTestServer(t, nil)

	plaintext := issueKey(t, gate, []apikey.Permission{
		{Resource: "*", Actions: []string{"invoke"}},
	}, nil)

	w := doJSON(s, http.MethodPost, "/api/v1/proxy/payments", plaintext, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
